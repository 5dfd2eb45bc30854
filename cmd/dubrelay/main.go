// Package main is the entry point for the dubrelay application.
package main

import (
	"os"

	"github.com/dubrelay/dubrelay/cmd/dubrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
