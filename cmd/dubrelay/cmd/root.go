// Package cmd implements the CLI commands for dubrelay.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dubrelay/dubrelay/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "dubrelay",
	Short:   "Real-time live-stream dubbing relay",
	Version: version.Short(),
	Long: `dubrelay pulls live RTMP streams from a media router, splits them into
keyframe-aligned video segments and speech-aligned audio segments, ships the
audio to a speech-to-speech translation service, and republishes the stream
with dubbed audio kept in sync with the original video.

Stream lifecycle is driven by media-router webhooks; a REST API exposes
worker inspection and manual control.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Flags are deliberately not bound to viper here; serve checks
	// Changed() so the priority stays flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/dubrelay)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}
