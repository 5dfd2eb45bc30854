package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dubrelay/dubrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing dubrelay configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
Redirect the output to a file to create a configuration template:

  dubrelay config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/dubrelay, ~/.dubrelay)
  - Environment variables (DUBRELAY_SERVER_PORT, DUBRELAY_STS_URL, etc.)
  - Command-line flags (for some options)

Environment variables use the DUBRELAY_ prefix and underscores for nesting.
Example: server.port -> DUBRELAY_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	out, err := yaml.Marshal(normalize(v.AllSettings()))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

// normalize renders durations in their human-readable form so the dump is
// directly editable.
func normalize(value any) any {
	switch val := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = normalize(child)
		}
		return out
	case time.Duration:
		return val.String()
	default:
		return value
	}
}
