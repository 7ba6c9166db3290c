package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd displays the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display the effective configuration",
	Long: `Display the effective configuration after merging defaults,
the config file, and WATCHD_* environment variables.

Example:
  watchd config
  watchd --config ./config.yaml config`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error rendering config: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
	},
}
