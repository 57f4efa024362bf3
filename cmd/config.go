package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after the configuration file and the UNDELETE_*
environment variables were applied, e.g. UNDELETE_OPTIONS_SHOW_EXISTING=true.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch GetOutputFormat() {
		case "json":
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(config)
		case "yaml", "table":
			encoder := yaml.NewEncoder(out)
			defer encoder.Close()
			encoder.SetIndent(2)
			return encoder.Encode(config)
		default:
			return fmt.Errorf("unsupported output format: %s", GetOutputFormat())
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
