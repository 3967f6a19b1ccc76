package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the configuration pcaprelay runs with.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file,
PCAPRELAY_* environment variables and flags.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format: yaml, json")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	output, err := renderSettings(loadSettings(viper.GetViper()), configFormat)
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "# config file: %s\n", used)
	}
	fmt.Fprint(cmd.OutOrStdout(), output)
	return nil
}

// renderSettings prints s as yaml or json. Durations are rendered as
// strings ("5s") in both.
func renderSettings(s Settings, format string) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}

	switch format {
	case "yaml":
		return string(data), nil
	case "json":
		// go through yaml so the json view matches it key for key
		var tree map[string]interface{}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return "", fmt.Errorf("failed to re-read YAML: %w", err)
		}
		output, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return string(output) + "\n", nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}
