package commands

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective settings as YAML",
	Long: `config prints the settings gathered from flags, REDPUB_ environment
variables, .env and the config file. The password is never printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		return writeSettings(cmd.OutOrStdout(), s)
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
}

func writeSettings(w io.Writer, s settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s.redacted()); err != nil {
		return err
	}
	return enc.Close()
}
