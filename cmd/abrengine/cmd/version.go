package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/abrengine/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Args:  cobra.NoArgs,
	// Skip config loading so a broken config file does not hide the version.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, _ []string) error {
		asJSON, err := cmd.Flags().GetBool("json")
		if err != nil {
			return err
		}
		out := version.String()
		if asJSON {
			out = version.JSON()
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
		return err
	},
}

func init() {
	versionCmd.Flags().Bool("json", false, "print build information as JSON")
	rootCmd.AddCommand(versionCmd)
}
