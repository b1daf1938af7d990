package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sniper version %s\n", observ.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
