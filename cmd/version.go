package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cutso/tornado-redisclient/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), meta.GetInfo())
	},
}
