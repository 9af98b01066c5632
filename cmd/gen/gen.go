package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation",
	Long:  `Generate documentation for redisclient`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
