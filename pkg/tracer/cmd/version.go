package cmd

import (
	"github.com/spf13/cobra"

	"github.com/alibaba/tcpretrans/version"
)

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "show version",
		Run: func(_ *cobra.Command, _ []string) {
			version.PrintVersion()
		},
	}
)

func init() {
	rootCmd.AddCommand(versionCmd)
}
