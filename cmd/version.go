package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/awareness/pkg/daemon"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "awarenessd %s (%s, %s/%s)\n",
			daemon.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
