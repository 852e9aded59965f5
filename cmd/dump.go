package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/awareness/internal/logger"
	"github.com/billm/baaaht/awareness/pkg/client"
	"github.com/billm/baaaht/awareness/pkg/types"
)

var dumpTimeout time.Duration

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the diagnostic state of a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runDump,
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dumpTimeout)
	defer cancel()

	c, err := client.Dial(ctx, cfg.IPC.SocketPath, client.Config{RequestTimeout: dumpTimeout}, logger.NewDiscard())
	if err != nil {
		return err
	}
	defer c.Close()

	text, err := c.Dump(ctx)
	fmt.Fprint(cmd.OutOrStdout(), text)
	if types.IsErrCode(err, types.ErrCodeUnauthorized) {
		return fmt.Errorf("dump denied by the daemon")
	}
	return err
}

func init() {
	dumpCmd.Flags().DurationVar(&dumpTimeout, "timeout", 5*time.Second, "Time allowed for the dump")
}
