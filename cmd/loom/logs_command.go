package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <worker-id>",
		Short: "Display the log of a spawned worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := logs.WorkerLogPath(cfg, args[0])

			offset := int64(-1)
			if lines <= 0 {
				offset = 0
			}
			runCtx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			printed := false
			for {
				res, err := logs.Tail(runCtx, path, logs.TailOptions{
					Offset: offset,
					Limit:  lines,
					Follow: follow,
					Wait:   time.Second,
				})
				if err != nil && runCtx.Err() != nil {
					return nil
				}
				if err != nil {
					return fmt.Errorf("tail %s: %w", path, err)
				}
				for _, line := range res.Lines {
					fmt.Fprintln(out, line)
					printed = true
				}
				offset = res.Offset
				if !follow {
					if !printed {
						fmt.Fprintf(out, "No log entries for %s\n", args[0])
					}
					return nil
				}
				if runCtx.Err() != nil {
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "Number of lines to show (0 for all)")
	return cmd
}
