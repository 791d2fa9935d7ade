package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"loom/internal/logging"
	"loom/internal/worker"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var (
		id           string
		workerType   string
		workPackage  string
		capabilities []string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that executes assigned packages",
		Long: "Run one worker against the coordination root. The orchestrator starts\n" +
			"these itself; run it by hand to add capacity to a running plan.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			rt, err := worker.NewFromConfig(cfg, worker.Options{
				ID:           strings.TrimSpace(id),
				Type:         strings.TrimSpace(workerType),
				WorkPackage:  strings.TrimSpace(workPackage),
				Capabilities: capabilities,
			}, logger)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := rt.Start(runCtx); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			runErr := rt.Run(runCtx)
			reason := "shutdown requested"
			if runCtx.Err() != nil {
				reason = "signal"
			}
			if err := rt.Stop(reason); err != nil {
				logger.Warn("worker stop incomplete", logging.Error(err))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Worker id (generated when empty)")
	cmd.Flags().StringVar(&workerType, "type", "developer", "Worker type")
	cmd.Flags().StringVar(&workPackage, "work-package", "", "Package the worker was spawned for")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Capability to announce (repeatable)")
	return cmd
}
