package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"loom/internal/coordinator"
	"loom/internal/orchestrator"
	"loom/internal/plan"
	"loom/internal/preflight"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		inProcess     bool
		noSynthesis   bool
		skipPreflight bool
		jsonOut       bool
		maxWorkers    int
	)

	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Execute a plan of work packages",
		Long: "Execute the work packages in a TOML or YAML plan. Workers are spawned as\n" +
			"`loom worker` processes that run each package's command.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if maxWorkers > 0 {
				cfg.Orchestrator.MaxWorkers = maxWorkers
			}
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}
			if !skipPreflight {
				if failed := preflight.Failed(preflight.RunAll(cmdContext(cmd), cfg)); len(failed) > 0 {
					parts := make([]string, len(failed))
					for i, r := range failed {
						parts[i] = r.Name + ": " + r.Detail
					}
					return fmt.Errorf("%w: %s", errPreflightFailed, strings.Join(parts, "; "))
				}
			}

			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			coord, err := coordinator.New(cfg, logger)
			if err != nil {
				return err
			}
			opts := coordinator.Options{
				Executable:       cfg.Worker.Binary,
				ConfigPath:       ctx.configPath,
				DisableSynthesis: noSynthesis,
			}
			if inProcess {
				opts.Spawner = &orchestrator.InProcessSpawner{Config: cfg, Logger: logger}
			}

			runCtx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			report, runErr := coord.Run(runCtx, &p, opts)
			if report != nil {
				if jsonOut {
					if err := writeJSON(cmd, report); err != nil {
						return err
					}
				} else {
					printReport(cmd, report)
				}
			}
			if runErr != nil {
				return runErr
			}
			if report != nil && report.Statistics.Failed > 0 {
				return fmt.Errorf("%w: %d of %d", errPackagesFailed, report.Statistics.Failed, report.Statistics.WorkPackages)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&inProcess, "in-process", false, "Run workers as goroutines instead of child processes")
	cmd.Flags().BoolVar(&noSynthesis, "no-synthesis", false, "Skip conflict resolution of results")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip readiness checks")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the final report as JSON")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Override orchestrator.max_workers for this run")
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printReport(cmd *cobra.Command, report *orchestrator.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (%s): %s in %.1fs\n", report.OrchestratorID, report.Name, displayLabel(string(report.State)), report.DurationSeconds)
	rows := make([][]string, 0, len(report.Packages))
	for _, pkg := range report.Packages {
		detail := pkg.Error
		if detail == "" && pkg.Synthesized {
			detail = "synthesized"
		}
		rows = append(rows, []string{
			pkg.ID,
			pkg.Type,
			pkg.Complexity.String(),
			displayLabel(string(pkg.Status)),
			pkg.AssignedWorker,
			strconv.Itoa(pkg.Attempts),
			detail,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Package", "Type", "Complexity", "Status", "Worker", "Attempts", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	fmt.Fprintf(out, "Completed %d, failed %d, workers %d, syntheses %d\n",
		report.Statistics.Completed, report.Statistics.Failed, report.Statistics.TotalWorkers, len(report.Syntheses))
	if report.Path != "" {
		fmt.Fprintf(out, "Report: %s\n", report.Path)
	}
	if report.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", report.Error)
	}
}
