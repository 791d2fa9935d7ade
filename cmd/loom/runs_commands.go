package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/ledger"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse the run ledger",
	}
	runsCmd.AddCommand(newRunsListCommand(ctx))
	runsCmd.AddCommand(newRunsShowCommand(ctx))
	return runsCmd
}

func openLedger(ctx *commandContext) (*ledger.Store, error) {
	c, err := ctx.components()
	if err != nil {
		return nil, err
	}
	return c.ledger()
}

func newRunsListCommand(ctx *commandContext) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmdContext(cmd), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				if runs == nil {
					runs = []ledger.Run{}
				}
				return writeJSON(cmd, runs)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				finished := "-"
				if run.FinishedAt != nil {
					finished = formatTimestamp(*run.FinishedAt)
				}
				rows = append(rows, []string{
					run.ID,
					displayLabel(run.State),
					formatTimestamp(run.StartedAt),
					finished,
					orDash(run.Error),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Run", "State", "Started", "Finished", "Error"},
				rows,
				nil,
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list (0 for all)")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	var (
		packages bool
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and optionally its packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			var pkgs []ledger.Package
			if packages {
				if pkgs, err = store.Packages(cmdContext(cmd), run.ID); err != nil {
					return err
				}
			}
			if jsonOut {
				return writeJSON(cmd, struct {
					Run      *ledger.Run      `json:"run"`
					Packages []ledger.Package `json:"packages,omitempty"`
				}{run, pkgs})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:       %s\n", run.ID)
			fmt.Fprintf(out, "State:     %s\n", displayLabel(run.State))
			fmt.Fprintf(out, "Started:   %s\n", formatTimestamp(run.StartedAt))
			if run.FinishedAt != nil {
				fmt.Fprintf(out, "Finished:  %s\n", formatTimestamp(*run.FinishedAt))
			}
			if run.Error != "" {
				fmt.Fprintf(out, "Error:     %s\n", run.Error)
			}
			if !packages {
				return nil
			}
			if len(pkgs) == 0 {
				fmt.Fprintln(out, "No packages recorded")
				return nil
			}
			rows := make([][]string, 0, len(pkgs))
			for _, p := range pkgs {
				rows = append(rows, []string{
					p.ID,
					displayLabel(p.Status),
					strconv.Itoa(p.Complexity),
					orDash(p.AssignedWorker),
					strconv.Itoa(p.Attempts),
					orDash(p.Error),
				})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"Package", "Status", "Complexity", "Worker", "Attempts", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&packages, "packages", false, "Include work packages")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}
