package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/registry"
)

func newWorkersCommand(ctx *commandContext) *cobra.Command {
	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect and maintain the worker registry",
	}
	workersCmd.AddCommand(newWorkersListCommand(ctx))
	workersCmd.AddCommand(newWorkersSweepCommand(ctx))
	workersCmd.AddCommand(newWorkersHistoryCommand(ctx))
	workersCmd.AddCommand(newWorkersStatsCommand(ctx))
	return workersCmd
}

func openRegistry(ctx *commandContext) (*registry.Registry, error) {
	c, err := ctx.components()
	if err != nil {
		return nil, err
	}
	return c.registry()
}

func newWorkersListCommand(ctx *commandContext) *cobra.Command {
	var (
		all        bool
		workerType string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(ctx)
			if err != nil {
				return err
			}
			var records []registry.Record
			switch {
			case workerType != "":
				records, err = reg.ByType(workerType)
			case all:
				records, err = reg.List()
			default:
				records, err = reg.ListActive()
			}
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, records)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No workers registered")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				rows = append(rows, []string{
					rec.ID,
					rec.Type,
					displayLabel(string(rec.Status)),
					displayLabel(string(rec.Activity)),
					orDash(rec.CurrentTask),
					strconv.Itoa(rec.TasksCompleted),
					strconv.Itoa(rec.TasksFailed),
					formatAge(now, rec.LastHeartbeat),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Worker", "Type", "Status", "Activity", "Task", "Done", "Failed", "Heartbeat"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include workers past the liveness window")
	cmd.Flags().StringVar(&workerType, "type", "", "Only show active workers of this type")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newWorkersSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove workers whose heartbeat expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(ctx)
			if err != nil {
				return err
			}
			removed, err := reg.CleanupStale(cmdContext(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(removed) == 0 {
				fmt.Fprintln(out, "No stale workers")
				return nil
			}
			for _, id := range removed {
				fmt.Fprintf(out, "Removed %s\n", id)
			}
			return nil
		},
	}
}

func newWorkersHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show registration and removal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(ctx)
			if err != nil {
				return err
			}
			events, err := reg.History()
			if err != nil {
				return err
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}
			if jsonOut {
				return writeJSON(cmd, events)
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No worker history")
				return nil
			}
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				rows = append(rows, []string{formatTimestamp(ev.Timestamp), displayLabel(ev.Event), ev.WorkerID, orDash(ev.Reason)})
			}
			fmt.Fprintln(out, renderTable([]string{"Time", "Event", "Worker", "Reason"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of most recent events to show (0 for all)")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newWorkersStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize active workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(ctx)
			if err != nil {
				return err
			}
			stats, err := reg.Stats()
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Active workers: %d\n", stats.TotalActive)
			fmt.Fprintf(out, "Average uptime: %s\n", (time.Duration(stats.AverageUptimeSeconds) * time.Second).String())
			if stats.OldestWorker != "" {
				fmt.Fprintf(out, "Oldest: %s  Newest: %s\n", stats.OldestWorker, stats.NewestWorker)
			}
			rows := make([][]string, 0, len(stats.ByType))
			for _, typ := range sortedKeys(stats.ByType) {
				rows = append(rows, []string{displayLabel(typ), strconv.Itoa(stats.ByType[typ])})
			}
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable([]string{"Type", "Workers"}, rows, []columnAlignment{alignLeft, alignRight}))
			}
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}
