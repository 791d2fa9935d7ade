package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/resource"
)

type usageView struct {
	Total      resource.Total        `json:"total"`
	Limits     resource.GlobalLimits `json:"limits"`
	CanStart   bool                  `json:"can_start"`
	Reason     string                `json:"reason,omitempty"`
	Allocation *resource.Limits      `json:"allocation,omitempty"`
}

func newUsageCommand(ctx *commandContext) *cobra.Command {
	var (
		jsonOut  bool
		canStart bool
		worker   string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show pool-wide resource usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			global := c.global()
			total, err := global.TotalUsage()
			if err != nil {
				return err
			}
			ok, reason, err := global.CanStartWorker()
			if err != nil {
				return err
			}
			view := usageView{Total: total, Limits: global.Limits(), CanStart: ok, Reason: reason}
			if worker != "" {
				alloc, err := global.Allocation(worker)
				if err != nil {
					return err
				}
				view.Allocation = &alloc
			}

			out := cmd.OutOrStdout()
			switch {
			case jsonOut:
				if err := writeJSON(cmd, view); err != nil {
					return err
				}
			case canStart:
				if ok {
					fmt.Fprintln(out, "yes")
				} else {
					fmt.Fprintf(out, "no: %s\n", reason)
				}
			default:
				printUsage(cmd, view)
			}
			if canStart && !ok {
				return fmt.Errorf("worker admission refused: %s", reason)
			}
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	cmd.Flags().BoolVar(&canStart, "can-start", false, "Only report whether another worker may start; fails when it may not")
	cmd.Flags().StringVar(&worker, "allocation", "", "Also show the fair-share allocation for this worker id")
	return cmd
}

func printUsage(cmd *cobra.Command, view usageView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workers:        %d / %d\n", view.Total.WorkerCount, view.Limits.MaxWorkers)
	fmt.Fprintf(out, "Memory:         %.1f / %.1f MB\n", view.Total.MemoryMB, view.Limits.TotalMemoryMB)
	fmt.Fprintf(out, "CPU:            %.1f / %.1f %%\n", view.Total.CPUPercent, view.Limits.TotalCPUPercent)
	if view.Total.StaleSnapshots > 0 {
		fmt.Fprintf(out, "Stale:          %d snapshots ignored\n", view.Total.StaleSnapshots)
	}
	if view.CanStart {
		fmt.Fprintln(out, "Admission:      open")
	} else {
		fmt.Fprintf(out, "Admission:      closed (%s)\n", view.Reason)
	}
	if view.Allocation != nil {
		fmt.Fprintf(out, "Allocation:     %.1f MB, %.1f%% CPU\n", view.Allocation.MemoryMB, view.Allocation.CPUPercent)
	}
	if len(view.Total.Workers) == 0 {
		return
	}
	throttled := make(map[string]bool, len(view.Total.Throttled))
	for _, id := range view.Total.Throttled {
		throttled[id] = true
	}
	rows := make([][]string, 0, len(view.Total.Workers))
	for _, id := range sortedKeys(view.Total.Workers) {
		s := view.Total.Workers[id]
		rows = append(rows, []string{
			id,
			fmt.Sprintf("%.1f", s.MemoryMB),
			fmt.Sprintf("%.1f", s.CPUPercent),
			strconv.Itoa(s.OpenFiles),
			strconv.Itoa(s.NumThreads),
			yesNo(throttled[id]),
		})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable(
		[]string{"Worker", "Memory MB", "CPU %", "Files", "Threads", "Throttled"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
}
