package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordination root health, workers and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			report := newStatusReport(out)

			report.section("System")
			for _, r := range preflight.RunAll(cmdContext(cmd), c.cfg) {
				h, detail := preflightHealth(r)
				report.add(r.Name, h, detail)
			}
			report.section("Workers")
			addWorkers(report, c)
			report.section("Resources")
			addUsage(report, c)
			report.section("Last Run")
			addLastRun(cmd, report, c)

			fmt.Fprintln(out, report.String())
			return nil
		},
	}
}

func addWorkers(report *statusReport, c *components) {
	reg, err := c.registry()
	if err != nil {
		report.failure("Registry", err)
		return
	}
	stats, err := reg.Stats()
	if err != nil {
		report.failure("Registry", err)
		return
	}
	if stats.TotalActive == 0 {
		report.add("Active", healthInfo, "none")
		return
	}
	report.add("Active", healthOK, strconv.Itoa(stats.TotalActive))
	for _, t := range sortedKeys(stats.ByType) {
		report.add(displayLabel(t), healthInfo, strconv.Itoa(stats.ByType[t]))
	}
	if stats.AverageUptimeSeconds > 0 {
		uptime := time.Duration(stats.AverageUptimeSeconds) * time.Second
		report.add("Average uptime", healthInfo, uptime.String())
	}
}

func addUsage(report *statusReport, c *components) {
	global := c.global()
	total, err := global.TotalUsage()
	if err != nil {
		report.failure("Usage", err)
		return
	}
	limits := global.Limits()
	report.add("Memory", healthInfo, fmt.Sprintf("%.1f / %.1f MB", total.MemoryMB, limits.TotalMemoryMB))
	report.add("CPU", healthInfo, fmt.Sprintf("%.1f / %.1f %%", total.CPUPercent, limits.TotalCPUPercent))
	if len(total.Throttled) > 0 {
		report.add("Throttled", healthWarn, strings.Join(total.Throttled, ", "))
	}
	ok, reason, err := global.CanStartWorker()
	switch {
	case err != nil:
		report.failure("Admission", err)
	case ok:
		report.add("Admission", healthOK, "open")
	default:
		report.add("Admission", healthWarn, reason)
	}
}

func addLastRun(cmd *cobra.Command, report *statusReport, c *components) {
	store, err := c.ledger()
	if err != nil {
		report.failure("Ledger", err)
		return
	}
	defer store.Close()
	runs, err := store.ListRuns(cmdContext(cmd), 1)
	if err != nil {
		report.failure("Ledger", err)
		return
	}
	if len(runs) == 0 {
		report.add("Run", healthInfo, "none recorded")
		return
	}
	run := runs[0]
	detail := fmt.Sprintf("%s %s (started %s)", run.ID, displayLabel(run.State), formatTimestamp(run.StartedAt))
	report.add("Run", runHealth(run.State), detail)
}
