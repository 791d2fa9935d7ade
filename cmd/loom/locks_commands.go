package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newLocksCommand(ctx *commandContext) *cobra.Command {
	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and repair resource locks",
	}
	locksCmd.AddCommand(newLocksListCommand(ctx))
	locksCmd.AddCommand(newLocksCleanCommand(ctx))
	locksCmd.AddCommand(newLocksReleaseCommand(ctx))
	return locksCmd
}

func newLocksListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lock files under the root",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			entries, err := c.locks.List()
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No locks held")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				state := "held"
				if e.Stale {
					state = "stale (" + e.Reason + ")"
				}
				rows = append(rows, []string{e.Resource, orDash(e.Holder), strconv.Itoa(e.PID), formatAge(now, e.Timestamp), state})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Resource", "Holder", "PID", "Age", "State"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newLocksCleanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Reclaim stale locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			reclaimed, err := c.locks.CleanupStale()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(reclaimed) == 0 {
				fmt.Fprintln(out, "No stale locks")
				return nil
			}
			for _, res := range reclaimed {
				fmt.Fprintf(out, "Reclaimed %s\n", res)
			}
			return nil
		},
	}
}

func newLocksReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <resource>",
		Short: "Force-remove a lock regardless of holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			if err := c.locks.ForceRelease(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", args[0])
			return nil
		},
	}
}
