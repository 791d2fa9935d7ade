package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/conflict"
)

func newConflictsCommand(ctx *commandContext) *cobra.Command {
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect conflict history and deferred operations",
	}
	conflictsCmd.AddCommand(newConflictsStatsCommand(ctx))
	conflictsCmd.AddCommand(newConflictsQueueCommand(ctx))
	conflictsCmd.AddCommand(newConflictsClearCommand(ctx))
	conflictsCmd.AddCommand(newConflictsVersionCommand(ctx))
	return conflictsCmd
}

func openResolver(ctx *commandContext) (*components, *conflict.Resolver, error) {
	c, err := ctx.components()
	if err != nil {
		return nil, nil, err
	}
	r, err := c.resolver()
	if err != nil {
		return nil, nil, err
	}
	return c, r, nil
}

func newConflictsStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the conflict log",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, r, err := openResolver(ctx)
			if err != nil {
				return err
			}
			stats, err := r.Stats()
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Conflicts: %d (%d resolved)\n", stats.Total, stats.Resolved)
			for _, t := range sortedKeys(stats.ByType) {
				fmt.Fprintf(out, "  %-22s %d\n", displayLabel(t), stats.ByType[t])
			}
			if len(stats.ByResolution) > 0 {
				fmt.Fprintln(out, "Resolutions:")
				for _, s := range sortedKeys(stats.ByResolution) {
					fmt.Fprintf(out, "  %-22s %d\n", displayLabel(s), stats.ByResolution[s])
				}
			}
			if len(stats.Recent) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(stats.Recent))
			for _, c := range stats.Recent {
				rows = append(rows, []string{
					formatTimestamp(c.Timestamp),
					c.Type.String(),
					c.Severity.String(),
					c.Resource,
					c.WorkerA + " / " + c.WorkerB,
					orDash(string(c.Resolution)),
					yesNo(c.Resolved),
				})
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"Time", "Type", "Severity", "Resource", "Workers", "Resolution", "Resolved"},
				rows,
				nil,
			))
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newConflictsQueueCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "queue <worker>",
		Short: "List operations deferred for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, r, err := openResolver(ctx)
			if err != nil {
				return err
			}
			ops, err := r.QueuedOperations(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, ops)
			}
			out := cmd.OutOrStdout()
			if len(ops) == 0 {
				fmt.Fprintf(out, "No queued operations for %s\n", args[0])
				return nil
			}
			rows := make([][]string, 0, len(ops))
			for _, op := range ops {
				rows = append(rows, []string{
					strconv.Itoa(op.Position),
					op.Type,
					op.Resource,
					orDash(op.After),
					op.ConflictID,
					formatTimestamp(op.QueuedAt),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Pos", "Type", "Resource", "After", "Conflict", "Queued"},
				rows,
				[]columnAlignment{alignRight},
			))
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newConflictsClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <worker>",
		Short: "Drop the deferred operations of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, r, err := openResolver(ctx)
			if err != nil {
				return err
			}
			if err := r.ClearQueued(cmdContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared queue for %s\n", args[0])
			return nil
		},
	}
}

func newConflictsVersionCommand(ctx *commandContext) *cobra.Command {
	var expect int
	cmd := &cobra.Command{
		Use:   "version <file>",
		Short: "Show or bump the optimistic version of a file",
		Long: "Without --bump-from the current version is printed. With --bump-from N the\n" +
			"version is incremented only if it is still N.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			versions, err := conflict.NewVersions(c.cfg.Paths.Root, c.locks)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !cmd.Flags().Changed("bump-from") {
				v, err := versions.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, v)
				return nil
			}
			return bumpVersion(cmdContext(cmd), cmd, versions, args[0], expect)
		},
	}
	cmd.Flags().IntVar(&expect, "bump-from", 0, "Expected current version")
	return cmd
}

func bumpVersion(ctx context.Context, cmd *cobra.Command, versions *conflict.Versions, file string, expected int) error {
	ok, err := versions.CompareAndBump(ctx, file, expected)
	if err != nil {
		return err
	}
	if !ok {
		current, _ := versions.Get(file)
		return fmt.Errorf("version of %s is %d, not %d", file, current, expected)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s now at version %d\n", file, expected+1)
	return nil
}
