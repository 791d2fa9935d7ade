package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/bus"
)

func newMessagesCommand(ctx *commandContext) *cobra.Command {
	messagesCmd := &cobra.Command{
		Use:   "messages",
		Short: "Send and inspect bus messages",
	}
	messagesCmd.AddCommand(newMessagesSendCommand(ctx))
	messagesCmd.AddCommand(newMessagesPendingCommand(ctx))
	messagesCmd.AddCommand(newMessagesPruneCommand(ctx))
	return messagesCmd
}

func newMessagesSendCommand(ctx *commandContext) *cobra.Command {
	var (
		to       string
		msgType  string
		payload  string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish a message",
		Example: "  loom messages send --to developer-1234-abcd1234 --type shutdown --payload '{\"reason\":\"manual\"}'\n" +
			"  loom messages send --to broadcast --type status_request",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			body := map[string]any{}
			if strings.TrimSpace(payload) != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}
			b, err := c.bus(cliHolder)
			if err != nil {
				return err
			}
			msg := bus.NewMessage(cliHolder, to, msgType, body)
			if priority > 0 {
				msg = msg.WithPriority(priority)
			}
			if err := b.Publish(msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", msg.ID, msg.To)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", bus.Orchestrator, "Recipient id, orchestrator or broadcast")
	cmd.Flags().StringVar(&msgType, "type", bus.TypeStatusRequest, "Message type")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority 1 (urgent) to 9")
	return cmd
}

func newMessagesPendingCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "pending [recipient]",
		Short: "List undelivered messages for a recipient",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			recipient := bus.Orchestrator
			if len(args) == 1 {
				recipient = args[0]
			}
			b, err := c.bus(cliHolder)
			if err != nil {
				return err
			}
			pending, err := b.Pending(recipient)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, pending)
			}
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintf(out, "No pending messages for %s\n", recipient)
				return nil
			}
			rows := make([][]string, 0, len(pending))
			for _, m := range pending {
				rows = append(rows, []string{formatTimestamp(m.Timestamp), m.Type, m.From, strconv.Itoa(m.Priority), m.ID})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Time", "Type", "From", "Priority", "ID"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newMessagesPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old broadcast messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.components()
			if err != nil {
				return err
			}
			age, err := parseAge(olderThan)
			if err != nil {
				return err
			}
			b, err := c.bus(cliHolder)
			if err != nil {
				return err
			}
			n, err := b.PruneBroadcast(age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d broadcast messages\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "1h", "Minimum age of pruned broadcasts")
	return cmd
}
