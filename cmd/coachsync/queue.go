package main

import (
	"encoding/json"
	"errors"

	"github.com/lucasew/coachsync"
	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/queue"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the offline action queue",
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <domain> <create|update|delete> <json>",
	Short: "Record a remote mutation",
	Args:  cobra.ExactArgs(3),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		priority, _ := cmd.Flags().GetString("priority")
		maxAttempts, _ := cmd.Flags().GetInt("attempts")
		p, err := parsePriority(priority)
		if err != nil {
			return err
		}
		op := queue.Operation(args[1])
		switch op {
		case queue.OpCreate, queue.OpUpdate, queue.OpDelete:
		default:
			return &errutil.ValidationError{Key: "operation", Reason: "must be create, update or delete"}
		}

		a, err := c.Enqueue(cmd.Context(), queue.Action{
			Domain:      args[0],
			Operation:   op,
			Payload:     json.RawMessage(args[2]),
			Priority:    p,
			MaxAttempts: maxAttempts,
		})
		if err != nil {
			return err
		}
		return printJSON(a)
	}),
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions in dispatch order",
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		return printJSON(c.Queue().Pending())
	}),
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Run one dispatch cycle now",
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		if !c.Conditions().Online() {
			return errors.New("offline: nothing dispatched")
		}
		res, err := c.Flush(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	}),
}

var queueRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Drop a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		return c.Queue().Remove(cmd.Context(), args[0])
	}),
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueEnqueueCmd, queueListCmd, queueFlushCmd, queueRemoveCmd)

	queueEnqueueCmd.Flags().String("priority", string(queue.PriorityMedium), "Priority (urgent, high, medium, low)")
	queueEnqueueCmd.Flags().Int("attempts", 0, "Attempts before the action is dropped, 0 for the configured default")
}
