package main

import (
	"encoding/json"
	"fmt"

	"github.com/lucasew/coachsync"
	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/media"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the cache",
}

var cachePutCmd = &cobra.Command{
	Use:   "put <key> <json>",
	Short: "Store a JSON value",
	Args:  cobra.ExactArgs(2),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		if !json.Valid([]byte(args[1])) {
			return &errutil.ValidationError{Key: args[0], Reason: "value is not valid JSON"}
		}
		ttl, _ := cmd.Flags().GetFloat64("ttl-hours")
		return c.Put(cmd.Context(), args[0], json.RawMessage(args[1]), ttl)
	}),
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored value",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		var v json.RawMessage
		ok, err := c.Get(cmd.Context(), args[0], &v)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", args[0], coachsync.ErrNotFound)
		}
		return printJSON(v)
	}),
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired entries",
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		res, err := c.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	}),
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached media matching a filter",
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		var f media.ClearFilter
		f.Bucket, _ = cmd.Flags().GetString("bucket")
		f.OlderThan, _ = cmd.Flags().GetDuration("older-than")
		f.ExpiredOnly, _ = cmd.Flags().GetBool("expired")
		f.KeepRecent, _ = cmd.Flags().GetInt("keep-recent")
		res, err := c.Media().Clear(cmd.Context(), f)
		if err != nil {
			return err
		}
		return printJSON(res)
	}),
}

var cacheOptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Evict media until the cache is back under its low watermark",
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		res, err := c.Media().Optimize(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	}),
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print media cache usage",
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		return printJSON(c.Media().Stats(cmd.Context()))
	}),
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cachePutCmd, cacheGetCmd, cacheSweepCmd, cacheClearCmd, cacheOptimizeCmd, cacheStatsCmd)

	cachePutCmd.Flags().Float64("ttl-hours", 24, "Hours the entry stays valid, negative for no expiry")

	cacheClearCmd.Flags().String("bucket", "", "Only clear this bucket")
	cacheClearCmd.Flags().Duration("older-than", 0, "Only clear items not used for this long")
	cacheClearCmd.Flags().Bool("expired", false, "Only clear expired items")
	cacheClearCmd.Flags().Int("keep-recent", 0, "Keep this many most recently used items")
}
