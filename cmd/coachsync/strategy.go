package main

import (
	"github.com/lucasew/coachsync"
	"github.com/spf13/cobra"
)

var strategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Print the sampled conditions and the strategy derived from them",
	RunE: withClient(func(cmd *cobra.Command, args []string, c *coachsync.Client) error {
		return printJSON(map[string]any{
			"conditions": c.Conditions(),
			"strategy":   c.Strategy(),
		})
	}),
}

func init() {
	rootCmd.AddCommand(strategyCmd)
}
