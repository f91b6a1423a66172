package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Purge old tombstones from the local store",
	Long: `Compact physically removes deletion markers older than the retention
window. Tombstones younger than the window stay so deletions still
propagate to peers that have been offline.`,
	Args: cobra.NoArgs,
	RunE: runCompact,
}

var compactOlderThan time.Duration

func init() {
	rootCmd.AddCommand(compactCmd)

	compactCmd.Flags().DurationVar(&compactOlderThan, "older-than", 0,
		"Retention window (default: store.tombstone_retention from config)")
}

func runCompact(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	olderThan := compactOlderThan
	if olderThan <= 0 {
		olderThan = cfg.Store.TombstoneRetention
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	purged, err := c.Store.Compact(ctx, olderThan)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"purged":     purged,
			"older_than": olderThan.String(),
		})
	} else {
		printSuccess("Purged %d tombstone(s) older than %s", purged, olderThan)
	}
	return nil
}
