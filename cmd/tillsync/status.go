package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	syncengine "github.com/tillsync/tillsync/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store contents and sync state",
	Long: `Status reports per-entity document counts, pending uploads, replication
checkpoints, and whether the remote is currently reachable.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Monitor.ProbeTimeout)
	online := c.Ping(probeCtx) == nil
	probeCancel()

	sessions := c.Sync.Status(ctx)

	type entityStatus struct {
		syncengine.Status
		Docs      int64 `json:"docs"`
		Conflicts int   `json:"conflicts"`
	}

	statuses := make(map[string]entityStatus)
	for entity, status := range sessions {
		es := entityStatus{Status: status}
		if count, err := c.Store.Count(ctx, entity); err == nil {
			es.Docs = count
		}
		if ids, err := c.Store.Conflicts(ctx, entity); err == nil {
			es.Conflicts = len(ids)
		}
		statuses[string(entity)] = es
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"online":   online,
			"entities": statuses,
		})
		return nil
	}

	if online {
		printSuccess("Remote: reachable (%s)", cfg.Remote.URL)
	} else {
		printWarning("Remote: unreachable, running offline")
	}
	fmt.Println()
	fmt.Printf("%-12s %8s %8s %10s %11s %11s  %s\n",
		"ENTITY", "DOCS", "PENDING", "CONFLICTS", "LOCAL SEQ", "REMOTE SEQ", "STATE")
	for _, entity := range c.Sync.Entities() {
		es, ok := statuses[string(entity)]
		if !ok {
			continue
		}
		fmt.Printf("%-12s %8d %8d %10d %11d %11d  %s\n",
			entity, es.Docs, es.Pending, es.Conflicts, es.LocalSeq, es.RemoteSeq, es.State)
	}
	return nil
}
