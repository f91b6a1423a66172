package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillsync/tillsync/internal/client"
	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	syncengine "github.com/tillsync/tillsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync [entity]",
	Short: "Synchronize with the back-office server",
	Long: `Sync exchanges documents with the remote store. Without --watch it runs
one push/pull round and exits; with --watch it keeps live replication
running, following connectivity, until interrupted.`,
	Example: `  tillsync sync
  tillsync sync sale
  tillsync sync --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var syncWatch bool

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false,
		"Keep syncing until interrupted")
}

func runSync(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		printWarning("\nInterrupted, shutting down...")
		cancel()
	}()

	if syncWatch {
		return runWatch(ctx, c)
	}

	if len(args) == 1 {
		entity, err := models.ParseEntityType(args[0])
		if err != nil {
			return err
		}
		result, err := c.Sync.SyncOnce(ctx, entity)
		if err != nil {
			return err
		}
		report(result)
		return nil
	}

	results, err := c.Sync.SyncAll(ctx)
	for _, result := range results {
		report(result)
	}
	return err
}

func runWatch(ctx context.Context, c *client.Client) error {
	eventCh, unsubscribe := c.Bus.Subscribe()
	defer unsubscribe()

	c.Monitor.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-eventCh:
			showEvent(event)
		}
	}
}

func report(result *syncengine.Result) {
	if jsonOutput {
		printJSON(result)
		return
	}
	line := fmt.Sprintf("%s: pushed %d, pulled %d", result.Entity, result.Pushed, result.Pulled)
	if result.Conflicts > 0 {
		line += fmt.Sprintf(", %d conflict(s)", result.Conflicts)
	}
	printSuccess("%s (%s)", line, result.Duration.Round(time.Millisecond))
}

func showEvent(event events.Event) {
	if jsonOutput {
		printJSON(map[string]interface{}{
			"type":      event.Type,
			"entity":    event.Entity,
			"timestamp": event.Timestamp,
			"docs":      event.Docs,
			"pending":   event.Pending,
		})
		return
	}

	switch event.Type {
	case events.EventOnline:
		printSuccess("Remote reachable, live sync started")
	case events.EventOffline:
		printWarning("Remote unreachable, running offline")
	case events.EventChange:
		printInfo("%s: %d document(s) received", event.Entity, event.Docs)
	case events.EventComplete:
		printInfo("%s: caught up (%d pending)", event.Entity, event.Pending)
	case events.EventDenied:
		printError("%s: access denied: %v", event.Entity, event.Err)
	case events.EventError, events.EventPaused:
		if event.Err != nil {
			printWarning("%s: %v", event.Entity, event.Err)
		}
	}
}
