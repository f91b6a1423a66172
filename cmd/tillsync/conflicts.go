package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/resolver"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts [entity]",
	Short: "List documents with unresolved conflicts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConflicts,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <entity> <id>",
	Short: "Resolve a conflicted document",
	Long: `Resolve collapses a document's sibling revisions to one. The latest
strategy keeps the most recently updated sibling; merge combines fields,
preferring the most recent value per field; manual only prints the
versions so the winner can be chosen by editing the document.`,
	Example: `  tillsync resolve product prod-001
  tillsync resolve product prod-001 --strategy merge`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

var resolveStrategy string

func init() {
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVarP(&resolveStrategy, "strategy", "s", "latest",
		"Resolution strategy: latest, merge, or manual")
}

func runConflicts(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entities := c.Sync.Entities()
	if len(args) == 1 {
		entity, err := models.ParseEntityType(args[0])
		if err != nil {
			return err
		}
		entities = []models.EntityType{entity}
	}

	conflicted := make(map[string][]string)
	total := 0
	for _, entity := range entities {
		ids, err := c.Store.Conflicts(ctx, entity)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			conflicted[string(entity)] = ids
			total += len(ids)
		}
	}

	if jsonOutput {
		printJSON(conflicted)
		return nil
	}
	if total == 0 {
		printSuccess("No unresolved conflicts")
		return nil
	}
	for entity, ids := range conflicted {
		for _, id := range ids {
			fmt.Printf("%s/%s\n", entity, id)
		}
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	entity, err := models.ParseEntityType(args[0])
	if err != nil {
		return err
	}
	id := args[1]

	strategy, err := parseStrategy(resolveStrategy)
	if err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolution, err := c.Resolver.Resolve(ctx, entity, id, strategy)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(resolution)
		return nil
	}

	if strategy == resolver.Manual {
		printInfo("%d version(s) of %s/%s:", len(resolution.Versions), entity, id)
		for _, version := range resolution.Versions {
			fmt.Printf("  %s (updated %s)\n", version.Rev, version.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	}

	printSuccess("Resolved %s/%s to %s (%d sibling(s) discarded)",
		entity, id, resolution.Winner.Rev, len(resolution.Discarded))
	return nil
}

func parseStrategy(name string) (resolver.Strategy, error) {
	switch name {
	case "latest":
		return resolver.Latest, nil
	case "merge":
		return resolver.Merge, nil
	case "manual":
		return resolver.Manual, nil
	}
	return "", fmt.Errorf("unknown strategy %q (want latest, merge, or manual)", name)
}
