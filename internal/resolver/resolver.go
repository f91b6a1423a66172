package resolver

import (
	"context"
	"sort"
	"time"

	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
	"github.com/tillsync/tillsync/internal/store"
)

// Strategy selects how divergent sibling revisions are reconciled.
type Strategy string

const (
	// Latest keeps the sibling with the most recent update timestamp.
	Latest Strategy = "latest"
	// Merge reconciles field by field: quantity-like fields take the value
	// from the later-updated sibling, missing fields are filled in from
	// whichever sibling has them, everything else follows Latest.
	Merge Strategy = "merge"
	// Manual performs no repair and hands all versions to the caller.
	Manual Strategy = "manual"
)

// quantityFields are the cumulative numeric fields the merge strategy treats
// specially: preferred from the later-updated sibling, never summed.
var quantityFields = map[string]bool{
	"quantity":       true,
	"stock_quantity": true,
}

// Resolution reports the outcome of resolving one document's conflict.
type Resolution struct {
	Strategy  Strategy
	Winner    *models.Document
	Discarded []string

	// Versions carries every sibling for Manual resolution; nil otherwise.
	Versions []*models.Document
}

// Resolver repairs documents with divergent sibling revisions. Automatic
// strategies rewrite the chosen content as the sole current revision and
// discard the losers permanently; there is no undo.
type Resolver struct {
	store  store.Store
	logger *events.Logger
}

// New creates a resolver.
func New(st store.Store, logger *events.Logger) *Resolver {
	return &Resolver{
		store:  st,
		logger: logger.WithField("component", "conflict_resolver"),
	}
}

// Resolve reconciles the sibling revisions of one document.
func (r *Resolver) Resolve(ctx context.Context, entity models.EntityType, id string, strategy Strategy) (*Resolution, error) {
	siblings, err := r.store.Siblings(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	if len(siblings) == 0 {
		// Deleted concurrently; the conflict is moot.
		return nil, &models.NotFoundError{Entity: entity, ID: id}
	}

	if strategy == Manual {
		return &Resolution{Strategy: Manual, Versions: siblings}, nil
	}

	if len(siblings) == 1 {
		return &Resolution{Strategy: strategy, Winner: siblings[0]}, nil
	}

	chosen := mostRecent(siblings)
	fields := chosen.Fields
	if strategy == Merge {
		fields = mergeFields(chosen, siblings)
	}

	winner, err := r.store.Repair(ctx, entity, id, fields)
	if err != nil {
		return nil, err
	}

	var discarded []string
	for _, sib := range siblings {
		if sib.Rev != chosen.Rev {
			discarded = append(discarded, sib.Rev)
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"entity":    entity,
		"id":        id,
		"strategy":  string(strategy),
		"winner":    winner.Rev,
		"discarded": len(discarded),
	}).Info("Conflict resolved")

	return &Resolution{Strategy: strategy, Winner: winner, Discarded: discarded}, nil
}

// mostRecent picks the sibling with the latest update timestamp, falling back
// to the creation timestamp, with the revision token as a deterministic
// tie-break.
func mostRecent(siblings []*models.Document) *models.Document {
	best := siblings[0]
	for _, sib := range siblings[1:] {
		bt, st := effectiveTime(best), effectiveTime(sib)
		switch {
		case st.After(bt):
			best = sib
		case st.Equal(bt) && models.CompareRevs(sib.Rev, best.Rev) > 0:
			best = sib
		}
	}
	return best
}

func effectiveTime(doc *models.Document) time.Time {
	if doc.UpdatedAt.IsZero() {
		return doc.CreatedAt
	}
	return doc.UpdatedAt
}

// mergeFields builds the merged body. The most recent sibling's fields win
// outright; fields only present on losing siblings are carried over from the
// most recently updated sibling that has them. Quantity fields follow the
// same later-timestamp preference and are never summed.
func mergeFields(chosen *models.Document, siblings []*models.Document) map[string]interface{} {
	ordered := make([]*models.Document, len(siblings))
	copy(ordered, siblings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return effectiveTime(ordered[i]).After(effectiveTime(ordered[j]))
	})

	merged := make(map[string]interface{}, len(chosen.Fields))
	for k, v := range chosen.Fields {
		merged[k] = v
	}

	for _, sib := range ordered {
		if sib.Rev == chosen.Rev {
			continue
		}
		for k, v := range sib.Fields {
			if _, present := merged[k]; !present {
				merged[k] = v
				continue
			}
			if quantityFields[k] && effectiveTime(sib).After(effectiveTime(chosen)) {
				merged[k] = v
			}
		}
	}
	return merged
}
