// Package fanout turns a list of recipients into concurrent provider deliveries,
// and prunes the tokens providers report as dead.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-push-registry/internal/validation"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// defaultLoadWorkers bounds concurrent store reads during resolution.
const defaultLoadWorkers = 8

// Target is one deliverable token and every recipient whose document holds it.
type Target struct {
	Record dispatch.DeviceTokenRecord
	Owners []string
}

// Resolution is the deduplicated delivery plan for one notify call.
type Resolution struct {
	// Recipients is the number of distinct, non-empty recipient ids requested.
	Recipients int
	Targets    []Target
}

// Resolver maps recipient ids to deliverable tokens.
type Resolver struct {
	store    dispatch.TokenStore
	adapters map[dispatch.Provider]dispatch.Adapter
	workers  int
	logger   *slog.Logger
}

func NewResolver(store dispatch.TokenStore, adapters map[dispatch.Provider]dispatch.Adapter, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		adapters: adapters,
		workers:  defaultLoadWorkers,
		logger:   logger.With("component", "RecipientResolver"),
	}
}

// Resolve loads every recipient's tokens and deduplicates them by token string.
// Recipients without tokens or with unreadable documents are skipped; an unavailable store aborts.
func (r *Resolver) Resolve(ctx context.Context, recipientIDs []string) (Resolution, error) {
	ids := uniqueRecipients(recipientIDs)
	loaded := make([][]dispatch.DeviceTokenRecord, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, id := range ids {
		g.Go(func() error {
			tokens, err := r.store.Load(gctx, id)
			if errors.Is(err, dispatch.ErrStoreUnavailable) {
				return fmt.Errorf("resolve %s: %w", id, err)
			}
			if err != nil {
				r.logger.Warn("Skipping recipient with unreadable token document", "user", id, "err", err)
				return nil
			}
			loaded[i] = tokens
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Resolution{}, err
	}

	res := Resolution{Recipients: len(ids)}
	byToken := make(map[string]int)
	for i, id := range ids {
		if len(loaded[i]) == 0 {
			r.logger.Debug("Recipient has no registered tokens", "user", id)
			continue
		}
		for _, rec := range loaded[i] {
			if !r.deliverable(rec) {
				r.logger.Debug("Discarding undeliverable token", "user", id, "provider", rec.Provider)
				continue
			}
			if idx, ok := byToken[rec.Token]; ok {
				res.Targets[idx].Owners = appendOwner(res.Targets[idx].Owners, id)
				continue
			}
			byToken[rec.Token] = len(res.Targets)
			res.Targets = append(res.Targets, Target{Record: rec, Owners: []string{id}})
		}
	}
	return res, nil
}

func (r *Resolver) deliverable(rec dispatch.DeviceTokenRecord) bool {
	if _, ok := r.adapters[rec.Provider]; !ok {
		return false
	}
	return validation.Deliverable(rec)
}

// uniqueRecipients normalizes ids and drops blanks and duplicates, keeping first-seen order.
func uniqueRecipients(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = dispatch.NormalizeUserID(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func appendOwner(owners []string, id string) []string {
	for _, o := range owners {
		if o == id {
			return owners
		}
	}
	return append(owners, id)
}
