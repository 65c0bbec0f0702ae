package fanout

import (
	"context"
	"log/slog"
	"sort"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// Pruner removes provider-rejected tokens from their owners' documents.
type Pruner struct {
	store  dispatch.TokenStore
	logger *slog.Logger
}

func NewPruner(store dispatch.TokenStore, logger *slog.Logger) *Pruner {
	return &Pruner{store: store, logger: logger.With("component", "Pruner")}
}

// Prune writes once per affected owner and returns the tokens that were removed from at least one document.
// results[i] must be the outcome for targets[i]. Store failures are logged, never returned.
func (p *Pruner) Prune(ctx context.Context, targets []Target, results []dispatch.DispatchResult) []string {
	perOwner := make(map[string][]string)
	for i, res := range results {
		if res.Success || !res.ErrorKind.Prunable() {
			continue
		}
		for _, owner := range targets[i].Owners {
			perOwner[owner] = append(perOwner[owner], targets[i].Record.Token)
		}
	}
	if len(perOwner) == 0 {
		return []string{}
	}

	owners := make([]string, 0, len(perOwner))
	for owner := range perOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	pruned := make(map[string]struct{})
	for _, owner := range owners {
		tokens := perOwner[owner]
		if err := p.store.Prune(ctx, owner, tokens); err != nil {
			p.logger.Error("Failed to prune dead tokens", "user", owner, "count", len(tokens), "err", err)
			continue
		}
		p.logger.Info("Pruned dead tokens", "user", owner, "count", len(tokens))
		for _, t := range tokens {
			pruned[t] = struct{}{}
		}
	}

	// Keep the order in which results were reported.
	out := make([]string, 0, len(pruned))
	for i, res := range results {
		tok := targets[i].Record.Token
		if _, ok := pruned[tok]; ok && !res.Success {
			out = append(out, tok)
			delete(pruned, tok)
		}
	}
	return out
}
