package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// DefaultPageSize is the number of user documents handed to Notify per broadcast page.
const DefaultPageSize = 100

// Broadcast pages through every user document and notifies each page through Notify,
// so broadcasts share the targeted path's pruning and accounting.
func (d *Dispatcher) Broadcast(ctx context.Context, msg dispatch.Message, pageSize int) (dispatch.DispatchStats, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total := emptyStats(0)

	var pageErr error
	cursor := ""
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		docs, next, err := d.store.Scan(ctx, cursor, pageSize)
		if err != nil {
			return total, fmt.Errorf("broadcast page %d: %w", page, err)
		}

		ids := make([]string, 0, len(docs))
		for _, doc := range docs {
			if len(doc.Tokens) > 0 {
				ids = append(ids, doc.UserID)
			}
		}
		if len(ids) > 0 {
			report, err := d.Notify(ctx, ids, msg)
			total.Add(report.Stats)
			switch {
			case errors.Is(err, dispatch.ErrStoreUnavailable):
				return total, fmt.Errorf("broadcast page %d: %w", page, err)
			case err != nil:
				// A provider failing on one page says nothing about the users on the next.
				d.logger.Warn("Broadcast page had no successful deliveries", "page", page, "err", err)
				pageErr = err
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	d.logger.Info("Broadcast complete",
		"recipients", total.RequestedRecipients,
		"sent", total.SuccessCount,
		"failed", total.FailureCount,
		"pruned", len(total.PrunedTokens),
	)
	if total.SuccessCount == 0 && pageErr != nil {
		return total, fmt.Errorf("broadcast: %w", pageErr)
	}
	return total, nil
}
