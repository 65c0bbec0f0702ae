// Package storage holds backend-independent token store helpers.
package storage

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// UnavailableStore answers every call with ErrStoreUnavailable.
// It is wired when no backend is configured so the service still boots and reports the problem per request.
type UnavailableStore struct {
	reason string
	logger *slog.Logger
}

func NewUnavailableStore(reason string, logger *slog.Logger) *UnavailableStore {
	return &UnavailableStore{
		reason: reason,
		logger: logger.With("component", "UnavailableStore"),
	}
}

func (s *UnavailableStore) fail(ctx context.Context, op string) error {
	s.logger.ErrorContext(ctx, "token store not configured", "marker", "config_missing", "op", op, "reason", s.reason)
	return dispatch.ErrStoreUnavailable
}

func (s *UnavailableStore) Register(ctx context.Context, _ string, _ dispatch.DeviceTokenRecord) (dispatch.RegisterResult, error) {
	return dispatch.RegisterResult{}, s.fail(ctx, "register")
}

func (s *UnavailableStore) Load(ctx context.Context, _ string) ([]dispatch.DeviceTokenRecord, error) {
	return nil, s.fail(ctx, "load")
}

func (s *UnavailableStore) Prune(ctx context.Context, _ string, _ []string) error {
	return s.fail(ctx, "prune")
}

func (s *UnavailableStore) Scan(ctx context.Context, _ string, _ int) ([]dispatch.UserTokenDocument, string, error) {
	return nil, "", s.fail(ctx, "scan")
}
