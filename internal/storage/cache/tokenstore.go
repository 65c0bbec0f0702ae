// Package cache puts a read-aside Redis layer in front of any TokenStore.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// TokenCache holds per-user token lists. Tokens returns ErrCacheMiss when nothing is cached.
type TokenCache interface {
	Tokens(ctx context.Context, userID string) ([]dispatch.DeviceTokenRecord, error)
	StoreTokens(ctx context.Context, userID string, tokens []dispatch.DeviceTokenRecord, ttl time.Duration) error
	Evict(ctx context.Context, userIDs ...string) error
}

// CachedTokenStore is a Decorator that adds Read-Aside caching to any TokenStore.
type CachedTokenStore struct {
	realStore dispatch.TokenStore
	cache     TokenCache
	ttl       time.Duration
	logger    *slog.Logger
}

// NewCachedTokenStore creates the decorator.
func NewCachedTokenStore(realStore dispatch.TokenStore, cache TokenCache, ttl time.Duration, logger *slog.Logger) *CachedTokenStore {
	return &CachedTokenStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTokenStore"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedTokenStore) Load(ctx context.Context, userID string) ([]dispatch.DeviceTokenRecord, error) {
	cached, err := s.cache.Tokens(ctx, userID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn("Token cache read failed, using store", "user", userID, "err", err)
	}

	fresh, err := s.realStore.Load(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization: if Redis is down we just serve from the store.
	if err := s.cache.StoreTokens(ctx, userID, fresh, s.ttl); err != nil {
		s.logger.Debug("cache fill failed", "user", userID, "err", err)
	}
	return fresh, nil
}

// Scan bypasses the cache; broadcasts want the source of truth.
func (s *CachedTokenStore) Scan(ctx context.Context, after string, limit int) ([]dispatch.UserTokenDocument, string, error) {
	return s.realStore.Scan(ctx, after, limit)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

// Register reports the store's outcome. The previous owners lost the token too, so their entries go as well.
func (s *CachedTokenStore) Register(ctx context.Context, userID string, rec dispatch.DeviceTokenRecord) (dispatch.RegisterResult, error) {
	res, err := s.realStore.Register(ctx, userID, rec)
	if err != nil {
		return res, err
	}
	s.invalidate(ctx, append([]string{res.DocumentID}, res.ReassignedFrom...)...)
	return res, nil
}

// Prune reports the store's outcome; a failed eviction only leaves a stale entry until the TTL.
func (s *CachedTokenStore) Prune(ctx context.Context, userID string, tokens []string) error {
	if err := s.realStore.Prune(ctx, userID, tokens); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *CachedTokenStore) invalidate(ctx context.Context, users ...string) {
	if err := s.cache.Evict(ctx, users...); err != nil {
		s.logger.Warn("Token cache invalidation failed, entries expire with TTL", "users", users, "ttl", s.ttl, "err", err)
	}
}
