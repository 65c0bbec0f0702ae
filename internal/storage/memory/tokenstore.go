// Package memory is an in-process TokenStore used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// Store keeps one UserTokenDocument per user in a map.
type Store struct {
	mu   sync.Mutex
	docs map[string]*dispatch.UserTokenDocument
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{docs: make(map[string]*dispatch.UserTokenDocument), now: time.Now}
}

// WithClock replaces the time source used for lastSeenAt.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Register(_ context.Context, userID string, rec dispatch.DeviceTokenRecord) (dispatch.RegisterResult, error) {
	userID = dispatch.NormalizeUserID(userID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[userID]
	if !ok {
		doc = &dispatch.UserTokenDocument{UserID: userID}
		s.docs[userID] = doc
	}
	res := dispatch.RegisterResult{DocumentID: userID, Updated: doc.Upsert(rec, now)}

	for owner, other := range s.docs {
		if owner == userID {
			continue
		}
		if other.Remove([]string{rec.Token}) > 0 {
			other.UpdatedAt = now
			res.ReassignedFrom = append(res.ReassignedFrom, owner)
		}
	}
	sort.Strings(res.ReassignedFrom)
	return res, nil
}

func (s *Store) Load(_ context.Context, userID string) ([]dispatch.DeviceTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[dispatch.NormalizeUserID(userID)]
	if !ok {
		return []dispatch.DeviceTokenRecord{}, nil
	}
	return append([]dispatch.DeviceTokenRecord{}, doc.Tokens...), nil
}

func (s *Store) Prune(_ context.Context, userID string, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[dispatch.NormalizeUserID(userID)]
	if !ok {
		return nil
	}
	if doc.Remove(tokens) > 0 {
		doc.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) Scan(_ context.Context, after string, limit int) ([]dispatch.UserTokenDocument, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		if k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	next := ""
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		next = keys[len(keys)-1]
	}

	page := make([]dispatch.UserTokenDocument, 0, len(keys))
	for _, k := range keys {
		doc := *s.docs[k]
		doc.Tokens = append([]dispatch.DeviceTokenRecord(nil), doc.Tokens...)
		page = append(page, doc)
	}
	return page, next, nil
}
