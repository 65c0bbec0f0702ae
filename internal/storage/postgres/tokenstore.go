// Package postgres stores one token document per user as a JSONB row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_token_documents (
	user_id    TEXT PRIMARY KEY,
	tokens     JSONB NOT NULL DEFAULT '[]'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS user_token_documents_tokens_idx ON user_token_documents USING GIN (tokens jsonb_path_ops);
`

// Store implements TokenStore on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPool opens and pings a pool for dsn.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres pool: %v", dispatch.ErrStoreUnavailable, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", dispatch.ErrStoreUnavailable, err)
	}
	return pool, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// EnsureSchema creates the documents table and its token index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return storeErr("ensure schema", err)
}

func (s *Store) Register(ctx context.Context, userID string, rec dispatch.DeviceTokenRecord) (dispatch.RegisterResult, error) {
	userID = dispatch.NormalizeUserID(userID)
	res := dispatch.RegisterResult{DocumentID: userID}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The token lock serializes registrations of the same token, so the owner set below is stable.
		if err := advisoryLock(ctx, tx, tokenLockKey(rec.Token)); err != nil {
			return err
		}
		owners, err := s.ownersOf(ctx, tx, rec.Token, userID)
		if err != nil {
			return err
		}
		// Document locks are always taken in sorted order.
		docs := append([]string{userID}, owners...)
		sort.Strings(docs)
		for _, id := range docs {
			if err := advisoryLock(ctx, tx, docLockKey(id)); err != nil {
				return err
			}
		}

		doc, err := s.readDocument(ctx, tx, userID)
		if err != nil {
			return err
		}
		now := s.now()
		res.Updated = doc.Upsert(rec, now)
		if err := s.writeDocument(ctx, tx, doc); err != nil {
			return err
		}

		// A token belongs to exactly one user: evict it from anyone else who still holds it.
		for _, owner := range owners {
			other, err := s.readDocument(ctx, tx, owner)
			if err != nil {
				return err
			}
			if other.Remove([]string{rec.Token}) == 0 {
				continue
			}
			other.UpdatedAt = now
			if err := s.writeDocument(ctx, tx, other); err != nil {
				return err
			}
			res.ReassignedFrom = append(res.ReassignedFrom, owner)
		}
		return nil
	})
	if err != nil {
		return dispatch.RegisterResult{}, storeErr("register", err)
	}
	return res, nil
}

func (s *Store) Load(ctx context.Context, userID string) ([]dispatch.DeviceTokenRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT tokens FROM user_token_documents WHERE user_id = $1`,
		dispatch.NormalizeUserID(userID),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return []dispatch.DeviceTokenRecord{}, nil
	}
	if err != nil {
		return nil, storeErr("load", err)
	}
	return decodeTokens(raw)
}

func (s *Store) Prune(ctx context.Context, userID string, tokens []string) error {
	userID = dispatch.NormalizeUserID(userID)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := advisoryLock(ctx, tx, docLockKey(userID)); err != nil {
			return err
		}
		doc, err := s.readDocument(ctx, tx, userID)
		if err != nil {
			return err
		}
		if doc.Remove(tokens) == 0 {
			return nil
		}
		doc.UpdatedAt = s.now()
		return s.writeDocument(ctx, tx, doc)
	})
	return storeErr("prune", err)
}

func (s *Store) Scan(ctx context.Context, after string, limit int) ([]dispatch.UserTokenDocument, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, tokens, updated_at FROM user_token_documents
		 WHERE user_id > $1 ORDER BY user_id LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, "", storeErr("scan", err)
	}
	defer rows.Close()

	var page []dispatch.UserTokenDocument
	last, seen := "", 0
	for rows.Next() {
		var (
			doc dispatch.UserTokenDocument
			raw []byte
		)
		if err := rows.Scan(&doc.UserID, &raw, &doc.UpdatedAt); err != nil {
			return nil, "", storeErr("scan row", err)
		}
		last = doc.UserID
		seen++
		if doc.Tokens, err = decodeTokens(raw); err != nil {
			continue
		}
		page = append(page, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, "", storeErr("scan", err)
	}

	next := ""
	if seen == limit {
		next = last
	}
	return page, next, nil
}

// --- Helpers ---

// advisoryLock holds key until the transaction ends. Row locks cannot cover a document
// that does not exist yet, so every document write goes through one of these first.
func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func docLockKey(userID string) string { return "push-doc:" + userID }

func tokenLockKey(token string) string { return "push-token:" + token }

// readDocument reads the row under an advisory lock, returning an empty document if it does not exist yet.
func (s *Store) readDocument(ctx context.Context, tx pgx.Tx, userID string) (dispatch.UserTokenDocument, error) {
	doc := dispatch.UserTokenDocument{UserID: userID, Tokens: []dispatch.DeviceTokenRecord{}}
	var raw []byte
	err := tx.QueryRow(ctx,
		`SELECT tokens, updated_at FROM user_token_documents WHERE user_id = $1`,
		userID,
	).Scan(&raw, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	doc.Tokens, err = decodeTokens(raw)
	return doc, err
}

func (s *Store) writeDocument(ctx context.Context, tx pgx.Tx, doc dispatch.UserTokenDocument) error {
	raw, err := json.Marshal(doc.Tokens)
	if err != nil {
		return fmt.Errorf("encode tokens for %s: %w", doc.UserID, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO user_token_documents (user_id, tokens, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET tokens = EXCLUDED.tokens, updated_at = EXCLUDED.updated_at`,
		doc.UserID, raw, doc.UpdatedAt,
	)
	return err
}

func (s *Store) ownersOf(ctx context.Context, tx pgx.Tx, token, except string) ([]string, error) {
	needle, err := json.Marshal([]map[string]string{{"token": token}})
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx,
		`SELECT user_id FROM user_token_documents WHERE tokens @> $1::jsonb AND user_id <> $2 ORDER BY user_id`,
		needle, except,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func decodeTokens(raw []byte) ([]dispatch.DeviceTokenRecord, error) {
	tokens := []dispatch.DeviceTokenRecord{}
	if len(raw) == 0 {
		return tokens, nil
	}
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("corrupt token document: %w", err)
	}
	return tokens, nil
}

// storeErr separates server-side SQL errors from connectivity failures,
// which are reported as ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, dispatch.ErrStoreUnavailable) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres %s: %w: %v", op, dispatch.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}
