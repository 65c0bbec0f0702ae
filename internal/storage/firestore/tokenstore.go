package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// DefaultCollection holds one document per user.
const DefaultCollection = "userTokens"

// FirestoreStore implements TokenStore using Google Cloud Firestore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection, now: time.Now}
}

// tokenDocument is the internal DB representation.
// TokenIDs mirrors Tokens[].Token so other owners of a token can be found with array-contains.
type tokenDocument struct {
	UserID    string                       `firestore:"userId"`
	Tokens    []dispatch.DeviceTokenRecord `firestore:"tokens"`
	TokenIDs  []string                     `firestore:"tokenIds"`
	UpdatedAt time.Time                    `firestore:"updatedAt"`
}

func fromDomain(doc dispatch.UserTokenDocument) tokenDocument {
	return tokenDocument{
		UserID:    doc.UserID,
		Tokens:    doc.Tokens,
		TokenIDs:  doc.TokenIDs(),
		UpdatedAt: doc.UpdatedAt,
	}
}

func (d tokenDocument) toDomain() dispatch.UserTokenDocument {
	tokens := d.Tokens
	if tokens == nil {
		tokens = []dispatch.DeviceTokenRecord{}
	}
	return dispatch.UserTokenDocument{UserID: d.UserID, Tokens: tokens, UpdatedAt: d.UpdatedAt}
}

// Register upserts the token and evicts it from every other holder in one transaction,
// so a concurrent registration of the same token forces a retry instead of a split owner.
func (s *FirestoreStore) Register(ctx context.Context, userID string, rec dispatch.DeviceTokenRecord) (dispatch.RegisterResult, error) {
	userID = dispatch.NormalizeUserID(userID)
	var res dispatch.RegisterResult

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		res = dispatch.RegisterResult{DocumentID: userID}

		// Firestore requires every read before the first write.
		doc, err := s.read(tx.Get(s.docRef(userID)))
		if err != nil {
			return err
		}
		holders, err := tx.Documents(s.holdersQuery(rec.Token)).GetAll()
		if err != nil {
			return err
		}

		now := s.now()
		doc.UserID = userID
		res.Updated = doc.Upsert(rec, now)
		if err := tx.Set(s.docRef(userID), fromDomain(doc)); err != nil {
			return err
		}

		// A token belongs to exactly one user.
		for _, snap := range holders {
			if snap.Ref.ID == userID {
				continue
			}
			other, err := s.read(snap, nil)
			if err != nil {
				return err
			}
			if other.Remove([]string{rec.Token}) == 0 {
				continue
			}
			other.UserID = snap.Ref.ID
			other.UpdatedAt = now
			if err := tx.Set(snap.Ref, fromDomain(other)); err != nil {
				return err
			}
			res.ReassignedFrom = append(res.ReassignedFrom, snap.Ref.ID)
		}
		return nil
	})
	if err != nil {
		return dispatch.RegisterResult{}, storeErr("register", err)
	}
	return res, nil
}

func (s *FirestoreStore) Load(ctx context.Context, userID string) ([]dispatch.DeviceTokenRecord, error) {
	doc, err := s.read(s.docRef(dispatch.NormalizeUserID(userID)).Get(ctx))
	if err != nil {
		return nil, storeErr("load", err)
	}
	return doc.Tokens, nil
}

func (s *FirestoreStore) Prune(ctx context.Context, userID string, tokens []string) error {
	userID = dispatch.NormalizeUserID(userID)
	ref := s.docRef(userID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		doc, err := s.read(snap, err)
		if err != nil {
			return err
		}
		if doc.Remove(tokens) == 0 {
			return nil
		}
		doc.UpdatedAt = s.now()
		return tx.Set(ref, fromDomain(doc))
	})
	return storeErr("prune", err)
}

func (s *FirestoreStore) Scan(ctx context.Context, after string, limit int) ([]dispatch.UserTokenDocument, string, error) {
	q := s.client.Collection(s.collection).OrderBy(firestore.DocumentID, firestore.Asc)
	if after != "" {
		q = q.StartAfter(after)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var page []dispatch.UserTokenDocument
	last, seen := "", 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, "", storeErr("scan", err)
		}
		last = snap.Ref.ID
		seen++

		var record tokenDocument
		if err := snap.DataTo(&record); err != nil {
			// Corrupt rows are skipped; the cursor still advances past them.
			continue
		}
		doc := record.toDomain()
		doc.UserID = snap.Ref.ID
		page = append(page, doc)
	}

	next := ""
	if limit > 0 && seen == limit {
		next = last
	}
	return page, next, nil
}

// --- Helpers ---

func (s *FirestoreStore) read(snap *firestore.DocumentSnapshot, err error) (dispatch.UserTokenDocument, error) {
	if status.Code(err) == codes.NotFound || (err == nil && !snap.Exists()) {
		return dispatch.UserTokenDocument{Tokens: []dispatch.DeviceTokenRecord{}}, nil
	}
	if err != nil {
		return dispatch.UserTokenDocument{}, err
	}
	var record tokenDocument
	if err := snap.DataTo(&record); err != nil {
		return dispatch.UserTokenDocument{}, fmt.Errorf("corrupt token document %s: %w", snap.Ref.ID, err)
	}
	return record.toDomain(), nil
}

func (s *FirestoreStore) holdersQuery(token string) firestore.Query {
	return s.client.Collection(s.collection).Where("tokenIds", "array-contains", token)
}

func (s *FirestoreStore) docRef(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(userID)
}

// storeErr marks connectivity failures as ErrStoreUnavailable so callers can tell them apart from bad data.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied, codes.DeadlineExceeded:
		return fmt.Errorf("firestore %s: %w: %v", op, dispatch.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("firestore %s: %w", op, err)
}
