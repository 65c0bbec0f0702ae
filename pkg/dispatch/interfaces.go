// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable means the token store could not be reached or was never configured.
	// It is distinct from "user has no tokens", which is an empty result.
	ErrStoreUnavailable = errors.New("token store unavailable")

	// ErrProviderCredentials means a provider adapter could not authenticate against its API.
	ErrProviderCredentials = errors.New("provider credentials unavailable")
)

// Adapter delivers one notification to one device token through a single provider's API.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Provider names the channel this adapter serves.
	Provider() Provider
	// Deliver never returns an error; every outcome is expressed in the DispatchResult.
	Deliver(ctx context.Context, record DeviceTokenRecord, msg Message) DispatchResult
}

// TokenStore defines the contract for managing user device tokens.
// It allows the service to remember "where" to send notifications for a user.
type TokenStore interface {
	// Register upserts a record into the user's document. A token string belongs to
	// exactly one user, so the token is also removed from any other user's document.
	Register(ctx context.Context, userID string, record DeviceTokenRecord) (RegisterResult, error)

	// Load returns the user's records, or an empty slice if the user has no document.
	Load(ctx context.Context, userID string) ([]DeviceTokenRecord, error)

	// Prune removes the given tokens from the user's document. Missing documents are not an error.
	Prune(ctx context.Context, userID string, tokens []string) error

	// Scan returns up to limit documents with keys strictly after the cursor, in key order.
	// An empty next cursor means the scan is complete.
	Scan(ctx context.Context, after string, limit int) ([]UserTokenDocument, string, error)
}
