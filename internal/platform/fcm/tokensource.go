package fcm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tinywideclouds/go-push-registry/internal/platform/sdkclient"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// MessagingScope is the OAuth2 scope required by the FCM v1 send endpoint.
const MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// expirySkew refreshes a little before the provider would reject the token.
const expirySkew = 30 * time.Second

// BearerCache is a process-wide access-token cache.
// Reads are lock-free; concurrent callers that see an expired token may refresh in parallel,
// and the last refresh wins.
type BearerCache struct {
	src     oauth2.TokenSource
	current atomic.Pointer[oauth2.Token]
	now     func() time.Time
}

func NewBearerCache(src oauth2.TokenSource) *BearerCache {
	return &BearerCache{src: src, now: time.Now}
}

// WithClock replaces the time source used for expiry checks.
func (c *BearerCache) WithClock(now func() time.Time) *BearerCache {
	c.now = now
	return c
}

// Token implements oauth2.TokenSource.
func (c *BearerCache) Token() (*oauth2.Token, error) {
	if tok := c.current.Load(); c.fresh(tok) {
		return tok, nil
	}
	tok, err := c.src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: fcm access token: %v", dispatch.ErrProviderCredentials, err)
	}
	c.current.Store(tok)
	return tok, nil
}

func (c *BearerCache) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || c.now().Add(expirySkew).Before(tok.Expiry)
}

// serviceAccountSource parses the base64 service-account JSON on first use.
// A missing or broken credential surfaces per call instead of at boot.
type serviceAccountSource struct {
	encoded string
	client  *http.Client
	sources *sdkclient.Registry[oauth2.TokenSource]
}

// DefaultTokenTimeout bounds one exchange with the Google token endpoint.
const DefaultTokenTimeout = 10 * time.Second

// NewServiceAccountSource returns a token source backed by a base64-encoded service-account JSON key.
// Token exchanges go through client; nil uses a client with DefaultTokenTimeout.
func NewServiceAccountSource(encoded string, client *http.Client) oauth2.TokenSource {
	if client == nil {
		client = &http.Client{Timeout: DefaultTokenTimeout}
	}
	return &serviceAccountSource{encoded: encoded, client: client, sources: sdkclient.NewRegistry[oauth2.TokenSource]()}
}

func (s *serviceAccountSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource has no context; the refresh inherits this one, so the deadline lives on the client.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.client)
	src, err := s.sources.Get(ctx, "fcm-service-account", func(ctx context.Context) (oauth2.TokenSource, error) {
		creds, err := CredentialsFromBase64(ctx, s.encoded)
		if err != nil {
			return nil, err
		}
		return creds.TokenSource, nil
	})
	if err != nil {
		return nil, err
	}
	return src.Token()
}

// CredentialsFromBase64 decodes a service-account key and scopes it for FCM.
func CredentialsFromBase64(ctx context.Context, encoded string) (*google.Credentials, error) {
	if encoded == "" {
		return nil, errors.New("service account not configured")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("service account is not valid base64: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, MessagingScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	return creds, nil
}
