package dispatch

import (
	"strings"
	"time"
)

// Provider is an external push-delivery channel.
type Provider string

const (
	ProviderFCM     Provider = "fcm"
	ProviderExpo    Provider = "expo"
	ProviderAPNS    Provider = "apns"
	ProviderWebPush Provider = "webpush"
)

// Platform is the client platform that issued a token.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

// WebPushKeys are the subscription keys of a VAPID web-push endpoint,
// base64url encoded as browsers hand them out.
type WebPushKeys struct {
	P256dh string `json:"p256dh" firestore:"p256dh"`
	Auth   string `json:"auth" firestore:"auth"`
}

// DeviceTokenRecord is one registered device/app endpoint.
// For web-push the Token is the subscription endpoint URL.
type DeviceTokenRecord struct {
	Token         string       `json:"token" firestore:"token"`
	Provider      Provider     `json:"provider" firestore:"provider"`
	Platform      Platform     `json:"platform" firestore:"platform"`
	AppIdentifier string       `json:"appIdentifier,omitempty" firestore:"appIdentifier,omitempty"`
	LastSeenAt    time.Time    `json:"lastSeenAt" firestore:"lastSeenAt"`
	WebPush       *WebPushKeys `json:"webPush,omitempty" firestore:"webPush,omitempty"`
}

// UserTokenDocument is the per-user aggregate owned by the token store.
type UserTokenDocument struct {
	UserID    string              `json:"userId" firestore:"userId"`
	Tokens    []DeviceTokenRecord `json:"tokens" firestore:"tokens"`
	UpdatedAt time.Time           `json:"updatedAt" firestore:"updatedAt"`
}

// RegisterResult reports what a registration changed.
type RegisterResult struct {
	DocumentID string
	// Updated is true when the token was already present in this user's document.
	Updated bool
	// ReassignedFrom lists other users whose documents lost the token.
	ReassignedFrom []string
}

// Message is the notification content handed to every adapter.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// ErrorKind classifies a failed delivery.
type ErrorKind string

const (
	ErrorNone            ErrorKind = "none"
	ErrorUnregistered    ErrorKind = "unregistered"
	ErrorInvalidArgument ErrorKind = "invalidArgument"
	ErrorTransient       ErrorKind = "transient"
	ErrorUnknown         ErrorKind = "unknown"
)

// Prunable reports whether the provider confirmed the token can never receive again.
func (k ErrorKind) Prunable() bool {
	return k == ErrorUnregistered || k == ErrorInvalidArgument
}

// DispatchResult is the outcome of one delivery attempt.
type DispatchResult struct {
	Token           string    `json:"token"`
	Success         bool      `json:"success"`
	ErrorKind       ErrorKind `json:"errorKind"`
	ProviderMessage string    `json:"providerMessage,omitempty"`
	// Err carries the underlying cause for logging and credential detection. It is never serialized.
	Err error `json:"-"`
}

// Delivered builds a successful result.
func Delivered(token, providerMessage string) DispatchResult {
	return DispatchResult{Token: token, Success: true, ErrorKind: ErrorNone, ProviderMessage: providerMessage}
}

// Failed builds a failed result.
func Failed(token string, kind ErrorKind, providerMessage string, err error) DispatchResult {
	return DispatchResult{Token: token, ErrorKind: kind, ProviderMessage: providerMessage, Err: err}
}

// DispatchStats is the aggregate returned to the caller of notify.
type DispatchStats struct {
	RequestedRecipients int      `json:"requestedRecipients"`
	ResolvedTokens      int      `json:"resolvedTokens"`
	SuccessCount        int      `json:"successCount"`
	FailureCount        int      `json:"failureCount"`
	PrunedTokens        []string `json:"prunedTokens"`
}

// Add accumulates another batch into s.
func (s *DispatchStats) Add(o DispatchStats) {
	s.RequestedRecipients += o.RequestedRecipients
	s.ResolvedTokens += o.ResolvedTokens
	s.SuccessCount += o.SuccessCount
	s.FailureCount += o.FailureCount
	s.PrunedTokens = append(s.PrunedTokens, o.PrunedTokens...)
}

// NormalizeUserID trims the id and lower-cases the domain part of an email-shaped id.
// The local part keeps its case.
func NormalizeUserID(id string) string {
	id = strings.TrimSpace(id)
	at := strings.LastIndex(id, "@")
	if at < 0 {
		return id
	}
	return id[:at] + strings.ToLower(id[at:])
}
