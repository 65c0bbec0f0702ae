// Package validation checks device tokens against their provider's format rules
// before anything touches the token store.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// MaxTokenLength bounds every token regardless of provider.
const MaxTokenLength = 512

// Client-facing validation codes.
const (
	CodeMissingUserID       = "missing_user_id"
	CodeMissingToken        = "missing_token"
	CodeTokenTooLong        = "token_too_long"
	CodeInvalidExpoToken    = "invalid_expo_token"
	CodeInvalidWebPush      = "invalid_webpush_subscription"
	CodeUnsupportedProvider = "unsupported_provider"
	CodeUnsupportedPlatform = "unsupported_platform"
)

var expoToken = regexp.MustCompile(`^ExponentPushToken\[[A-Za-z0-9\-+/_=]+\]$`)

// Error is a client-caused validation failure. Code is safe to return to callers.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func invalid(code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Validate checks the token's shape for the claimed provider.
func Validate(provider dispatch.Provider, token string) error {
	if token == "" {
		return invalid(CodeMissingToken, "")
	}
	if len(token) > MaxTokenLength {
		return invalid(CodeTokenTooLong, fmt.Sprintf("%d chars exceeds %d", len(token), MaxTokenLength))
	}

	switch provider {
	case dispatch.ProviderFCM, dispatch.ProviderAPNS:
		// The provider rejects malformed tokens itself.
		return nil
	case dispatch.ProviderExpo:
		if !expoToken.MatchString(token) {
			return invalid(CodeInvalidExpoToken, "")
		}
		return nil
	case dispatch.ProviderWebPush:
		u, err := url.Parse(token)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return invalid(CodeInvalidWebPush, "endpoint must be an absolute https URL")
		}
		return nil
	default:
		return invalid(CodeUnsupportedProvider, string(provider))
	}
}

// ValidatePlatform rejects platforms outside the known set.
func ValidatePlatform(p dispatch.Platform) error {
	switch p {
	case dispatch.PlatformAndroid, dispatch.PlatformIOS, dispatch.PlatformWeb:
		return nil
	}
	return invalid(CodeUnsupportedPlatform, string(p))
}

// ValidateRecord runs every check a registration needs.
func ValidateRecord(userID string, rec dispatch.DeviceTokenRecord) error {
	if userID == "" {
		return invalid(CodeMissingUserID, "")
	}
	return ValidateTarget(rec)
}

// ValidateTarget checks a record that is not being stored, such as a direct send target.
func ValidateTarget(rec dispatch.DeviceTokenRecord) error {
	if err := Validate(rec.Provider, rec.Token); err != nil {
		return err
	}
	if err := ValidatePlatform(rec.Platform); err != nil {
		return err
	}
	if rec.Provider == dispatch.ProviderWebPush {
		if rec.WebPush == nil || rec.WebPush.P256dh == "" || rec.WebPush.Auth == "" {
			return invalid(CodeInvalidWebPush, "missing subscription keys")
		}
	}
	return nil
}

// IsExpoToken reports whether the string has the Expo push token shape.
func IsExpoToken(token string) bool {
	return expoToken.MatchString(token)
}

// DetectProvider guesses the provider for a bare token string.
func DetectProvider(token string) dispatch.Provider {
	if IsExpoToken(token) {
		return dispatch.ProviderExpo
	}
	return dispatch.ProviderFCM
}

// DefaultPlatform picks a platform when the client did not send one.
func DefaultPlatform(provider dispatch.Provider) dispatch.Platform {
	switch provider {
	case dispatch.ProviderWebPush:
		return dispatch.PlatformWeb
	case dispatch.ProviderAPNS:
		return dispatch.PlatformIOS
	default:
		return dispatch.PlatformAndroid
	}
}

// Deliverable reports whether a stored record can be routed to the given provider's adapter.
// An Expo-shaped string stored under another provider is never deliverable.
func Deliverable(rec dispatch.DeviceTokenRecord) bool {
	if rec.Provider != dispatch.ProviderExpo && IsExpoToken(rec.Token) {
		return false
	}
	return Validate(rec.Provider, rec.Token) == nil
}

// Infer trims and lower-cases the client's provider and platform, filling in whichever is missing.
// A record carrying subscription keys is a web-push subscription.
func Infer(rec dispatch.DeviceTokenRecord) dispatch.DeviceTokenRecord {
	rec.Token = strings.TrimSpace(rec.Token)
	rec.Provider = dispatch.Provider(strings.ToLower(strings.TrimSpace(string(rec.Provider))))
	rec.Platform = dispatch.Platform(strings.ToLower(strings.TrimSpace(string(rec.Platform))))

	if rec.Provider == "" {
		if rec.WebPush != nil {
			rec.Provider = dispatch.ProviderWebPush
		} else {
			rec.Provider = DetectProvider(rec.Token)
		}
	}
	if rec.Platform == "" {
		rec.Platform = DefaultPlatform(rec.Provider)
	}
	return rec
}
