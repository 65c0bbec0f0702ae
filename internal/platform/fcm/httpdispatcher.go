// Package fcm delivers to Firebase Cloud Messaging, either through the v1 REST API
// or through the Firebase Admin SDK.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// DefaultEndpoint is the FCM v1 API host.
const DefaultEndpoint = "https://fcm.googleapis.com"

const fcmErrorType = "type.googleapis.com/google.firebase.fcm.v1.FcmError"

// HTTPConfig configures the REST dispatcher.
type HTTPConfig struct {
	ProjectID string
	// Endpoint overrides DefaultEndpoint, mainly for tests.
	Endpoint string
}

// HTTPDispatcher sends one message per token to the v1 messages:send endpoint.
type HTTPDispatcher struct {
	sendURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPDispatcher(cfg HTTPConfig, tokens oauth2.TokenSource, httpClient *http.Client, logger *slog.Logger) *HTTPDispatcher {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPDispatcher{
		sendURL:    fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(endpoint, "/"), cfg.ProjectID),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.With("component", "FCMHTTPDispatcher"),
	}
}

func (d *HTTPDispatcher) Provider() dispatch.Provider {
	return dispatch.ProviderFCM
}

type v1Request struct {
	Message v1Message `json:"message"`
}

type v1Message struct {
	Token        string            `json:"token"`
	Notification v1Notification    `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type v1Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type v1Response struct {
	Name  string   `json:"name"`
	Error *v1Error `json:"error"`
}

type v1Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
	Details []struct {
		Type      string `json:"@type"`
		ErrorCode string `json:"errorCode"`
	} `json:"details"`
}

// errorCode returns the FcmError detail code, if the response carried one.
func (e *v1Error) errorCode() string {
	for _, d := range e.Details {
		if d.Type == fcmErrorType && d.ErrorCode != "" {
			return d.ErrorCode
		}
	}
	return ""
}

func (d *HTTPDispatcher) Deliver(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) dispatch.DispatchResult {
	bearer, err := d.tokens.Token()
	if err != nil {
		d.logger.Error("FCM credentials unavailable", "err", err)
		if !errors.Is(err, dispatch.ErrProviderCredentials) {
			err = fmt.Errorf("%w: %v", dispatch.ErrProviderCredentials, err)
		}
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "credentials unavailable", err)
	}

	body, err := json.Marshal(v1Request{Message: v1Message{
		Token:        rec.Token,
		Notification: v1Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}})
	if err != nil {
		return dispatch.Failed(rec.Token, dispatch.ErrorUnknown, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.sendURL, bytes.NewReader(body))
	if err != nil {
		return dispatch.Failed(rec.Token, dispatch.ErrorUnknown, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	bearer.SetAuthHeader(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// Network failure or per-call timeout.
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "transport error", fmt.Errorf("fcm send: %w", err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed v1Response
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return dispatch.Delivered(rec.Token, parsed.Name)
	}
	return d.classify(rec.Token, resp.StatusCode, parsed.Error, string(raw))
}

// classify trusts the structured errorCode first and falls back to matching the message text.
func (d *HTTPDispatcher) classify(token string, statusCode int, fcmErr *v1Error, raw string) dispatch.DispatchResult {
	code, message, status := "", raw, ""
	if fcmErr != nil {
		code, message, status = fcmErr.errorCode(), fcmErr.Message, fcmErr.Status
	}
	cause := fmt.Errorf("fcm status %d: %s", statusCode, message)

	switch code {
	case "UNREGISTERED", "SENDER_ID_MISMATCH":
		return dispatch.Failed(token, dispatch.ErrorUnregistered, code, cause)
	case "INVALID_ARGUMENT":
		return dispatch.Failed(token, dispatch.ErrorInvalidArgument, code, cause)
	case "THIRD_PARTY_AUTH_ERROR":
		return dispatch.Failed(token, dispatch.ErrorTransient, code, fmt.Errorf("%w: %v", dispatch.ErrProviderCredentials, cause))
	case "":
		// No structured detail; fall through to the text heuristics.
	default:
		return dispatch.Failed(token, dispatch.ErrorTransient, code, cause)
	}

	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return dispatch.Failed(token, dispatch.ErrorTransient, "unauthorized", fmt.Errorf("%w: %v", dispatch.ErrProviderCredentials, cause))
	}

	lower := strings.ToLower(status + " " + message)
	switch {
	case strings.Contains(lower, "unregistered"),
		strings.Contains(lower, "not registered"),
		strings.Contains(lower, "requested entity was not found"):
		return dispatch.Failed(token, dispatch.ErrorUnregistered, message, cause)
	case strings.Contains(lower, "sender id mismatch"), strings.Contains(lower, "senderid mismatch"):
		return dispatch.Failed(token, dispatch.ErrorUnregistered, message, cause)
	case strings.Contains(lower, "invalid_argument"),
		strings.Contains(lower, "not a valid fcm registration token"):
		return dispatch.Failed(token, dispatch.ErrorInvalidArgument, message, cause)
	}

	d.logger.Warn("FCM rejected message", "status", statusCode, "message", message)
	return dispatch.Failed(token, dispatch.ErrorTransient, message, cause)
}
