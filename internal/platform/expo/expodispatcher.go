// Package expo delivers through the Expo push service.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// DefaultEndpoint is Expo's public push API.
const DefaultEndpoint = "https://exp.host/--/api/v2/push/send"

// Config holds the Expo endpoint and the optional enhanced-security access token.
type Config struct {
	Endpoint    string
	AccessToken string
}

type Dispatcher struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewDispatcher(cfg Config, httpClient *http.Client, logger *slog.Logger) *Dispatcher {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Dispatcher{
		endpoint:    endpoint,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		logger:      logger.With("component", "ExpoDispatcher"),
	}
}

func (d *Dispatcher) Provider() dispatch.Provider {
	return dispatch.ProviderExpo
}

type pushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound"`
}

type pushTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type pushResponse struct {
	Data   []pushTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (d *Dispatcher) Deliver(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) dispatch.DispatchResult {
	body, err := json.Marshal([]pushMessage{{
		To:    rec.Token,
		Title: msg.Title,
		Body:  msg.Body,
		Data:  msg.Data,
		Sound: "default",
	}})
	if err != nil {
		return dispatch.Failed(rec.Token, dispatch.ErrorUnknown, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return dispatch.Failed(rec.Token, dispatch.ErrorUnknown, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if d.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.accessToken)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "transport error", fmt.Errorf("expo send: %w", err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed pushResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "unauthorized",
			fmt.Errorf("%w: expo status %d", dispatch.ErrProviderCredentials, resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		d.logger.Warn("Expo rejected request", "status", resp.StatusCode, "body", string(raw))
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, fmt.Sprintf("status %d", resp.StatusCode),
			fmt.Errorf("expo push failed with status %d", resp.StatusCode))
	}
	if len(parsed.Data) == 0 {
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "empty ticket list", fmt.Errorf("expo returned no ticket"))
	}

	ticket := parsed.Data[0]
	if ticket.Status == "ok" {
		return dispatch.Delivered(rec.Token, ticket.ID)
	}

	cause := fmt.Errorf("expo ticket error %s: %s", ticket.Details.Error, ticket.Message)
	switch ticket.Details.Error {
	case "DeviceNotRegistered":
		return dispatch.Failed(rec.Token, dispatch.ErrorUnregistered, ticket.Details.Error, cause)
	case "InvalidCredentials":
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, ticket.Details.Error,
			fmt.Errorf("%w: %v", dispatch.ErrProviderCredentials, cause))
	default:
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, ticket.Message, cause)
	}
}
