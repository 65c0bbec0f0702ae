// Package web delivers VAPID web-push notifications to browser subscriptions.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// VapidConfig holds the application server keys.
type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

// defaultTTL is how long, in seconds, the push service keeps an undelivered message.
const defaultTTL = 60

type Dispatcher struct {
	subscriber string
	privateKey string
	publicKey  string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewDispatcher(cfg VapidConfig, httpClient *http.Client, logger *slog.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Dispatcher{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		logger:     logger.With("component", "WebPushDispatcher"),
		httpClient: httpClient,
	}
}

func (d *Dispatcher) Provider() dispatch.Provider {
	return dispatch.ProviderWebPush
}

// Deliver encrypts the payload for the subscription and posts it to its endpoint (the record's Token).
func (d *Dispatcher) Deliver(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) dispatch.DispatchResult {
	if d.privateKey == "" || d.publicKey == "" {
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "vapid keys missing",
			fmt.Errorf("%w: vapid keys not configured", dispatch.ErrProviderCredentials))
	}
	if rec.WebPush == nil {
		return dispatch.Failed(rec.Token, dispatch.ErrorInvalidArgument, "subscription keys missing",
			fmt.Errorf("web-push record without subscription keys"))
	}

	payloadBytes, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
		},
		"data": msg.Data,
	})
	if err != nil {
		return dispatch.Failed(rec.Token, dispatch.ErrorUnknown, "encode payload", err)
	}

	sub := &webpush.Subscription{
		Endpoint: rec.Token,
		Keys: webpush.Keys{
			P256dh: rec.WebPush.P256dh,
			Auth:   rec.WebPush.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, sub, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             defaultTTL,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		// Transport error (DNS, Timeout) or a key the library could not use. Don't delete.
		d.logger.Error("WebPush transport error", "endpoint", rec.Token, "err", err)
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "transport error", fmt.Errorf("webpush send: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return dispatch.Delivered(rec.Token, resp.Header.Get("Location"))
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// 410 Gone / 404 Not Found -> subscription is dead
		return dispatch.Failed(rec.Token, dispatch.ErrorUnregistered, resp.Status, fmt.Errorf("webpush status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, resp.Status,
			fmt.Errorf("%w: webpush status %d", dispatch.ErrProviderCredentials, resp.StatusCode))
	default:
		d.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", rec.Token)
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, resp.Status, fmt.Errorf("webpush status %d", resp.StatusCode))
	}
}
