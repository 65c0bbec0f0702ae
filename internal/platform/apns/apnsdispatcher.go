// --- File: internal/platform/apns/apnsdispatcher.go ---
// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-registry/internal/platform/sdkclient"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Production   bool
}

const sdkClientName = "apns"

type Dispatcher struct {
	clients *sdkclient.Registry[APNSClient]
	factory sdkclient.Factory[APNSClient]
	topic   string // The App Bundle ID (e.g. com.plantmarket.app)
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher whose client is built on the first delivery.
// Bad credentials therefore fail that delivery instead of the whole process.
func NewDispatcher(cfg Config, clients *sdkclient.Registry[APNSClient], logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithFactory(cfg.BundleID, clients, NewClientFactory(cfg), logger)
}

func NewDispatcherWithFactory(topic string, clients *sdkclient.Registry[APNSClient], factory sdkclient.Factory[APNSClient], logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		clients: clients,
		factory: factory,
		topic:   topic,
		logger:  logger.With("component", "APNSDispatcher"),
	}
}

// NewClientFactory parses the P8 key and builds a token-authenticated client.
func NewClientFactory(cfg Config) sdkclient.Factory[APNSClient] {
	return func(ctx context.Context) (APNSClient, error) {
		if cfg.P8KeyContent == "" || cfg.KeyID == "" || cfg.TeamID == "" {
			return nil, errors.New("apns key id, team id and p8 key are required")
		}
		authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
		if err != nil {
			return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
		}

		client := apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   cfg.KeyID,
			TeamID:  cfg.TeamID,
		})
		if cfg.Production {
			return client.Production(), nil
		}
		return client.Development(), nil
	}
}

func (d *Dispatcher) Provider() dispatch.Provider {
	return dispatch.ProviderAPNS
}

// Deliver sends one notification. The APNs HTTP/2 API is unary; there is no multicast endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) dispatch.DispatchResult {
	client, err := d.clients.Get(ctx, sdkClientName, d.factory)
	if err != nil {
		d.logger.Error("APNs client unavailable", "err", err)
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "credentials unavailable",
			fmt.Errorf("%w: %v", dispatch.ErrProviderCredentials, err))
	}

	builder := payload.NewPayload().
		AlertTitle(msg.Title).
		AlertBody(msg.Body).
		Sound("default")
	for k, v := range msg.Data {
		builder.Custom(k, v)
	}

	topic := d.topic
	if rec.AppIdentifier != "" {
		topic = rec.AppIdentifier
	}

	res, err := client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: rec.Token,
		Topic:       topic,
		Payload:     builder,
	})
	if err != nil {
		// Network/Transport Failure
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "transport error", fmt.Errorf("apns push: %w", err))
	}
	if res.Sent() {
		return dispatch.Delivered(rec.Token, res.ApnsID)
	}

	cause := fmt.Errorf("apns status %d: %s", res.StatusCode, res.Reason)
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		// Token is dead.
		return dispatch.Failed(rec.Token, dispatch.ErrorUnregistered, res.Reason, cause)
	case apns2.ReasonInvalidProviderToken, apns2.ReasonExpiredProviderToken, apns2.ReasonMissingProviderToken:
		// Rebuild on the next send so a rotated signing key is picked up.
		d.clients.Reset(sdkClientName)
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, res.Reason,
			fmt.Errorf("%w: %v", dispatch.ErrProviderCredentials, cause))
	default:
		// TopicDisallowed, PayloadEmpty and friends mean our configuration is wrong, not the token.
		d.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, res.Reason, cause)
	}
}
