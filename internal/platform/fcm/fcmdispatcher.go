package fcm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-push-registry/internal/platform/sdkclient"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

const sdkClientName = "fcm"

// Dispatcher delivers through the Firebase Admin SDK. The client is built on first use.
type Dispatcher struct {
	clients *sdkclient.Registry[MessagingClient]
	factory sdkclient.Factory[MessagingClient]
	logger  *slog.Logger
}

// NewDispatcher accepts a factory so credentials are only resolved when a send happens.
func NewDispatcher(clients *sdkclient.Registry[MessagingClient], factory sdkclient.Factory[MessagingClient], logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		clients: clients,
		factory: factory,
		logger:  logger.With("component", "FCMDispatcher"),
	}
}

// NewMessagingFactory builds a messaging client from a base64 service-account key.
// An empty key falls back to application default credentials.
func NewMessagingFactory(projectID, serviceAccountB64 string) sdkclient.Factory[MessagingClient] {
	return func(ctx context.Context) (MessagingClient, error) {
		var opts []option.ClientOption
		if serviceAccountB64 != "" {
			raw, err := base64.StdEncoding.DecodeString(serviceAccountB64)
			if err != nil {
				return nil, fmt.Errorf("service account is not valid base64: %w", err)
			}
			opts = append(opts, option.WithCredentialsJSON(raw))
		}

		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
		}
		client, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get messaging client: %w", err)
		}
		return client, nil
	}
}

func (d *Dispatcher) Provider() dispatch.Provider {
	return dispatch.ProviderFCM
}

func (d *Dispatcher) Deliver(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) dispatch.DispatchResult {
	client, err := d.clients.Get(ctx, sdkClientName, d.factory)
	if err != nil {
		d.logger.Error("FCM client unavailable", "err", err)
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, "credentials unavailable",
			fmt.Errorf("%w: %v", dispatch.ErrProviderCredentials, err))
	}

	id, err := client.Send(ctx, &messaging.Message{
		Token: rec.Token,
		Data:  msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
	})
	if err == nil {
		return dispatch.Delivered(rec.Token, id)
	}

	switch {
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err):
		return dispatch.Failed(rec.Token, dispatch.ErrorUnregistered, err.Error(), err)
	case messaging.IsInvalidArgument(err):
		return dispatch.Failed(rec.Token, dispatch.ErrorInvalidArgument, err.Error(), err)
	case messaging.IsThirdPartyAuthError(err):
		d.clients.Reset(sdkClientName)
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, err.Error(),
			fmt.Errorf("%w: %v", dispatch.ErrProviderCredentials, err))
	default:
		// Real network/quota failure; the token may still be fine.
		return dispatch.Failed(rec.Token, dispatch.ErrorTransient, err.Error(), fmt.Errorf("fcm transport failed: %w", err))
	}
}
