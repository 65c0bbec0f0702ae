package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-registry/internal/fanout"
	"github.com/tinywideclouds/go-push-registry/internal/pipeline"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, ids []string, msg dispatch.Message) (fanout.Report, error) {
	args := m.Called(ctx, ids, msg)
	return args.Get(0).(fanout.Report), args.Error(1)
}

func (m *mockNotifier) Send(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) (fanout.Report, error) {
	args := m.Called(ctx, rec, msg)
	return args.Get(0).(fanout.Report), args.Error(1)
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	original := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "pubsub-1"}}
	usersReq := &dispatch.NotifyRequest{UserIDs: []string{"a@x.com"}, Title: "Hi", Body: "B"}

	t.Run("Delivered messages are acked", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("Notify", ctx, []string{"a@x.com"}, dispatch.Message{Title: "Hi", Body: "B"}).
			Return(fanout.Report{Stats: dispatch.DispatchStats{ResolvedTokens: 1, SuccessCount: 1}}, nil)

		err := pipeline.NewProcessor(notifier, newTestLogger())(ctx, original, usersReq)

		require.NoError(t, err)
		notifier.AssertExpectations(t)
	})

	t.Run("Store outage is retried", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("Notify", ctx, mock.Anything, mock.Anything).Return(fanout.Report{}, dispatch.ErrStoreUnavailable)

		err := pipeline.NewProcessor(notifier, newTestLogger())(ctx, original, usersReq)

		assert.ErrorIs(t, err, dispatch.ErrStoreUnavailable)
	})

	t.Run("Credential failure is acked", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("Notify", ctx, mock.Anything, mock.Anything).Return(fanout.Report{}, dispatch.ErrProviderCredentials)

		err := pipeline.NewProcessor(notifier, newTestLogger())(ctx, original, usersReq)

		assert.NoError(t, err)
	})

	t.Run("Direct send routes through Send", func(t *testing.T) {
		notifier := new(mockNotifier)
		notifier.On("Send", ctx, mock.MatchedBy(func(rec dispatch.DeviceTokenRecord) bool {
			return rec.Token == "fcm-direct" && rec.Provider == dispatch.ProviderFCM
		}), mock.Anything).Return(fanout.Report{Stats: dispatch.DispatchStats{ResolvedTokens: 1, SuccessCount: 1}}, nil)

		err := pipeline.NewProcessor(notifier, newTestLogger())(ctx, original, &dispatch.NotifyRequest{Token: "fcm-direct", Title: "Hi"})

		require.NoError(t, err)
		notifier.AssertExpectations(t)
	})

	t.Run("Invalid direct target is dropped", func(t *testing.T) {
		notifier := new(mockNotifier)

		err := pipeline.NewProcessor(notifier, newTestLogger())(ctx, original,
			&dispatch.NotifyRequest{Token: "banana", Provider: dispatch.ProviderExpo, Title: "Hi"})

		require.NoError(t, err)
		notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})
}
