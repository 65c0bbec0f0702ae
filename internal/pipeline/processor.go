package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-registry/internal/fanout"
	"github.com/tinywideclouds/go-push-registry/internal/validation"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// Notifier is the fan-out entry point used by the processor.
type Notifier interface {
	Notify(ctx context.Context, recipientIDs []string, msg dispatch.Message) (fanout.Report, error)
	Send(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) (fanout.Report, error)
}

// NewProcessor hands each notify request to the dispatcher.
// Only a store outage is returned as an error, so the message is redelivered;
// delivery outcomes are final and the message is acked.
func NewProcessor(notifier Notifier, logger *slog.Logger) messagepipeline.StreamProcessor[dispatch.NotifyRequest] {
	logger = logger.With("component", "NotifyProcessor")

	return func(ctx context.Context, original messagepipeline.Message, request *dispatch.NotifyRequest) error {
		procLogger := logger.With("pubsub_msg_id", original.ID)

		var (
			report fanout.Report
			err    error
		)
		if request.Direct() {
			rec := validation.Infer(dispatch.DeviceTokenRecord{
				Token:    request.Token,
				Provider: request.Provider,
				Platform: request.Platform,
				WebPush:  request.Keys,
			})
			if vErr := validation.ValidateTarget(rec); vErr != nil {
				procLogger.Warn("Dropping direct send with invalid target", "err", vErr)
				return nil
			}
			report, err = notifier.Send(ctx, rec, request.Message())
		} else {
			report, err = notifier.Notify(ctx, request.UserIDs, request.Message())
		}

		switch {
		case errors.Is(err, dispatch.ErrStoreUnavailable):
			procLogger.Error("Token store unavailable; message will be redelivered", "err", err)
			return err
		case err != nil:
			procLogger.Error("Notification not delivered", "err", err)
			return nil
		}

		if report.Stats.ResolvedTokens == 0 {
			procLogger.Info("No devices registered for recipients; dropping notification.")
			return nil
		}
		procLogger.Info("Notification dispatched",
			"targets", report.Stats.ResolvedTokens,
			"sent", report.Stats.SuccessCount,
			"failed", report.Stats.FailureCount,
			"pruned", len(report.Stats.PrunedTokens),
		)
		return nil
	}
}
