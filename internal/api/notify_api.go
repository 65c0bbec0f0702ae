package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-registry/internal/fanout"
	"github.com/tinywideclouds/go-push-registry/internal/validation"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// Notifier is the part of the fan-out dispatcher the HTTP surface needs.
type Notifier interface {
	Notify(ctx context.Context, recipientIDs []string, msg dispatch.Message) (fanout.Report, error)
	Send(ctx context.Context, rec dispatch.DeviceTokenRecord, msg dispatch.Message) (fanout.Report, error)
}

type NotifyAPI struct {
	Notifier Notifier
	Logger   *slog.Logger
}

func NewNotifyAPI(notifier Notifier, logger *slog.Logger) *NotifyAPI {
	return &NotifyAPI{
		Notifier: notifier,
		Logger:   logger.With("component", "NotifyAPI"),
	}
}

type NotifyResponse struct {
	OK            bool     `json:"ok"`
	Sent          int      `json:"sent"`
	Targets       int      `json:"targets"`
	Recipients    int      `json:"recipients"`
	FailureCount  int      `json:"failureCount"`
	InvalidTokens []string `json:"invalidTokens"`
	PrunedTokens  []string `json:"prunedTokens"`
}

func (api *NotifyAPI) Notify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := api.Logger.With("request_id", RequestIDFromContext(ctx))

	var req dispatch.NotifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, logger, err)
		return
	}

	var (
		report fanout.Report
		err    error
	)
	if req.Direct() {
		rec := validation.Infer(dispatch.DeviceTokenRecord{
			Token:    req.Token,
			Provider: req.Provider,
			Platform: req.Platform,
			WebPush:  req.Keys,
		})
		if vErr := validation.ValidateTarget(rec); vErr != nil {
			writeError(w, logger, vErr)
			return
		}
		report, err = api.Notifier.Send(ctx, rec, req.Message())
	} else {
		report, err = api.Notifier.Notify(ctx, req.UserIDs, req.Message())
	}
	if err != nil {
		writeError(w, logger, err)
		return
	}

	if report.Stats.ResolvedTokens == 0 {
		response.WriteJSONError(w, http.StatusNotFound, "no_tokens")
		return
	}

	response.WriteJSON(w, http.StatusOK, NotifyResponse{
		OK:            true,
		Sent:          report.Stats.SuccessCount,
		Targets:       report.Stats.ResolvedTokens,
		Recipients:    report.Stats.RequestedRecipients,
		FailureCount:  report.Stats.FailureCount,
		InvalidTokens: report.InvalidTokens,
		PrunedTokens:  report.Stats.PrunedTokens,
	})
}
