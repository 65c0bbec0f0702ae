package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tinywideclouds/go-push-registry/internal/fanout"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
	"github.com/tinywideclouds/go-push-registry/pushservice/config"
)

// Broadcaster is the part of the dispatcher the scheduler needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg dispatch.Message, pageSize int) (dispatch.DispatchStats, error)
}

func newBroadcastScheduler(cfg config.BroadcastConfig, broadcaster Broadcaster, logger *slog.Logger) (*cron.Cron, error) {
	cronLogger := cronSlogger{logger: logger.With("component", "BroadcastScheduler")}
	scheduler := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	if _, err := scheduler.AddJob(cfg.Schedule, BroadcastJob(cfg, broadcaster, logger)); err != nil {
		return nil, fmt.Errorf("invalid broadcast schedule %q: %w", cfg.Schedule, err)
	}
	return scheduler, nil
}

// BroadcastJob sends the configured message to every registered user.
func BroadcastJob(cfg config.BroadcastConfig, broadcaster Broadcaster, logger *slog.Logger) cron.Job {
	logger = logger.With("component", "BroadcastJob")
	msg := dispatch.Message{Title: cfg.Title, Body: cfg.Body}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = fanout.DefaultPageSize
	}

	return cron.FuncJob(func() {
		start := time.Now()
		stats, err := broadcaster.Broadcast(context.Background(), msg, pageSize)
		if err != nil {
			logger.Error("Broadcast aborted", "err", err, "sent", stats.SuccessCount)
			return
		}
		logger.Info("Broadcast complete",
			"recipients", stats.RequestedRecipients,
			"targets", stats.ResolvedTokens,
			"sent", stats.SuccessCount,
			"failed", stats.FailureCount,
			"pruned", len(stats.PrunedTokens),
			"duration", time.Since(start),
		)
	})
}

// cronSlogger adapts slog to cron.Logger.
type cronSlogger struct {
	logger *slog.Logger
}

func (l cronSlogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronSlogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
