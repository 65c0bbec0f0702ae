// --- File: pushservice/service.go ---
package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/robfig/cron/v3"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-registry/internal/api"
	"github.com/tinywideclouds/go-push-registry/internal/fanout"
	"github.com/tinywideclouds/go-push-registry/internal/pipeline"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
	"github.com/tinywideclouds/go-push-registry/pushservice/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[dispatch.NotifyRequest]
	scheduler       *cron.Cron
	logger          *slog.Logger
}

// New assembles the service.
// consumer and authMiddleware are optional: a nil consumer disables Pub/Sub ingestion
// and a nil authMiddleware leaves the routes open.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	adapters map[dispatch.Provider]dispatch.Adapter,
	tokenStore dispatch.TokenStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Fan-out
	dispatcher := fanout.NewDispatcher(tokenStore, adapters, fanout.Config{
		Workers:     cfg.Dispatch.Workers,
		CallTimeout: cfg.Dispatch.CallTimeout,
	}, logger)

	w := &Wrapper{
		BaseServer: baseServer,
		logger:     logger,
	}

	// 3. Pipeline
	if consumer != nil {
		streamingService, err := messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.NotifyRequestTransformer,
			pipeline.NewProcessor(dispatcher, logger),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
		w.pipelineService = streamingService
	}

	// 4. Scheduled broadcast
	if cfg.Broadcast.Schedule != "" {
		scheduler, err := newBroadcastScheduler(cfg.Broadcast, dispatcher, logger)
		if err != nil {
			return nil, err
		}
		w.scheduler = scheduler
	}

	// 5. API
	tokenAPI := api.NewTokenAPI(tokenStore, logger)
	notifyAPI := api.NewNotifyAPI(dispatcher, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	common := []func(http.Handler) http.Handler{
		api.RequestID,
		api.RequestLogger(logger),
		api.Recover(logger, cfg.Debug),
		corsMiddleware,
	}
	if authMiddleware != nil {
		common = append(common, authMiddleware)
	}

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, api.Chain(handlerFunc, common...))
	}

	handle("POST /register-token", tokenAPI.RegisterToken)
	handle("POST /unregister-token", tokenAPI.UnregisterToken)
	handle("POST /notify", notifyAPI.Notify)

	// CORS preflight for every path; the middleware writes the headers.
	mux.Handle("OPTIONS /", api.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), api.RequestID, corsMiddleware))

	return w, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Core processing pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	if w.scheduler != nil {
		w.logger.Info("Broadcast scheduler starting...", "entries", len(w.scheduler.Entries()))
		w.scheduler.Start()
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.scheduler != nil {
		stopped := w.scheduler.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			w.logger.Warn("Broadcast still running at shutdown deadline.")
		}
	}
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
