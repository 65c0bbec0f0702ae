// --- File: cmd/pushservice/runpushservice.go ---
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-registry/internal/platform/apns"
	"github.com/tinywideclouds/go-push-registry/internal/platform/expo"
	"github.com/tinywideclouds/go-push-registry/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-registry/internal/platform/sdkclient"
	"github.com/tinywideclouds/go-push-registry/internal/platform/web"
	"github.com/tinywideclouds/go-push-registry/internal/storage"
	"github.com/tinywideclouds/go-push-registry/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-registry/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-registry/internal/storage/memory"
	"github.com/tinywideclouds/go-push-registry/internal/storage/postgres"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
	"github.com/tinywideclouds/go-push-registry/pushservice"
	"github.com/tinywideclouds/go-push-registry/pushservice/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// A local .env is optional; deployed environments set variables directly.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-registry")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Token Store (Decorated) ---
	tokenStore, closeStore := newTokenStore(ctx, cfg, logger)
	defer closeStore()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisTokenCache(ctx, cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		tokenStore = cache.NewCachedTokenStore(tokenStore, redisClient, cfg.Redis.TTL, logger)
		logger.Info("TokenStore upgraded", "type", "redis_cached_"+cfg.Store.Backend)
	}

	// --- Auth (optional) ---
	var authMiddleware func(http.Handler) http.Handler
	if cfg.IdentityServiceURL != "" {
		jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
		if err != nil {
			logger.Error("Failed to discover identity service JWT config", "err", err, "url", cfg.IdentityServiceURL)
			os.Exit(1)
		}
		authMiddleware, err = middleware.NewJWKSAuthMiddleware(jwksURL, logger)
		if err != nil {
			logger.Error("Failed to create auth middleware", "err", err)
			os.Exit(1)
		}
		logger.Info("JWT auth enabled", "jwks_url", jwksURL)
	} else {
		logger.Warn("IDENTITY_SERVICE_URL not set; routes are unauthenticated.")
	}

	// --- Provider Adapters ---
	adapters := newAdapters(cfg, logger)

	// --- Consumer (optional) ---
	var consumer messagepipeline.MessageConsumer
	if cfg.PipelineEnabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("PubSub consumer failed", "err", err)
			os.Exit(1)
		}
	}

	service, err := pushservice.New(cfg, consumer, adapters, tokenStore, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "addr", cfg.ListenAddr)
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service shutdown with error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "err", err)
		}
	}
}

// newTokenStore builds the configured backend. Missing or unreachable backends are replaced by
// an UnavailableStore so the service still boots and answers 500 per request.
func newTokenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.TokenStore, func()) {
	noop := func() {}
	unavailable := func(reason string, err error) (dispatch.TokenStore, func()) {
		logger.Error("Token store unavailable", "marker", "config_missing", "backend", cfg.Store.Backend, "reason", reason, "err", err)
		return storage.NewUnavailableStore(reason, logger), noop
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-memory token store; registrations are lost on restart.")
		return memory.NewStore(), noop

	case config.BackendPostgres:
		if cfg.Store.PostgresDSN == "" {
			return unavailable("postgres_dsn not set", nil)
		}
		pool, err := postgres.NewPool(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return unavailable("postgres unreachable", err)
		}
		store := postgres.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return unavailable("postgres schema", err)
		}
		logger.Info("TokenStore initialized", "type", "postgres")
		return store, pool.Close

	default:
		if cfg.ProjectID == "" {
			return unavailable("project_id not set", nil)
		}
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return unavailable("firestore client", err)
		}
		logger.Info("TokenStore initialized", "type", "firestore", "collection", cfg.Store.FirestoreCollection)
		return fsStore.NewFirestoreStore(fsClient, cfg.Store.FirestoreCollection), func() { _ = fsClient.Close() }
	}
}

// newAdapters registers one adapter per provider. Credentials are resolved lazily,
// so a provider with missing configuration fails its own deliveries only.
func newAdapters(cfg *config.Config, logger *slog.Logger) map[dispatch.Provider]dispatch.Adapter {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	adapters := make(map[dispatch.Provider]dispatch.Adapter)

	// A. FCM
	if cfg.FCM.ServiceAccountB64 == "" {
		logger.Warn("FCM service account missing; FCM deliveries will fail.", "marker", "config_missing")
	}
	switch cfg.FCM.Mode {
	case config.FCMModeSDK:
		adapters[dispatch.ProviderFCM] = fcm.NewDispatcher(
			sdkclient.NewRegistry[fcm.MessagingClient](),
			fcm.NewMessagingFactory(cfg.FCM.ProjectID, cfg.FCM.ServiceAccountB64),
			logger,
		)
	default:
		adapters[dispatch.ProviderFCM] = fcm.NewHTTPDispatcher(
			fcm.HTTPConfig{ProjectID: cfg.FCM.ProjectID, Endpoint: cfg.FCM.Endpoint},
			fcm.NewBearerCache(fcm.NewServiceAccountSource(cfg.FCM.ServiceAccountB64, httpClient)),
			httpClient,
			logger,
		)
	}
	logger.Info("FCM Dispatcher enabled", "mode", cfg.FCM.Mode, "project_id", cfg.FCM.ProjectID)

	// B. Expo
	adapters[dispatch.ProviderExpo] = expo.NewDispatcher(expo.Config{
		Endpoint:    cfg.Expo.Endpoint,
		AccessToken: cfg.Expo.AccessToken,
	}, httpClient, logger)

	// C. APNs
	if cfg.APNS.KeyID == "" || cfg.APNS.P8Key == "" {
		logger.Warn("APNs credentials missing; APNs deliveries will fail.", "marker", "config_missing")
	}
	adapters[dispatch.ProviderAPNS] = apns.NewDispatcher(apns.Config{
		KeyID:        cfg.APNS.KeyID,
		TeamID:       cfg.APNS.TeamID,
		BundleID:     cfg.APNS.BundleID,
		P8KeyContent: cfg.APNS.P8Key,
		Production:   cfg.APNS.Production,
	}, sdkclient.NewRegistry[apns.APNSClient](), logger)

	// D. Web (VAPID)
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web Push will fail.", "marker", "config_missing")
	} else {
		logger.Info("Web Dispatcher enabled", "public_key", cfg.Vapid.PublicKey)
	}
	adapters[dispatch.ProviderWebPush] = web.NewDispatcher(web.VapidConfig{
		PublicKey:       cfg.Vapid.PublicKey,
		PrivateKey:      cfg.Vapid.PrivateKey,
		SubscriberEmail: cfg.Vapid.SubscriberEmail,
	}, httpClient, logger)

	return adapters
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")

	// Only manage the subscription when we know its topic; otherwise it must already exist.
	if cfg.TopicID != "" {
		subConfig := &pubsubpb.Subscription{
			Name:                  sub,
			Topic:                 convertPubsub(cfg.ProjectID, cfg.TopicID, "topics"),
			AckDeadlineSeconds:    30,
			EnableMessageOrdering: false,
		}
		if cfg.SubscriptionDLQTopicID != "" {
			subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
				DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
				MaxDeliveryAttempts: 5,
			}
		}
		logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
		_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
		if err != nil {
			if status.Code(err) == codes.AlreadyExists {
				logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
			} else {
				logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
				return nil, fmt.Errorf("could not create sub: %s", sub)
			}
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(sub), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
