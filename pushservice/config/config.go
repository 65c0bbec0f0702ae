// --- File: pushservice/config/config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"

	FCMModeHTTP = "http"
	FCMModeSDK  = "sdk"
)

type StoreConfig struct {
	Backend             string
	FirestoreCollection string
	PostgresDSN         string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type FCMConfig struct {
	Mode              string
	ProjectID         string
	ServiceAccountB64 string
	Endpoint          string
}

type ExpoConfig struct {
	Endpoint    string
	AccessToken string
}

type APNSConfig struct {
	KeyID      string
	TeamID     string
	BundleID   string
	P8Key      string
	Production bool
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type DispatchConfig struct {
	Workers     int
	CallTimeout time.Duration
}

// BroadcastConfig drives the scheduled send to every registered user.
// An empty Schedule disables it.
type BroadcastConfig struct {
	Schedule string
	PageSize int
	Title    string
	Body     string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID          string
	ListenAddr         string
	IdentityServiceURL string
	Debug              bool

	CorsConfig middleware.CorsConfig
	Store      StoreConfig
	Redis      RedisConfig
	FCM        FCMConfig
	Expo       ExpoConfig
	APNS       APNSConfig
	Vapid      VapidConfig
	Dispatch   DispatchConfig
	Broadcast  BroadcastConfig

	// The Pub/Sub ingestion pipeline only runs when SubscriptionID is set.
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	PubsubConsumerConfig   *messagepipeline.GooglePubsubConsumerConfig
}

// PipelineEnabled reports whether a notify subscription is configured.
func (c *Config) PipelineEnabled() bool {
	return c.SubscriptionID != ""
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	override := func(key string, apply func(string)) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			apply(val)
		}
	}
	overrideInt := func(key string, apply func(int)) {
		override(key, func(val string) {
			if n, err := strconv.Atoi(val); err == nil {
				apply(n)
			} else {
				logger.Warn("Ignoring non-numeric env value", "key", key)
			}
		})
	}
	overrideBool := func(key string, apply func(bool)) {
		override(key, func(val string) {
			b, _ := strconv.ParseBool(val)
			apply(b)
		})
	}

	override("PROJECT_ID", func(v string) { cfg.ProjectID = v })
	override("PORT", func(v string) { cfg.ListenAddr = ":" + v })
	override("IDENTITY_SERVICE_URL", func(v string) { cfg.IdentityServiceURL = v })
	overrideBool("DEBUG", func(b bool) { cfg.Debug = b })

	override("SUBSCRIPTION_ID", func(v string) {
		cfg.SubscriptionID = v
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(v)
	})
	override("SUBSCRIPTION_DLQ_TOPIC_ID", func(v string) { cfg.SubscriptionDLQTopicID = v })
	override("TOPIC_ID", func(v string) { cfg.TopicID = v })
	overrideInt("NUM_PIPELINE_WORKERS", func(n int) {
		if n > 0 {
			cfg.NumPipelineWorkers = n
		}
	})

	// Store
	override("TOKEN_STORE", func(v string) { cfg.Store.Backend = strings.ToLower(v) })
	override("FIRESTORE_COLLECTION", func(v string) { cfg.Store.FirestoreCollection = v })
	override("DATABASE_URL", func(v string) { cfg.Store.PostgresDSN = v })

	// Redis
	override("REDIS_ADDR", func(v string) {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	})
	override("REDIS_PASSWORD", func(v string) { cfg.Redis.Password = v })
	overrideInt("REDIS_DB", func(n int) { cfg.Redis.DB = n })
	overrideBool("REDIS_ENABLED", func(b bool) { cfg.Redis.Enabled = b })

	// Providers
	override("FCM_MODE", func(v string) { cfg.FCM.Mode = strings.ToLower(v) })
	override("FCM_PROJECT_ID", func(v string) { cfg.FCM.ProjectID = v })
	override("FCM_SERVICE_ACCOUNT_B64", func(v string) { cfg.FCM.ServiceAccountB64 = v })
	override("EXPO_ACCESS_TOKEN", func(v string) { cfg.Expo.AccessToken = v })
	override("APNS_KEY_ID", func(v string) { cfg.APNS.KeyID = v })
	override("APNS_TEAM_ID", func(v string) { cfg.APNS.TeamID = v })
	override("APNS_BUNDLE_ID", func(v string) { cfg.APNS.BundleID = v })
	override("APNS_P8_KEY", func(v string) { cfg.APNS.P8Key = v })
	overrideBool("APNS_PRODUCTION", func(b bool) { cfg.APNS.Production = b })
	override("VAPID_PUBLIC_KEY", func(v string) { cfg.Vapid.PublicKey = v })
	override("VAPID_PRIVATE_KEY", func(v string) { cfg.Vapid.PrivateKey = v })
	override("VAPID_SUB_EMAIL", func(v string) { cfg.Vapid.SubscriberEmail = v })

	// Dispatch & broadcast
	overrideInt("DISPATCH_WORKERS", func(n int) { cfg.Dispatch.Workers = n })
	override("DISPATCH_TIMEOUT", func(v string) {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.CallTimeout = d
		}
	})
	override("BROADCAST_SCHEDULE", func(v string) { cfg.Broadcast.Schedule = v })

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendFirestore
	}
	if cfg.FCM.Mode == "" {
		cfg.FCM.Mode = FCMModeHTTP
	}
	if cfg.FCM.ProjectID == "" {
		cfg.FCM.ProjectID = cfg.ProjectID
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	// 3. Final Validation
	// Missing credentials are not fatal here; the affected store or provider reports them per request.
	switch cfg.Store.Backend {
	case BackendFirestore, BackendPostgres, BackendMemory:
	default:
		return nil, fmt.Errorf("unknown token store backend %q (want firestore, postgres or memory)", cfg.Store.Backend)
	}
	switch cfg.FCM.Mode {
	case FCMModeHTTP, FCMModeSDK:
	default:
		return nil, fmt.Errorf("unknown fcm mode %q (want http or sdk)", cfg.FCM.Mode)
	}
	if cfg.PipelineEnabled() && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required when subscription_id is set (set via YAML or PROJECT_ID env var)")
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
