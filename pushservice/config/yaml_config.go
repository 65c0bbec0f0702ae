// --- File: pushservice/config/yaml_config.go ---
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlStoreConfig struct {
	Backend             string `yaml:"backend"`
	FirestoreCollection string `yaml:"firestore_collection"`
	PostgresDSN         string `yaml:"postgres_dsn"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlFCMConfig struct {
	Mode              string `yaml:"mode"`
	ProjectID         string `yaml:"project_id"`
	ServiceAccountB64 string `yaml:"service_account_b64"`
	Endpoint          string `yaml:"endpoint"`
}

type YamlExpoConfig struct {
	Endpoint    string `yaml:"endpoint"`
	AccessToken string `yaml:"access_token"`
}

type YamlAPNSConfig struct {
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	BundleID   string `yaml:"bundle_id"`
	P8Key      string `yaml:"p8_key"`
	Production bool   `yaml:"production"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlDispatchConfig struct {
	Workers     int    `yaml:"workers"`
	CallTimeout string `yaml:"call_timeout"`
}

type YamlBroadcastConfig struct {
	Schedule string `yaml:"schedule"`
	PageSize int    `yaml:"page_size"`
	Title    string `yaml:"title"`
	Body     string `yaml:"body"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string              `yaml:"project_id"`
	ListenAddr             string              `yaml:"listen_addr"`
	IdentityServiceURL     string              `yaml:"identity_service_url"`
	Debug                  bool                `yaml:"debug"`
	TopicID                string              `yaml:"topic_id"`
	SubscriptionID         string              `yaml:"subscription_id"`
	SubscriptionDLQTopicID string              `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                 `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig      `yaml:"cors"`
	StoreConfig            YamlStoreConfig     `yaml:"store"`
	RedisConfig            YamlRedisConfig     `yaml:"redis"`
	FCMConfig              YamlFCMConfig       `yaml:"fcm"`
	ExpoConfig             YamlExpoConfig      `yaml:"expo"`
	APNSConfig             YamlAPNSConfig      `yaml:"apns"`
	VapidConfig            YamlVapidConfig     `yaml:"vapid"`
	DispatchConfig         YamlDispatchConfig  `yaml:"dispatch"`
	BroadcastConfig        YamlBroadcastConfig `yaml:"broadcast"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	redisTTL, err := parseOptionalDuration("redis.ttl", baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, err
	}
	callTimeout, err := parseOptionalDuration("dispatch.call_timeout", baseCfg.DispatchConfig.CallTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		Debug:              baseCfg.Debug,
		TopicID:            baseCfg.TopicID,
		SubscriptionID:     baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Store: StoreConfig{
			Backend:             baseCfg.StoreConfig.Backend,
			FirestoreCollection: baseCfg.StoreConfig.FirestoreCollection,
			PostgresDSN:         baseCfg.StoreConfig.PostgresDSN,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		FCM: FCMConfig{
			Mode:              baseCfg.FCMConfig.Mode,
			ProjectID:         baseCfg.FCMConfig.ProjectID,
			ServiceAccountB64: baseCfg.FCMConfig.ServiceAccountB64,
			Endpoint:          baseCfg.FCMConfig.Endpoint,
		},
		Expo: ExpoConfig{
			Endpoint:    baseCfg.ExpoConfig.Endpoint,
			AccessToken: baseCfg.ExpoConfig.AccessToken,
		},
		APNS: APNSConfig{
			KeyID:      baseCfg.APNSConfig.KeyID,
			TeamID:     baseCfg.APNSConfig.TeamID,
			BundleID:   baseCfg.APNSConfig.BundleID,
			P8Key:      baseCfg.APNSConfig.P8Key,
			Production: baseCfg.APNSConfig.Production,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		Dispatch: DispatchConfig{
			Workers:     baseCfg.DispatchConfig.Workers,
			CallTimeout: callTimeout,
		},
		Broadcast: BroadcastConfig{
			Schedule: baseCfg.BroadcastConfig.Schedule,
			PageSize: baseCfg.BroadcastConfig.PageSize,
			Title:    baseCfg.BroadcastConfig.Title,
			Body:     baseCfg.BroadcastConfig.Body,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"store_backend", cfg.Store.Backend,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}

func parseOptionalDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
