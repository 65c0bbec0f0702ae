// --- File: pushservice/config/yaml_config_test.go ---
package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-registry/pushservice/config"
)

const sampleYaml = `
project_id: yaml-project
listen_addr: ":9000"
subscription_id: yaml-subscription
subscription_dlq_topic_id: yaml-dlq
num_pipeline_workers: 5
cors:
  allowed_origins: ["http://yaml.com"]
  role: editor
store:
  backend: postgres
  postgres_dsn: postgres://localhost/plants
redis:
  enabled: true
  addr: localhost:6379
  ttl: 1h
fcm:
  mode: sdk
  project_id: fcm-project
apns:
  bundle_id: com.plantmarket.app
  production: true
vapid:
  public_key: yaml-public-key
  private_key: yaml-private-key
  subscriber_email: yaml@test.com
dispatch:
  workers: 8
  call_timeout: 5s
broadcast:
  schedule: "@daily"
  page_size: 50
  title: Water your plants
  body: Your plants are thirsty
`

func TestNewConfigFromYaml(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal([]byte(sampleYaml), &yamlCfg))

		cfg, err := config.NewConfigFromYaml(&yamlCfg, logger)

		require.NoError(t, err)
		require.NotNil(t, cfg)

		// 1. Direct Field Mapping
		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.Equal(t, "yaml-subscription", cfg.SubscriptionID)
		assert.Equal(t, "yaml-dlq", cfg.SubscriptionDLQTopicID)
		assert.Equal(t, 5, cfg.NumPipelineWorkers)

		// 2. CORS
		assert.Equal(t, []string{"http://yaml.com"}, cfg.CorsConfig.AllowedOrigins)
		assert.Equal(t, middleware.CorsRoleEditor, cfg.CorsConfig.Role)

		// 3. Store and cache
		assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
		assert.Equal(t, "postgres://localhost/plants", cfg.Store.PostgresDSN)
		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, time.Hour, cfg.Redis.TTL)

		// 4. Providers
		assert.Equal(t, config.FCMModeSDK, cfg.FCM.Mode)
		assert.Equal(t, "fcm-project", cfg.FCM.ProjectID)
		assert.Equal(t, "com.plantmarket.app", cfg.APNS.BundleID)
		assert.True(t, cfg.APNS.Production)
		assert.Equal(t, "yaml-public-key", cfg.Vapid.PublicKey)
		assert.Equal(t, "yaml-private-key", cfg.Vapid.PrivateKey)
		assert.Equal(t, "yaml@test.com", cfg.Vapid.SubscriberEmail)

		// 5. Dispatch and broadcast
		assert.Equal(t, 8, cfg.Dispatch.Workers)
		assert.Equal(t, 5*time.Second, cfg.Dispatch.CallTimeout)
		assert.Equal(t, "@daily", cfg.Broadcast.Schedule)
		assert.Equal(t, 50, cfg.Broadcast.PageSize)

		assert.NotNil(t, cfg.PubsubConsumerConfig)
	})

	t.Run("Success - Handles missing optional fields gracefully", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{ProjectID: "minimal-project"}

		cfg, err := config.NewConfigFromYaml(yamlCfg, logger)

		require.NoError(t, err)
		assert.Equal(t, "minimal-project", cfg.ProjectID)
		assert.Equal(t, 0, cfg.NumPipelineWorkers)
		assert.Empty(t, cfg.ListenAddr)
		assert.Empty(t, cfg.Vapid.PublicKey)
		assert.Nil(t, cfg.PubsubConsumerConfig)
	})

	t.Run("Failure - Bad duration", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{DispatchConfig: config.YamlDispatchConfig{CallTimeout: "soon"}}

		_, err := config.NewConfigFromYaml(yamlCfg, logger)

		assert.ErrorContains(t, err, "dispatch.call_timeout")
	})
}
