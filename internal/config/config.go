// Package config loads the service configuration from YAML with environment
// overrides for secrets and deploy-specific values.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// DatabaseURL selects the Postgres store; empty falls back to the
	// in-memory store for local runs.
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	AMQPURL       string `yaml:"amqpURL"`

	TokenSecret   string `yaml:"tokenSecret"`
	TokenTTLHours int    `yaml:"tokenTTLHours"`

	OpenRouterAPIKey  string `yaml:"openRouterAPIKey"`
	OpenRouterBaseURL string `yaml:"openRouterBaseURL"`
	OpenRouterModel   string `yaml:"openRouterModel"`
	SystemPrompt      string `yaml:"systemPrompt"`

	StripeSecretKey     string `yaml:"stripeSecretKey"`
	StripeWebhookSecret string `yaml:"stripeWebhookSecret"`

	MinioEndpoint      string `yaml:"minioEndpoint"`
	MinioAccessKey     string `yaml:"minioAccessKey"`
	MinioSecretKey     string `yaml:"minioSecretKey"`
	MinioBucket        string `yaml:"minioBucket"`
	MinioUseSSL        bool   `yaml:"minioUseSSL"`
	MinioPublicBaseURL string `yaml:"minioPublicBaseURL"`

	LiveKitAPIKey    string `yaml:"livekitAPIKey"`
	LiveKitAPISecret string `yaml:"livekitAPISecret"`
	LiveKitWSURL     string `yaml:"livekitWSURL"`

	RegisterRateLimitPerMinute int `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute    int `yaml:"loginRateLimitPerMinute"`
	ChatRateLimitPerMinute     int `yaml:"chatRateLimitPerMinute"`

	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`
	AllowedOrigins    []string `yaml:"allowedOrigins"`
	TrustedProxies    []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	overrides := []struct {
		env    string
		target *string
	}{
		{"PORT", &cfg.Port},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"AMQP_URL", &cfg.AMQPURL},
		{"TOKEN_SECRET", &cfg.TokenSecret},
		{"OPENROUTER_API_KEY", &cfg.OpenRouterAPIKey},
		{"OPENROUTER_MODEL", &cfg.OpenRouterModel},
		{"STRIPE_SECRET_KEY", &cfg.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", &cfg.StripeWebhookSecret},
		{"MINIO_ENDPOINT", &cfg.MinioEndpoint},
		{"MINIO_ACCESS_KEY", &cfg.MinioAccessKey},
		{"MINIO_SECRET_KEY", &cfg.MinioSecretKey},
		{"LIVEKIT_API_KEY", &cfg.LiveKitAPIKey},
		{"LIVEKIT_API_SECRET", &cfg.LiveKitAPISecret},
		{"LIVEKIT_WS_URL", &cfg.LiveKitWSURL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.TokenSecret == "" {
		return errors.New("config: tokenSecret is required (set in config.yaml or TOKEN_SECRET)")
	}
	if cfg.OpenRouterAPIKey == "" {
		return errors.New("config: openRouterAPIKey is required (set in config.yaml or OPENROUTER_API_KEY)")
	}
	if cfg.OpenRouterModel == "" {
		return errors.New("config: openRouterModel is required (set in config.yaml)")
	}
	if cfg.StripeSecretKey != "" && cfg.StripeWebhookSecret == "" {
		return errors.New("config: stripeWebhookSecret is required when stripeSecretKey is set")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	if cfg.LiveKitAPIKey != "" && cfg.LiveKitAPISecret == "" {
		return errors.New("config: livekitAPISecret is required when livekitAPIKey is set")
	}
	return nil
}
