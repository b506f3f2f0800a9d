package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tinywideclouds/go-bunny-service/pkg/scope"
)

const (
	DefaultPushQueue   = "push"
	DefaultSocialQueue = "twitter"
)

type RabbitConfig struct {
	// Server is the broker host, used to build URL when URL is empty.
	Server      string
	URL         string
	PushQueue   string
	SocialQueue string
	Prefetch    int
}

type ScopeConfig struct {
	Server          string
	OAuthServer     string
	ConfigDirectory string
}

type PushConfig struct {
	CertificateFile     string
	CertificatePassword string
	BundleID            string
	Sandbox             bool

	AndroidCredentialsFile string
	AndroidCollapseKey     string
}

// MobileEnabled reports whether an APNs certificate is configured.
func (p PushConfig) MobileEnabled() bool { return p.CertificateFile != "" }

// AndroidEnabled reports whether FCM credentials are configured.
func (p PushConfig) AndroidEnabled() bool { return p.AndroidCredentialsFile != "" }

// Config defines the *single*, authoritative configuration.
type Config struct {
	ListenAddr string
	RabbitMQ   RabbitConfig
	// Scopes is keyed by scope name, e.g. "max_default".
	Scopes map[string]ScopeConfig
	Push   PushConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("RABBITMQ_SERVER"); val != "" {
		logger.Debug("Overriding config value", "key", "RABBITMQ_SERVER", "source", "env")
		cfg.RabbitMQ.Server = val
	}
	if val := os.Getenv("RABBITMQ_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "RABBITMQ_URL", "source", "env")
		cfg.RabbitMQ.URL = val
	}
	if val := os.Getenv("RABBITMQ_PREFETCH"); val != "" {
		if prefetch, err := strconv.Atoi(val); err == nil && prefetch >= 0 {
			logger.Debug("Overriding config value", "key", "RABBITMQ_PREFETCH", "source", "env")
			cfg.RabbitMQ.Prefetch = prefetch
		}
	}

	// Push Overrides
	if val := os.Getenv("APNS_CERTIFICATE_FILE"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_CERTIFICATE_FILE", "source", "env")
		cfg.Push.CertificateFile = val
	}
	if val := os.Getenv("APNS_CERTIFICATE_PASSWORD"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_CERTIFICATE_PASSWORD", "source", "env")
		cfg.Push.CertificatePassword = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_BUNDLE_ID", "source", "env")
		cfg.Push.BundleID = val
	}
	if val := os.Getenv("APNS_SANDBOX"); val != "" {
		sandbox, _ := strconv.ParseBool(val)
		cfg.Push.Sandbox = sandbox
	}
	if val := os.Getenv("FCM_CREDENTIALS_FILE"); val != "" {
		logger.Debug("Overriding config value", "key", "FCM_CREDENTIALS_FILE", "source", "env")
		cfg.Push.AndroidCredentialsFile = val
	}
	if val := os.Getenv("FCM_COLLAPSE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "FCM_COLLAPSE_KEY", "source", "env")
		cfg.Push.AndroidCollapseKey = val
	}

	// 2. Final Validation
	if cfg.RabbitMQ.URL == "" {
		if cfg.RabbitMQ.Server == "" {
			return nil, fmt.Errorf("rabbitmq.server is required (set via YAML or RABBITMQ_SERVER env var)")
		}
		cfg.RabbitMQ.URL = fmt.Sprintf("amqp://guest:guest@%s:5672/%%2F", cfg.RabbitMQ.Server)
	}
	if _, err := amqp.ParseURI(cfg.RabbitMQ.URL); err != nil {
		return nil, fmt.Errorf("invalid rabbitmq url: %w", err)
	}
	if cfg.RabbitMQ.PushQueue == "" {
		cfg.RabbitMQ.PushQueue = DefaultPushQueue
	}
	if cfg.RabbitMQ.SocialQueue == "" {
		cfg.RabbitMQ.SocialQueue = DefaultSocialQueue
	}
	if cfg.RabbitMQ.PushQueue == cfg.RabbitMQ.SocialQueue {
		return nil, fmt.Errorf("push and social queues must differ, both are %q", cfg.RabbitMQ.PushQueue)
	}

	if len(cfg.Scopes) == 0 {
		return nil, fmt.Errorf("at least one scope is required under scopes")
	}
	for name, s := range cfg.Scopes {
		if !strings.HasPrefix(name, scope.Prefix) || name == scope.Prefix {
			return nil, fmt.Errorf("scope %q must be named %s<server_id>", name, scope.Prefix)
		}
		if s.Server == "" {
			return nil, fmt.Errorf("scope %q: server is required", name)
		}
		if s.ConfigDirectory == "" {
			return nil, fmt.Errorf("scope %q: config_directory is required", name)
		}
	}

	if cfg.Push.MobileEnabled() && cfg.Push.BundleID == "" {
		return nil, fmt.Errorf("push.bundle_id is required when an APNs certificate is configured")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
