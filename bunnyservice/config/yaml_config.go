package config

import (
	"log/slog"
)

type YamlRabbitConfig struct {
	Server      string `yaml:"server"`
	URL         string `yaml:"url"`
	PushQueue   string `yaml:"push_queue"`
	SocialQueue string `yaml:"social_queue"`
	Prefetch    int    `yaml:"prefetch"`
}

type YamlScopeConfig struct {
	Server          string `yaml:"server"`
	OAuthServer     string `yaml:"oauth_server"`
	ConfigDirectory string `yaml:"config_directory"`
}

type YamlPushConfig struct {
	CertificateFile        string `yaml:"certificate_file"`
	CertificatePassword    string `yaml:"certificate_password"`
	BundleID               string `yaml:"bundle_id"`
	Sandbox                bool   `yaml:"sandbox"`
	AndroidCredentialsFile string `yaml:"android_credentials_file"`
	AndroidCollapseKey     string `yaml:"android_collapse_key"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ListenAddr string                     `yaml:"listen_addr"`
	RabbitMQ   YamlRabbitConfig           `yaml:"rabbitmq"`
	Scopes     map[string]YamlScopeConfig `yaml:"scopes"`
	Push       YamlPushConfig             `yaml:"push"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ListenAddr: baseCfg.ListenAddr,
		RabbitMQ: RabbitConfig{
			Server:      baseCfg.RabbitMQ.Server,
			URL:         baseCfg.RabbitMQ.URL,
			PushQueue:   baseCfg.RabbitMQ.PushQueue,
			SocialQueue: baseCfg.RabbitMQ.SocialQueue,
			Prefetch:    baseCfg.RabbitMQ.Prefetch,
		},
		Scopes: make(map[string]ScopeConfig, len(baseCfg.Scopes)),
		Push: PushConfig{
			CertificateFile:        baseCfg.Push.CertificateFile,
			CertificatePassword:    baseCfg.Push.CertificatePassword,
			BundleID:               baseCfg.Push.BundleID,
			Sandbox:                baseCfg.Push.Sandbox,
			AndroidCredentialsFile: baseCfg.Push.AndroidCredentialsFile,
			AndroidCollapseKey:     baseCfg.Push.AndroidCollapseKey,
		},
	}
	for name, s := range baseCfg.Scopes {
		cfg.Scopes[name] = ScopeConfig{
			Server:          s.Server,
			OAuthServer:     s.OAuthServer,
			ConfigDirectory: s.ConfigDirectory,
		}
	}

	logger.Debug("YAML config mapping complete",
		"listen_addr", cfg.ListenAddr,
		"rabbitmq_server", cfg.RabbitMQ.Server,
		"scopes", len(cfg.Scopes),
	)

	return cfg, nil
}
