package main

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/spf13/pflag"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-bunny-service/bunnyservice"
	"github.com/tinywideclouds/go-bunny-service/bunnyservice/config"
	"github.com/tinywideclouds/go-bunny-service/internal/directory"
	"github.com/tinywideclouds/go-bunny-service/internal/platform/apns"
	"github.com/tinywideclouds/go-bunny-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML configuration file (defaults to the embedded local.yaml)")
	pflag.Parse()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-bunny-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	raw := configFile
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Error("Failed to read config file", "path", *configPath, "err", err)
			os.Exit(1)
		}
		raw = data
	}
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Directory credentials, required before consuming anything ---
	scopes, err := config.LoadScopes(cfg.Scopes, logger)
	if err != nil {
		logger.Error("Unable to load directory settings", "err", err)
		os.Exit(1)
	}
	logger.Info("Directory scopes loaded", "scopes", scopes.Names())

	dir := directory.NewClient(scopes, logger)

	// --- Gateways ---

	// A. Mobile (APNs)
	var mobile dispatch.Gateway
	if cfg.Push.MobileEnabled() {
		apnsDispatcher, err := apns.NewDispatcher(apns.Config{
			CertificateFile:     cfg.Push.CertificateFile,
			CertificatePassword: cfg.Push.CertificatePassword,
			BundleID:            cfg.Push.BundleID,
			Sandbox:             cfg.Push.Sandbox,
		}, logger)
		if err != nil {
			logger.Error("Failed to initialize APNs client", "err", err)
			os.Exit(1)
		}
		mobile = apnsDispatcher
		logger.Info("Mobile push enabled", "bundle_id", cfg.Push.BundleID, "sandbox", cfg.Push.Sandbox)
	} else {
		logger.Warn("No APNs certificate configured. Mobile push is disabled.")
	}

	// B. Android (FCM)
	var android dispatch.Gateway
	if cfg.Push.AndroidEnabled() {
		fbApp, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.Push.AndroidCredentialsFile))
		if err != nil {
			logger.Error("Failed to initialize Firebase App", "err", err)
			os.Exit(1)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			logger.Error("Failed to create FCM messaging client", "err", err)
			os.Exit(1)
		}
		android = fcm.NewDispatcher(fcmMessaging, cfg.Push.AndroidCollapseKey, logger)
		logger.Info("Android push enabled")
	} else {
		logger.Warn("No FCM credentials configured. Android push is disabled.")
	}

	// --- Service ---
	service, err := bunnyservice.New(cfg, bunnyservice.Dependencies{
		Directory: dir,
		Mobile:    mobile,
		Android:   android,
	}, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "listen_addr", cfg.ListenAddr)
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
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "err", err)
		os.Exit(1)
	}
}
