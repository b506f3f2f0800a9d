package bunnyservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"

	"github.com/tinywideclouds/go-bunny-service/bunnyservice/config"
	"github.com/tinywideclouds/go-bunny-service/internal/consumer"
	"github.com/tinywideclouds/go-bunny-service/internal/metrics"
	"github.com/tinywideclouds/go-bunny-service/internal/pipeline"
	"github.com/tinywideclouds/go-bunny-service/pkg/dispatch"
)

// Directory is what the service needs from the directory client.
type Directory interface {
	dispatch.Resolver
	dispatch.ActivityPoster
}

// Dependencies are the clients built by the caller. A nil gateway disables its platform.
type Dependencies struct {
	Directory Directory
	Mobile    dispatch.Gateway
	Android   dispatch.Gateway
	// Registry receives the service metrics. A new registry is used when nil.
	Registry *prometheus.Registry
	// ConsumerOptions are passed to the consumer manager, e.g. a custom dialer.
	ConsumerOptions []consumer.Option
}

type Wrapper struct {
	*microservice.BaseServer
	manager *consumer.Manager
	logger  *slog.Logger
}

// New assembles the service.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Wrapper, error) {
	if deps.Directory == nil {
		return nil, errors.New("a directory client is required")
	}
	if deps.Mobile == nil && deps.Android == nil {
		logger.Warn("No push gateway configured; conversation pushes will only be logged")
	}

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Metrics
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(reg)
	baseServer.Mux().Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// 3. Pipeline
	dispatcher := pipeline.NewDispatcher(deps.Mobile, deps.Android, m, logger)
	router := pipeline.NewRouter(
		cfg.RabbitMQ.PushQueue,
		cfg.RabbitMQ.SocialQueue,
		pipeline.NewPushProcessor(deps.Directory, dispatcher, logger),
		pipeline.NewSocialRelayer(deps.Directory, logger),
		m,
		logger,
	)

	// 4. Consumer, readiness follows the session state
	opts := append([]consumer.Option{
		consumer.WithMetrics(m),
		consumer.OnStateChange(func(s consumer.State) {
			baseServer.SetReady(s == consumer.StateConsuming)
		}),
	}, deps.ConsumerOptions...)

	manager := consumer.NewManager(consumer.Config{
		URL:         cfg.RabbitMQ.URL,
		PushQueue:   cfg.RabbitMQ.PushQueue,
		SocialQueue: cfg.RabbitMQ.SocialQueue,
		Prefetch:    cfg.RabbitMQ.Prefetch,
	}, router, logger, opts...)

	return &Wrapper{
		BaseServer: baseServer,
		manager:    manager,
		logger:     logger,
	}, nil
}

// Start runs the consumer in the background and blocks serving HTTP.
// The service reports ready only while both queues are being consumed.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Broker consumer starting...")
	go func() {
		if err := w.manager.Run(ctx); err != nil {
			w.logger.Error("Broker consumer stopped", "err", err)
		}
	}()
	return w.BaseServer.Start()
}

// ConsumerState reports the broker session state.
func (w *Wrapper) ConsumerState() consumer.State {
	return w.manager.State()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.manager.Stop(ctx); err != nil {
		w.logger.Error("Broker consumer shutdown failed.", "err", err)
		finalErr = fmt.Errorf("consumer: %w", err)
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
