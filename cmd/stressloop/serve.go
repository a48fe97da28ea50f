package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/stressloop/internal/api"
	"github.com/miradorstack/stressloop/internal/cache"
	"github.com/miradorstack/stressloop/internal/classifier"
	"github.com/miradorstack/stressloop/internal/config"
	"github.com/miradorstack/stressloop/internal/controller"
	"github.com/miradorstack/stressloop/internal/engine"
	"github.com/miradorstack/stressloop/internal/metrics"
	"github.com/miradorstack/stressloop/internal/notify"
	"github.com/miradorstack/stressloop/internal/registry"
	"github.com/miradorstack/stressloop/internal/repo"
	"github.com/miradorstack/stressloop/internal/services"
	"github.com/miradorstack/stressloop/internal/utils"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC, REST and metrics servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting stressloop",
		slog.String("grpc_address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("store", cfg.Store.Driver))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, eventWriter, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cls, err := classifier.New(classifier.Options{
		ModelPath:     cfg.Classifier.ModelPath,
		RemoteURL:     cfg.Classifier.RemoteURL,
		RemoteTimeout: cfg.Classifier.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	bounds := controller.Bounds{Min: cfg.Pipeline.MinDifficulty, Max: cfg.Pipeline.MaxDifficulty}
	reg := registry.New(registry.Options{
		Gains: controller.Gains{
			Target: cfg.Pipeline.Target,
			Kp:     cfg.Pipeline.Kp,
			Ki:     cfg.Pipeline.Ki,
			Kd:     cfg.Pipeline.Kd,
		},
		Bounds:            bounds,
		InitialDifficulty: cfg.Pipeline.InitialDifficulty,
	})

	hub := notify.NewHub(cfg.Notify.SubscriberBuffer)
	sinks := []notify.Sink{hub}
	if cfg.Notify.MQTT.Broker != "" {
		client, err := notify.ConnectMQTT(notify.MQTTConfig{
			Broker:      cfg.Notify.MQTT.Broker,
			ClientID:    cfg.Notify.MQTT.ClientID,
			Username:    cfg.Notify.MQTT.Username,
			Password:    cfg.Notify.MQTT.Password,
			QoS:         byte(cfg.Notify.MQTT.QoS),
			TopicPrefix: cfg.Notify.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Warn("mqtt sink unavailable", slog.Any("error", err))
		} else {
			defer client.Disconnect(250)
			sinks = append(sinks, notify.NewMQTTSink(client, cfg.Notify.MQTT.TopicPrefix, byte(cfg.Notify.MQTT.QoS)))
		}
	}
	notifier := notify.NewNotifier(notify.Options{QueueSize: cfg.Notify.QueueSize, Logger: logger}, sinks...)
	eventLog := repo.NewAsyncEventLog(eventWriter, cfg.EventLog.QueueSize, logger)

	pipeline := engine.NewPipeline(
		engine.Config{Alpha: cfg.Pipeline.Alpha, Bounds: bounds},
		logger,
		cls,
		store,
		reg,
		notifier,
		eventLog,
	)
	feedback := services.NewFeedbackService(logger, store, reg, pipeline, hub, eventLog)

	grpcServer, err := api.NewServer(cfg.Server, feedback)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var httpServers []*http.Server
	if cfg.Server.HTTPAddress != "" {
		router := api.NewRouter(api.RouterOptions{
			Service:  feedback,
			Pipeline: pipeline,
			Hub:      hub,
			Metrics:  promhttp.Handler(),
			Logger:   logger,
		})
		httpServers = append(httpServers, startHTTP(logger, stop, "rest", cfg.Server.HTTPAddress, router))
	}
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpServers = append(httpServers, startHTTP(logger, stop, "metrics", cfg.Server.MetricsAddress, mux))
	}

	go func() {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		if serveErr := grpcServer.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grpcServer.GracefulTimeout())
	defer cancel()
	for _, srv := range httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.String("address", srv.Addr), slog.Any("error", err))
		}
	}
	grpcServer.Shutdown(shutdownCtx)

	// Drain queued notifications and events before the store goes away.
	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Warn("notifier drain incomplete", slog.Any("error", err))
	}
	if err := eventLog.Close(shutdownCtx); err != nil {
		logger.Warn("event log drain incomplete", slog.Any("error", err))
	}
	logger.Info("stressloop stopped")
	return nil
}

func startHTTP(logger *slog.Logger, stop context.CancelFunc, name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening", slog.String("name", name), slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", slog.String("name", name), slog.Any("error", err))
			stop()
		}
	}()
	return srv
}

// openStore selects the session store and the durable event writer.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.SessionStore, repo.EventWriter, error) {
	opts := repo.Options{SessionTTL: cfg.Pipeline.SessionTTL}

	switch cfg.Store.Driver {
	case config.DriverValkey:
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			MaxIdle:      cfg.Cache.MaxIdle,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect valkey: %w", err)
		}
		return repo.NewValkeyStore(provider, opts), repo.NewLogEventSink(logger), nil

	case config.DriverPostgres:
		db, err := repo.OpenPostgres(cfg.Store.PostgresDSN, cfg.Store.MaxOpenConns, logger)
		if err != nil {
			return nil, nil, err
		}
		store := repo.NewGormStore(db, opts)
		if cfg.Store.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, nil, err
			}
		}
		return store, store, nil

	default:
		return repo.NewMemoryStore(opts), repo.NewLogEventSink(logger), nil
	}
}
