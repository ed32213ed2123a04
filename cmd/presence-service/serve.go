package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"presenceapi/internal/auth"
	"presenceapi/internal/config"
	"presenceapi/internal/fanout"
	"presenceapi/internal/handlers"
	"presenceapi/internal/logging"
	"presenceapi/internal/metrics"
	"presenceapi/internal/natsutil"
	"presenceapi/internal/service"
	"presenceapi/internal/transport/ws"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Start the presence service",
	Long:         `Start the presence service. Settings come from flags, environment variables (optionally from a .env file) and an optional config file.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// flagKeys maps command line flags onto config keys
var flagKeys = map[string]string{
	"config":        "config_file",
	"port":          "service.port",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
	"cache-backend": "cache.backend",
	"nats-url":      "nats.server_url",
	"embedded-nats": "nats.embedded",
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "path to a yaml/json/toml config file")
	f.Int("port", 8080, "HTTP listen port")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "json", "log format (json, console)")
	f.String("cache-backend", "memory", "cache backend (memory, ristretto, redis, nats)")
	f.String("nats-url", "", "NATS server URL when not embedded")
	f.Bool("embedded-nats", true, "run an embedded NATS server")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	// A missing .env file is fine
	_ = godotenv.Load()

	v := config.NewViper()
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return config.FromViper(v)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging, cfg.Service.Name)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.Logger.With(zap.String("node_id", cfg.Service.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS carries both the upstream gateway traffic and the optional KV cache
	var ns *server.Server
	url := cfg.NATS.ServerURL
	if cfg.NATS.Embedded {
		startTimeout, _ := cfg.NATS.GetStartTimeout()
		ns, err = natsutil.StartEmbedded(natsutil.EmbeddedConfig{
			JetStream:          true,
			DataDir:            cfg.NATS.DataDir,
			JetStreamMaxMemory: cfg.NATS.JetStreamMaxMemory,
			JetStreamMaxStore:  cfg.NATS.JetStreamMaxStore,
			StartTimeout:       startTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		defer natsutil.Shutdown(ns)
		url = ns.ClientURL()
	}
	if url == "" {
		return errors.New("nats server url is required when embedded nats is disabled")
	}
	conn, err := natsutil.Connect(url, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer conn.Close()

	registry := fanout.NewRegistry()
	svc, err := service.NewServiceBuilder(cfg, logger).
		WithConn(conn).
		WithRegistry(registry).
		Build()
	if err != nil {
		return fmt.Errorf("service build: %w", err)
	}
	defer svc.Close()

	writeWait, pongWait, pingPeriod := cfg.WebSocket.Durations()
	socket := ws.NewServer(registry, svc, ws.Config{
		SendBuffer:       cfg.WebSocket.SendBuffer,
		MaxSubscriptions: cfg.WebSocket.MaxSubscriptions,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		WriteWait:        writeWait,
		PongWait:         pongWait,
		PingPeriod:       pingPeriod,
		AllowedOrigins:   cfg.CORS.Origins(),
	}, logger)

	routerCfg := handlers.RouterConfig{
		Service:   svc,
		Readiness: svc,
		Info: handlers.ServiceInfo{
			Name:    cfg.Service.Name,
			Version: Version,
			NodeID:  cfg.Service.NodeID,
		},
		CORS:     handlers.NewCORSConfig(cfg.CORS),
		Socket:   socket,
		LogLevel: log.LevelHandler(),
		Logger:   logger,
	}
	if sizer, ok := svc.Store().(metrics.CacheSizer); ok {
		routerCfg.Sizer = sizer
	}
	if cfg.Auth.JWTSecret != "" {
		routerCfg.Admin = auth.NewJWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	} else {
		logger.Info("JWT_SECRET not set, admin routes disabled")
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.Port),
		Handler:           handlers.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting presence-service", zap.String("addr", srv.Addr), zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := svc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		timeout, _ := cfg.Service.GetShutdownTimeout()
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server exited properly")
	return nil
}
