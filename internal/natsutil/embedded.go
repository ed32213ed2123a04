// Package natsutil starts an in-process NATS server so the service can run
// without an external broker.
package natsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EmbeddedConfig holds settings for the embedded server
type EmbeddedConfig struct {
	Host               string
	Port               int // -1 picks a random port
	JetStream          bool
	DataDir            string
	JetStreamMaxMemory int64
	JetStreamMaxStore  int64
	StartTimeout       time.Duration
}

// StartEmbedded starts a NATS server and waits until it accepts connections
func StartEmbedded(cfg EmbeddedConfig, logger *zap.Logger) (*server.Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = -1
	}

	opts := &server.Options{
		Host:       host,
		Port:       port,
		JetStream:  cfg.JetStream,
		ServerName: fmt.Sprintf("presenceapi-%d", time.Now().UnixNano()),
		NoSigs:     true,
	}

	if cfg.JetStream {
		opts.JetStreamMaxMemory = cfg.JetStreamMaxMemory
		if opts.JetStreamMaxMemory == 0 {
			opts.JetStreamMaxMemory = 32 * 1024 * 1024
		}
		opts.JetStreamMaxStore = cfg.JetStreamMaxStore
		if opts.JetStreamMaxStore == 0 {
			opts.JetStreamMaxStore = 256 * 1024 * 1024
		}
		if cfg.DataDir != "" {
			if err := ensureDirectory(cfg.DataDir); err != nil {
				return nil, fmt.Errorf("failed to ensure data directory: %w", err)
			}
			opts.StoreDir = cfg.DataDir
		} else {
			dir, err := os.MkdirTemp("", "presenceapi-nats-")
			if err != nil {
				return nil, fmt.Errorf("failed to create temp store dir: %w", err)
			}
			opts.StoreDir = dir
		}
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	go ns.Start()

	timeout := cfg.StartTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	logger.Info("embedded nats starting",
		zap.Bool("jetstream", cfg.JetStream),
		zap.String("store_dir", opts.StoreDir),
		zap.Duration("timeout", timeout))

	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("server failed to start within %v", timeout)
	}

	logger.Info("embedded nats started", zap.String("url", ns.ClientURL()))
	return ns, nil
}

// Shutdown stops the server and waits for it to exit
func Shutdown(ns *server.Server) {
	if ns == nil {
		return
	}
	ns.Shutdown()
	ns.WaitForShutdown()
}

// ensureDirectory creates the directory if it doesn't exist and verifies it's writable
func ensureDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	testFile := filepath.Join(dir, ".write-test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	f.Close()
	os.Remove(testFile)

	return nil
}

// Connect dials a NATS server, retrying in the background when it is not yet reachable
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("presenceapi"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}
