// Package logging builds the service's zap logger.
package logging

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"presenceapi/internal/config"
	"presenceapi/internal/metrics"
)

// Logger is a zap logger with a level that can change at runtime
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
	file  *lumberjack.Logger
}

// New builds a logger from cfg writing to stderr and, when cfg.File is set,
// to a rotated file.
func New(cfg config.LoggingConfig, service string) (*Logger, error) {
	return newLogger(cfg, service, os.Stderr)
}

func newLogger(cfg config.LoggingConfig, service string, out io.Writer) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	syncers := []zapcore.WriteSyncer{zapcore.AddSync(out)}
	l := &Logger{level: level}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		syncers = append(syncers, zapcore.AddSync(l.file))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(syncers...), level)
	l.Logger = zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Hooks(countEntry),
	)
	if service != "" {
		l.Logger = l.Logger.With(zap.String("service", service))
	}
	return l, nil
}

func countEntry(e zapcore.Entry) error {
	metrics.ObserveLog(e.Level.String())
	return nil
}

// ParseLevel accepts debug, info, warn, error and an empty string for info
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zap.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return lvl, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// Level returns the current level name
func (l *Logger) Level() string { return l.level.Level().String() }

// SetLevel changes the level of every logger derived from l
func (l *Logger) SetLevel(s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// LevelHandler serves GET (current level) and PUT ?v=<level> for /log/level
func (l *Logger) LevelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut, http.MethodPost:
			v := r.URL.Query().Get("v")
			if v == "" {
				v = r.FormValue("v")
			}
			if err := l.SetLevel(v); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			l.Info("log level changed", zap.String("level", l.Level()))
		default:
			w.Header().Set("Allow", "GET, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(l.Level()))
	}
}

// Close flushes buffered entries and closes the rotated file
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
