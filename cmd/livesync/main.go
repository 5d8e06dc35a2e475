package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/casebuilder/livesync/internal/httpapi"
	"github.com/casebuilder/livesync/internal/relay"
)

func main() {
	_ = godotenv.Load()

	cfg := relay.DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("LIVE_SYNC_CONFIG")); path != "" {
		loaded, err := relay.LoadConfig(path)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load config file")
		}
		cfg = loaded
	}
	applyEnvOverrides(&cfg)
	logger := newLogger(cfg.Logging.Level)

	backend, err := buildStateBackend(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize state backend")
	}
	store := relay.NewStoreWithOptions(relay.StoreOptions{
		StateBackend: backend,
		StateFile:    cfg.StateFile,
		Logger:       logger,
	})
	defer store.Close()

	if cfg.StateDSN == "" {
		watcher, err := relay.WatchStateFile(cfg.StateFile, store, logger)
		if err != nil {
			logger.WithError(err).Warn("state file watcher unavailable, out-of-band edits need a restart")
		} else {
			defer watcher.Close()
		}
	}

	hub := httpapi.NewHub(logger)
	var mirrors []httpapi.Broadcaster
	if cfg.NATS.URL != "" {
		mirror, err := relay.NewNATSMirror(cfg.NATS, logger)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect NATS mirror")
		}
		defer mirror.Close()
		mirrors = append(mirrors, mirror)
	}

	server := httpapi.NewServerWithConfig(store, hub, httpapi.ServerConfig{
		CaseIDField:  cfg.CaseIDField,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	}, mirrors...)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		logger.Infof("live-sync relay listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	hub.Shutdown()
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func buildStateBackend(cfg relay.Config) (relay.StateBackend, error) {
	if cfg.StateDSN != "" {
		return relay.BuildStateBackendFromDSN(cfg.StateDSN)
	}
	// nil lets the store fall back to the flat-file backend at StateFile.
	return nil, nil
}

func applyEnvOverrides(cfg *relay.Config) {
	cfg.Port = intEnv("LIVE_SYNC_PORT", cfg.Port)
	cfg.StateFile = strEnv("LIVE_SYNC_STATE_FILE", cfg.StateFile)
	cfg.StateDSN = strEnv("LIVE_SYNC_STATE_DSN", cfg.StateDSN)
	cfg.CaseIDField = strEnv("LIVE_SYNC_CASE_ID_FIELD", cfg.CaseIDField)
	cfg.MaxBodyBytes = int64Env("LIVE_SYNC_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.NATS.URL = strEnv("LIVE_SYNC_NATS_URL", cfg.NATS.URL)
	cfg.NATS.Subject = strEnv("LIVE_SYNC_NATS_SUBJECT", cfg.NATS.Subject)
	cfg.NATS.ReconnectWait = durationEnv("LIVE_SYNC_NATS_RECONNECT_WAIT", cfg.NATS.ReconnectWait)
	cfg.Logging.Level = strEnv("LIVE_SYNC_LOG_LEVEL", cfg.Logging.Level)
}

func strEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logrus.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
