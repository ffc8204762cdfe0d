package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micro-ha/indego-sync/internal/config"
	httpapi "github.com/micro-ha/indego-sync/internal/http"
	"github.com/micro-ha/indego-sync/internal/http/handlers"
	"github.com/micro-ha/indego-sync/internal/indego"
	"github.com/micro-ha/indego-sync/internal/logging"
	"github.com/micro-ha/indego-sync/internal/mqtt"
	"github.com/micro-ha/indego-sync/internal/publish"
	"github.com/micro-ha/indego-sync/internal/ratelimit"
	"github.com/micro-ha/indego-sync/internal/retry"
	"github.com/micro-ha/indego-sync/internal/session"
	"github.com/micro-ha/indego-sync/internal/storage"
	"github.com/micro-ha/indego-sync/internal/telemetry"
	"github.com/micro-ha/indego-sync/internal/token"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New(slog.LevelInfo).Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}
	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()
	repo.SetHistoryLimit(cfg.HistoryLimit)

	tokens, err := newTokenScheduler(ctx, cfg.Auth, repo, logger)
	if err != nil {
		logger.Error("failed to initialize token provider", "err", err)
		os.Exit(1)
	}
	go tokens.Run(ctx)

	client, err := indego.NewClient(indego.Config{
		BaseURL:   cfg.Cloud.BaseURL,
		UserAgent: cfg.Cloud.UserAgent,
		Timeout:   cfg.Cloud.RequestTimeout,
	}, tokens, logger.With("component", "indego"))
	if err != nil {
		logger.Error("failed to initialize cloud client", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	serials := cfg.Serials
	if len(serials) == 0 {
		serials, err = discoverSerials(ctx, client)
		if err != nil {
			logger.Error("mower discovery failed", "err", err)
			os.Exit(1)
		}
		logger.Info("discovered mowers", "count", len(serials))
	}
	if len(serials) == 0 {
		logger.Error("no mowers configured or registered on the account")
		os.Exit(1)
	}

	hub := handlers.NewHub(logger.With("component", "websocket"))
	defer hub.Close()
	sinks := []publish.Sink{repo, hub}

	if cfg.MQTT.Enabled() {
		mqttSink, err := mqtt.Connect(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, logger.With("component", "mqtt"))
		if err != nil {
			logger.Warn("mqtt publishing disabled", "err", err)
		} else {
			defer mqttSink.Close()
			sinks = append(sinks, mqttSink)
		}
	}
	if cfg.Influx.Enabled() {
		influxSink, err := telemetry.Connect(ctx, telemetry.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger.With("component", "influxdb"))
		if err != nil {
			logger.Warn("influxdb telemetry disabled", "err", err)
		} else {
			defer influxSink.Close()
			sinks = append(sinks, influxSink)
		}
	}

	sessions := make([]*session.Session, 0, len(serials))
	mowers := make([]handlers.Mower, 0, len(serials))
	for _, serial := range serials {
		s, err := session.New(sessionConfig(serial, cfg.Tuning), session.Deps{
			API:    client,
			Auth:   tokens,
			Logger: logger,
			Store:  repo,
			Sinks:  sinks,
		})
		if err != nil {
			logger.Error("failed to create session", "serial", serial, "err", err)
			os.Exit(1)
		}
		if err := s.Start(ctx); err != nil {
			logger.Error("failed to start session", "serial", serial, "err", err)
			os.Exit(1)
		}
		sessions = append(sessions, s)
		mowers = append(mowers, s)
	}

	api := handlers.New(mowers, repo, repo, hub, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(api),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Forced state reads may wait for a long poll.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr, "mowers", len(sessions))
	serveErr := httpapi.RunServer(ctx, httpServer, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range sessions {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session shutdown incomplete", "serial", s.Serial(), "err", err)
		}
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("server terminated with error", "err", serveErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// newTokenScheduler prefers the stored refresh token over the configured
// one, since the identity service rotates it on use.
func newTokenScheduler(ctx context.Context, auth config.Auth, repo *storage.Repository, logger *slog.Logger) (*token.Scheduler, error) {
	logger = logger.With("component", "token")
	scheduleCfg := token.Config{Margin: auth.Margin, Coalesce: auth.Coalesce}

	refreshToken := auth.RefreshToken
	stored, err := repo.LoadRefreshToken(ctx, auth.Account)
	switch {
	case err == nil && stored != "":
		refreshToken = stored
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		logger.Warn("failed to load stored refresh token", "err", err)
	}

	if refreshToken == "" {
		provider := token.StaticProvider{AccessToken: auth.AccessToken}
		return token.NewScheduler(provider, scheduleCfg, nil, logger), nil
	}
	provider, err := token.NewOAuthProvider(token.OAuthConfig{
		TokenURL:     auth.TokenURL,
		ClientID:     auth.ClientID,
		RefreshToken: refreshToken,
		OnRotate: func(ctx context.Context, rotated string) error {
			return repo.SaveRefreshToken(ctx, auth.Account, rotated)
		},
	})
	if err != nil {
		return nil, err
	}
	return token.NewScheduler(provider, scheduleCfg, nil, logger), nil
}

func discoverSerials(ctx context.Context, client *indego.Client) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	mowers, err := client.Mowers(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(mowers))
	for _, m := range mowers {
		if m.Serial != "" {
			serials = append(serials, m.Serial)
		}
	}
	return serials, nil
}

func sessionConfig(serial string, t config.Tuning) session.Config {
	jitter := t.RetryJitter
	if jitter == 0 {
		jitter = retry.DefaultJitter
	}
	return session.Config{
		Serial: serial,
		TTLs:   t.TTLs,
		RateLimit: ratelimit.Config{
			Budget:          t.RateBudget,
			Window:          t.RateWindow,
			DefaultCooldown: t.DefaultCooldown,
		},
		Retry:                retry.NewPolicy(t.RetryMaxAttempts, t.RetryBaseDelay, t.RetryMaxDelay, retry.DefaultFactor, jitter),
		FailureDelays:        t.FailureDelays,
		DisableLongPoll:      t.DisableLongPoll,
		LongPollTimeout:      t.LongPollTimeout,
		PositionInterval:     t.PositionInterval,
		IdlePositionInterval: t.IdlePositionInterval,
		AdaptivePosition:     t.AdaptivePosition,
		BundleInterval:       t.BundleInterval,
		UpdatesInterval:      t.UpdatesInterval,
		Debounce:             t.Debounce,
		OfflineGrace:         t.OfflineGrace,
		MinFailures:          t.MinFailures,
	}
}
