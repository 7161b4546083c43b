package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/activity-feed/internal/config"
	"github.com/dgnsrekt/activity-feed/internal/feed"
	"github.com/dgnsrekt/activity-feed/internal/forward"
	"github.com/dgnsrekt/activity-feed/internal/keepalive"
	"github.com/dgnsrekt/activity-feed/internal/server"
	"github.com/dgnsrekt/activity-feed/internal/twitch"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and live feed server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("publicURL", cfg.Server.PublicURL),
		zap.Int("capacity", cfg.Feed.Capacity),
		zap.Int("replayLimit", cfg.Feed.ReplayLimit),
		zap.Duration("heartbeat", cfg.Feed.HeartbeatInterval),
		zap.Bool("kofiEnabled", cfg.Kofi.Token != ""),
		zap.Bool("twitchEnabled", cfg.Twitch.WebhookSecret != ""),
		zap.Bool("twitchRegister", cfg.Twitch.CanRegister()),
		zap.Bool("forwardEnabled", cfg.Forward.Enabled),
		zap.Bool("keepaliveEnabled", cfg.Keepalive.URL != ""),
	)
	if cfg.Kofi.Token == "" {
		logger.Warn("ko-fi token not set, every ko-fi webhook will be rejected")
	}
	if cfg.Twitch.WebhookSecret == "" {
		logger.Warn("twitch webhook secret not set, every twitch notification will be rejected")
	}

	svc := feed.NewService(feed.Config{
		Capacity:          cfg.Feed.Capacity,
		ReplayLimit:       cfg.Feed.ReplayLimit,
		HeartbeatInterval: cfg.Feed.HeartbeatInterval,
		SessionBuffer:     cfg.Feed.SessionBuffer,
	}, logger.Named("feed"))

	router, err := server.NewRouter(svc, server.Options{
		KofiToken:           cfg.Kofi.Token,
		TwitchSecret:        cfg.Twitch.WebhookSecret,
		TwitchMaxMessageAge: cfg.Twitch.MaxMessageAge,
		ClearToken:          cfg.Server.ClearToken,
		CORSOrigins:         cfg.Server.CORSOrigins,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bgCtx)
			logger.Debug("background task finished", zap.String("task", name))
		}()
	}

	start("heartbeat", svc.RunHeartbeat)

	if cfg.Twitch.CanRegister() {
		registrar, err := newRegistrar(cfg)
		if err != nil {
			return err
		}
		start("registrar", registrar.Run)
	} else if cfg.Twitch.Register {
		logger.Info("twitch eventsub registration skipped, credentials or callback not configured")
	}

	if cfg.Keepalive.URL != "" {
		pinger := keepalive.New(cfg.Keepalive.URL, cfg.Keepalive.Interval, logger.Named("keepalive"))
		start("keepalive", pinger.Run)
	}

	fwd := forward.New(forward.Config{
		Enabled:    cfg.Forward.Enabled,
		URL:        cfg.Forward.URL,
		Token:      cfg.Forward.Token,
		RatePerSec: cfg.Forward.RatePerSecond,
		Timeout:    cfg.Forward.Timeout,
	}, logger.Named("forward"))
	start("forward", func(ctx context.Context) {
		forward.Run(ctx, svc, fwd, logger.Named("forward"))
	})

	// No WriteTimeout: /events and /ws stay open for the life of the viewer.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-serverErr:
		if err != nil {
			cancelBg()
			svc.Close()
			wg.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Close viewer sessions first so streaming handlers return and Shutdown
	// does not wait on them.
	cancelBg()
	svc.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	wg.Wait()
	logger.Info("server stopped")
	return nil
}

func newRegistrar(cfg *config.Config) (*twitch.Registrar, error) {
	helix, err := twitch.NewHelixClient(twitch.HelixConfig{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
		BaseURL:      cfg.Twitch.HelixURL,
		TokenURL:     cfg.Twitch.TokenURL,
		RatePerSec:   cfg.Twitch.RatePerSecond,
		Timeout:      cfg.Twitch.Timeout,
		RetryCount:   cfg.Twitch.RetryCount,
		RetryDelay:   cfg.Twitch.RetryDelay,
	}, logger.Named("helix"))
	if err != nil {
		return nil, fmt.Errorf("creating helix client: %w", err)
	}

	return twitch.NewRegistrar(helix, twitch.RegistrarConfig{
		BroadcasterLogin: cfg.Twitch.User,
		CallbackURL:      cfg.Twitch.CallbackURL,
		Secret:           cfg.Twitch.WebhookSecret,
		RetryInterval:    cfg.Twitch.RegisterRetryInterval,
	}, logger.Named("registrar")), nil
}
