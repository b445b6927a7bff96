package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rehabcare/messaging/internal/auth"
	"github.com/rehabcare/messaging/internal/config"
	"github.com/rehabcare/messaging/internal/conversation"
	"github.com/rehabcare/messaging/internal/handler"
	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/presence"
	"github.com/rehabcare/messaging/internal/registry"
	"github.com/rehabcare/messaging/internal/rooms"
	"github.com/rehabcare/messaging/internal/ws"
)

var (
	// Заполняется при сборке через -ldflags.
	version = "dev"
	commit  = "HEAD"
)

type flags struct {
	ConfigPath string
	LogLevel   string
	Dev        bool
	Migrate    bool
}

func main() {
	logger.SetPrefix("live")
	f := &flags{}

	app := &cli.Command{
		Name:    "live",
		Usage:   "real-time messaging core of the rehab case-management platform",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to YAML config file",
				Sources:     cli.EnvVars("CONFIG_PATH"),
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("LOG_LEVEL"),
				Destination: &f.LogLevel,
			},
			&cli.BoolFlag{
				Name:        "dev",
				Usage:       "start with embedded PostgreSQL (no external DB required)",
				Destination: &f.Dev,
			},
			&cli.BoolFlag{
				Name:        "migrate",
				Usage:       "apply database migrations and exit",
				Destination: &f.Migrate,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return run(ctx, f)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		logger.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if f.LogLevel != "" {
		level = f.LogLevel
	}
	if err := logger.SetLevel(level); err != nil {
		return err
	}
	logger.Infof("starting live service env=%s storage=%s", cfg.Env, cfg.StorageDriver)

	if f.Dev {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			return fmt.Errorf("embedded postgres: %w", err)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("store close: %v", err)
		}
	}()
	if f.Migrate {
		return nil
	}

	presenceStore, err := openPresence(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := presenceStore.Close(); err != nil {
			logger.Errorf("presence close: %v", err)
		}
	}()

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	reg := registry.New(cfg.MaxWSConnections)
	convs := conversation.New(store, store,
		conversation.WithTypingTTL(cfg.TypingTTL),
		conversation.WithIdleTTL(cfg.ConversationIdleTTL),
	)
	idx := rooms.New(convs, reg)
	disp := ws.NewDispatcher(reg, idx, convs, store)
	pres := presence.New(reg, presenceStore)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWg sync.WaitGroup
	sweepWg.Add(1)
	go func() {
		defer sweepWg.Done()
		convs.RunSweeper(sweepCtx, cfg.TypingSweepInterval)
	}()

	router := handler.NewRouter(handler.RouterDeps{
		Auth:          authenticator,
		Dispatcher:    disp,
		Conversations: convs,
		Registry:      reg,
		Presence:      pres,
		Client: ws.ClientConfig{
			WriteWait:      cfg.WSWriteTimeout,
			PongWait:       cfg.WSPongTimeout,
			MaxMessageSize: cfg.WSMaxMessageSize,
			SendBuffer:     cfg.WSSendBufferSize,
			RatePerSecond:  cfg.WSRatePerSecond,
			RateBurst:      cfg.WSRateBurst,
		},
		AllowedOrigins: cfg.AllowedOrigins(),
		InternalSecret: cfg.InternalSecret,
		HandshakeRate:  5,
		HandshakeBurst: 20,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			sweepCancel()
			sweepWg.Wait()
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// Hijacked websocket connections are not tracked by http.Server.
	reg.Shutdown()
	logger.Info("registry closed")
	sweepCancel()
	sweepWg.Wait()
	return nil
}

func newAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	if cfg.JWTSecret != "" {
		return auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	}
	logger.Infof("auth: delegating to %s", cfg.AuthServiceURL)
	return auth.NewServiceAuthenticator(cfg.AuthServiceURL, &http.Client{Timeout: 5 * time.Second}), nil
}
