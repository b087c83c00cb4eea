// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adiadia/op-distributor/internal/backend"
	"github.com/adiadia/op-distributor/internal/config"
	"github.com/adiadia/op-distributor/internal/directory"
	"github.com/adiadia/op-distributor/internal/engine"
	"github.com/adiadia/op-distributor/internal/history"
	"github.com/adiadia/op-distributor/internal/logging"
	"github.com/adiadia/op-distributor/internal/notify"
	"github.com/adiadia/op-distributor/internal/repository"
	"github.com/adiadia/op-distributor/internal/rewards"
	httptransport "github.com/adiadia/op-distributor/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatalf("config: %v", err)
	}
	operators, err := cfg.Operators()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, cfg.LogLevel)

	stores, err := repository.Open(ctx, repository.Options{
		Driver:      cfg.Store.Driver,
		SQLitePath:  cfg.Store.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.Store.MaxConns,
		AutoMigrate: cfg.AutoMigrate,
	}, logging.Component(logger, "store"))
	if err != nil {
		log.Fatalf("state store open failed: %v", err)
	}
	defer stores.Close()

	events, err := backend.New(backend.Options{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		Editor:  cfg.Backend.Editor,
		Timeout: cfg.Backend.Timeout,
		Logger:  logging.Component(logger, "backend"),
	})
	if err != nil {
		log.Fatalf("backend client: %v", err)
	}

	grants, err := rewards.New(rewards.Options{
		URL:               cfg.Rewards.URL,
		APIKey:            cfg.Rewards.APIKey,
		Timeout:           cfg.Rewards.Timeout,
		MaxRequestsPerMin: cfg.Rewards.MaxRequestsPerMin,
		Logger:            logging.Component(logger, "rewards"),
	})
	if err != nil {
		log.Fatalf("rewards client: %v", err)
	}

	resolver, closeCache, err := newResolver(ctx, cfg, logging.Component(logger, "directory"))
	if err != nil {
		log.Fatalf("directory: %v", err)
	}
	defer closeCache()

	deps := engine.Deps{
		Events:        events,
		Resolver:      resolver,
		Rewards:       grants,
		Pauses:        stores.Pauses,
		Progress:      stores.Progress,
		Logger:        logging.Component(logger, "engine"),
		GrantDelay:    cfg.Engine.GrantDelay,
		EventCooldown: cfg.Engine.EventCooldown,
	}
	if hook := notify.NewWebhook(notify.Options{
		URL:    cfg.Webhook.URL,
		Secret: cfg.Webhook.Secret,
		Logger: logging.Component(logger, "notify"),
	}); hook != nil {
		deps.Notifier = hook
	}

	eng, err := engine.New(deps)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Engine:    eng,
		History:   history.NewService(events, resolver, logging.Component(logger, "history")),
		Health:    stores,
		Operators: operators,
		Logger:    logger,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	})

	srv := newServer(ctx, cfg.HTTPAddr, handler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"store", stores.Driver,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newResolver(ctx context.Context, cfg config.Config, logger *slog.Logger) (*directory.Resolver, func(), error) {
	closeCache := func() {}

	var cache directory.Cache
	if cfg.Redis.Addr != "" {
		client, err := directory.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		cache = directory.NewRedisCache(client, logger)
		closeCache = func() { _ = client.Close() }
		logger.Info("recipient cache backed by redis", "addr", cfg.Redis.Addr)
	}

	resolver, err := directory.New(directory.Options{
		APIURL:     cfg.Discord.APIURL,
		BotToken:   cfg.Discord.BotToken,
		GuildID:    cfg.Discord.GuildID,
		CacheTTL:   cfg.Discord.CacheTTL,
		Cache:      cache,
		HTTPClient: &http.Client{Timeout: cfg.Discord.Timeout},
		Logger:     logger,
	})
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return resolver, closeCache, nil
}
