// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/adiadia/op-distributor/internal/client"
	"github.com/adiadia/op-distributor/internal/config"
	"github.com/adiadia/op-distributor/internal/domain"
	"github.com/adiadia/op-distributor/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Component(logging.NewLogger(cfg.Env, cfg.LogLevel), "worker")

	api, err := client.New(client.Options{
		BaseURL: cfg.Worker.APIURL,
		Token:   cfg.Worker.Token,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("command api client: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Reschedule mode skips a tick while the previous mass run is still going.
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.Interval),
			gocron.NewTask(func() {
				runPending(ctx, api, cfg.Worker.Timeout, logger)
			}),
			gocron.WithName("run-pending"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return err
		}

		logger.Info("worker started", "interval", cfg.Worker.Interval.String(), "api_url", cfg.Worker.APIURL)
		scheduler.Start()

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func runPending(ctx context.Context, api *client.Client, timeout time.Duration, logger *slog.Logger) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	summary, err := api.RunPending(ctx, client.StreamHandler{
		OnReport: func(r domain.RunReport) {
			logger.Info("event run finished",
				"event_id", r.EventID,
				"result", r.Result,
				"credited", r.Credited,
				"total", r.Total,
			)
		},
	})
	if err != nil {
		logger.Error("run pending failed", "error", err, "attempted", summary.Attempted)
		return
	}

	logger.Info("run pending finished",
		"attempted", summary.Attempted,
		"completed", summary.Completed,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}
