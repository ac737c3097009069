// cmd/api runs the HTTP surface (spec.md §6) plus, in-process, the
// Scheduler and Price Monitor background loops — the single long-running
// binary an operator deploys.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"autoresearch/pkg/api"
	"autoresearch/pkg/core/config"
	"autoresearch/pkg/core/eventlog"
	"autoresearch/pkg/core/monitor"
	"autoresearch/pkg/core/scheduler"
	"autoresearch/pkg/core/store"
	"autoresearch/pkg/core/trading"
	"autoresearch/pkg/core/watchlist"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Str("cmd", "api").Logger()

	if err := run(logger); err != nil {
		logger.Error().Err(err).Msg("api server exited")
		os.Exit(1)
	}
}

func run(logger zerolog.Logger) error {
	_ = config.LoadEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.InitDB(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer store.Close()

	s := store.New(store.GetPool())
	tables := store.NewTables(s)
	events := eventlog.New(s, logger)

	riskParams, err := config.LoadRiskParams(envOr("RISK_CONFIG_PATH", "config/risk.yaml"))
	if err != nil {
		return fmt.Errorf("loading risk config: %w", err)
	}

	watchlistMgr := watchlist.New(tables, events, watchlist.DefaultPolicy(), time.Now)
	trader := trading.NewTrader(tables, events, riskParams.ToRiskConfig(), riskParams.StartingBalance, time.Now)

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
		logger.Warn().Err(err).Msg("America/New_York tzdata unavailable, using fixed EST offset")
	}
	sched := scheduler.New(loc, logger)

	feed := monitor.NewWSQuoteFeed(envOr("QUOTE_FEED_WS_URL", ""))
	mon := monitor.New(feed, tables, trader, events, logger)

	_, handler := api.NewServer(api.Server{
		Tables:    tables,
		Events:    events,
		Watchlist: watchlistMgr,
		Trader:    trader,
		Scheduler: sched,
		Monitor:   mon,
		Logger:    logger,
	})

	sched.RegisterDefaultSchedule(
		noopJob(logger, "pre_market"),
		noopJob(logger, "price_monitor_tick"),
		noopJob(logger, "intraday_reanalyze"),
		noopJob(logger, "end_of_day"),
	)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("scheduler stopped")
		}
	}()

	if feed.URL != "" {
		if err := feed.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("quote feed connect failed, monitor will see no prices")
		}
	}
	go func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("price monitor stopped")
		}
	}()

	addr := envOr("API_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("api server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// noopJob is the body registered for every scheduled job (pre_market,
// price_monitor_tick, intraday_reanalyze, end_of_day): it logs the job
// name and calendar date and returns nil. No scheduled job runs the
// pipeline; this binary neither embeds a pipeline.Pipeline nor starts
// cmd/pipeline.
func noopJob(logger zerolog.Logger, name string) scheduler.JobFunc {
	return func(ctx context.Context, calendarDate string) error {
		logger.Info().Str("job", name).Str("date", calendarDate).Msg("scheduled job fired")
		return nil
	}
}
