// cmd/pipeline runs one batch pass of the Streaming Pipeline (spec.md
// §4-M) over the active watchlist and exits — the entrypoint an operator
// invokes directly for a batch re-analysis. The Scheduler in cmd/api does
// not invoke it; the jobs registered there only log their firing.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"autoresearch/pkg/core/collector"
	"autoresearch/pkg/core/config"
	"autoresearch/pkg/core/dossier"
	"autoresearch/pkg/core/eventlog"
	"autoresearch/pkg/core/llmclient"
	"autoresearch/pkg/core/pipeline"
	"autoresearch/pkg/core/question"
	"autoresearch/pkg/core/quant"
	"autoresearch/pkg/core/rag"
	"autoresearch/pkg/core/store"
	"autoresearch/pkg/core/trading"
	"autoresearch/pkg/core/watchlist"
	"autoresearch/pkg/models"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Str("cmd", "pipeline").Logger()

	if err := run(logger); err != nil {
		logger.Error().Err(err).Msg("pipeline run failed")
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

	llmCfg, err := config.LoadLLMConfig(envOr("LLM_CONFIG_PATH", "config/llm.yaml"))
	if err != nil {
		return fmt.Errorf("loading LLM config: %w", err)
	}
	provider := &llmclient.GeminiProvider{Model: llmCfg.Model}
	client := llmclient.New(provider)

	riskParams, err := config.LoadRiskParams(envOr("RISK_CONFIG_PATH", "config/risk.yaml"))
	if err != nil {
		return fmt.Errorf("loading risk config: %w", err)
	}

	watchlistMgr := watchlist.New(tables, events, watchlist.DefaultPolicy(), time.Now)
	trader := trading.NewTrader(tables, events, riskParams.ToRiskConfig(), riskParams.StartingBalance, time.Now)
	router := trading.NewRouter(riskParams.ToRiskConfig(), time.Now)

	coll := collector.New(unconfiguredSteps(), unconfiguredProbe, unconfiguredProbe)
	questionGen := question.New(client, llmCfg.Model)
	ragEngine := rag.New(noOpRetriever{}, client, llmCfg.Model)
	synth := dossier.New(client, llmCfg.Model, llmCfg.ContextSize)
	synth.StrategistMode = riskParams.StrategistMode

	p := pipeline.New(pipeline.Config{
		Collector:         coll,
		QuantInput:        quantInputFromTables(tables, riskParams.KellyFraction),
		QuestionGenerator: questionGen,
		RAG:               ragEngine,
		Dossier:           synth,
		Router:            router,
		Trader:            trader,
		Events:            events,
		PriceLookup:       priceLookupFromTables(tables),
		Portfolio:         portfolioStateFromTrader(trader),
	})

	symbols, err := watchlistMgr.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("loading active watchlist: %w", err)
	}
	if len(symbols) == 0 {
		logger.Info().Msg("watchlist empty, nothing to analyze")
		return nil
	}

	logger.Info().Strs("symbols", symbols).Msg("starting pipeline run")
	return p.Run(ctx, symbols)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// unconfiguredSteps wires every collect_data step to a fetcher that
// reports itself unconfigured. Live network fetch is a deployment
// concern, not this repo's (collector.go's own package doc makes the
// same call for the adapters it defines): a real deployment replaces
// this map with concrete StepFuncs before starting the binary.
func unconfiguredSteps() map[collector.StepName]collector.StepFunc {
	steps := make(map[collector.StepName]collector.StepFunc, len(collector.AllSteps))
	for _, name := range collector.AllSteps {
		steps[name] = func(ctx context.Context, symbol string) (int, error) {
			return 0, errUnconfiguredFetcher
		}
	}
	return steps
}

var errUnconfiguredFetcher = errors.New("pipeline: no data fetcher configured for this step; supply one via collector.New before running in production")

func unconfiguredProbe(ctx context.Context, symbol string) (bool, error) {
	return false, errUnconfiguredFetcher
}

type noOpRetriever struct{}

func (noOpRetriever) Retrieve(ctx context.Context, symbol string, source models.TargetSource) (string, error) {
	return "", nil
}

func quantInputFromTables(tables *store.Tables, kellyFraction float64) pipeline.QuantInputFunc {
	return func(ctx context.Context, symbol string) (quant.Input, error) {
		prices, err := tables.PriceHistory(ctx, symbol, 500)
		if err != nil {
			return quant.Input{}, err
		}
		in := quant.Input{Symbol: symbol, Prices: prices, KellyFraction: kellyFraction}
		if fundamentals, ferr := tables.LatestFundamentals(ctx, symbol); ferr == nil {
			in.Fundamentals = &fundamentals
		}
		return in, nil
	}
}

func priceLookupFromTables(tables *store.Tables) func(ctx context.Context, symbol string) (float64, error) {
	return func(ctx context.Context, symbol string) (float64, error) {
		row, err := tables.LatestPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		return row.Close, nil
	}
}

func portfolioStateFromTrader(trader *trading.Trader) func(ctx context.Context) trading.PortfolioState {
	return func(ctx context.Context) trading.PortfolioState {
		snap, err := trader.Portfolio(ctx)
		if err != nil {
			return trading.PortfolioState{}
		}
		return trading.PortfolioState{
			TotalValue:     snap.TotalValue,
			AllocatedValue: snap.PositionsValue,
		}
	}
}
