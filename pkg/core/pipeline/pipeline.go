// Package pipeline implements the Streaming Pipeline (spec.md §4-M): a
// three-stage, bounded-queue fan-out/fan-in orchestrator connecting
// Collection (D) through Analysis (G-J) to Trading (K). Each stage is
// one or more worker goroutines coordinated with
// golang.org/x/sync/errgroup; a golang.org/x/sync/semaphore.Weighted
// sized to the analysis worker count caps concurrent LLM calls across
// Layers 2-4.
package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"autoresearch/pkg/core/collector"
	"autoresearch/pkg/core/dossier"
	"autoresearch/pkg/core/eventlog"
	"autoresearch/pkg/core/question"
	"autoresearch/pkg/core/quant"
	"autoresearch/pkg/core/rag"
	"autoresearch/pkg/core/trading"
	"autoresearch/pkg/models"
)

// Queue bounds and worker pool sizes, spec.md §4-M's table.
const (
	CollectQueueBound = 20
	AnalyzeQueueBound = 5
	TradeQueueBound   = 10

	DefaultCollectionWorkers = 4
	DefaultAnalysisWorkers   = 2

	DefaultStageTimeout = 120 * time.Second
)

// analyzeItem is what a Collection worker hands to an Analysis worker.
type analyzeItem struct {
	symbol string
}

// tradeItem is what an Analysis worker hands to the Trading worker.
type tradeItem struct {
	symbol  string
	dossier models.TickerDossier
}

// QuantInputFunc loads the quant.Input for a symbol after collection.
type QuantInputFunc func(ctx context.Context, symbol string) (quant.Input, error)

// PortfolioContextFunc builds the dossier.PortfolioContext at synthesis
// time, reflecting live cash/position state owned by the Trading worker.
type PortfolioContextFunc func(ctx context.Context) dossier.PortfolioContext

// Config wires every stage's dependencies and sizing.
type Config struct {
	Collector         *collector.Collector
	QuantInput        QuantInputFunc
	QuestionGenerator *question.Generator
	RAG               *rag.Engine
	Dossier           *dossier.Synthesizer
	PortfolioContext  PortfolioContextFunc
	Router            *trading.Router
	Trader            *trading.Trader
	Events            EventLog

	CollectionWorkers int
	AnalysisWorkers   int
	StageTimeout      time.Duration

	PriceLookup func(ctx context.Context, symbol string) (float64, error)
	Portfolio   func(ctx context.Context) trading.PortfolioState
}

// EventLog is the subset of eventlog.Log the pipeline needs.
type EventLog interface {
	Log(phase, eventType, detail string, opts ...eventlog.LogOption)
}

// Pipeline runs one fan-out/fan-in pass over a batch of symbols.
type Pipeline struct {
	cfg Config
	sem *semaphore.Weighted
}

// New builds a Pipeline, filling in spec.md §4-M's defaults for any
// zero-valued sizing field.
func New(cfg Config) *Pipeline {
	if cfg.CollectionWorkers <= 0 {
		cfg.CollectionWorkers = DefaultCollectionWorkers
	}
	if cfg.AnalysisWorkers <= 0 {
		cfg.AnalysisWorkers = DefaultAnalysisWorkers
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	return &Pipeline{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.AnalysisWorkers)),
	}
}

// Run fans symbols through collect_q -> analyze_q -> trade_q and drains
// every stage before returning. It blocks until all three queues are
// empty and every worker has exited (sentinel cascade), or ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context, symbols []string) error {
	collectQ := make(chan string, CollectQueueBound)
	analyzeQ := make(chan analyzeItem, AnalyzeQueueBound)
	tradeQ := make(chan tradeItem, TradeQueueBound)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(collectQ)
		for _, s := range symbols {
			select {
			case collectQ <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// A WaitGroup per stage closes the downstream queue only after every
	// worker sharing the upstream queue has exited, implementing §4-M's
	// "sentinel cascades from producer to final consumer" rule for pools
	// with more than one worker.
	var collectWG sync.WaitGroup
	collectWG.Add(p.cfg.CollectionWorkers)
	for i := 0; i < p.cfg.CollectionWorkers; i++ {
		g.Go(func() error {
			defer collectWG.Done()
			return p.collectionWorker(ctx, collectQ, analyzeQ)
		})
	}
	go func() {
		collectWG.Wait()
		close(analyzeQ)
	}()

	var analyzeWG sync.WaitGroup
	analyzeWG.Add(p.cfg.AnalysisWorkers)
	for i := 0; i < p.cfg.AnalysisWorkers; i++ {
		g.Go(func() error {
			defer analyzeWG.Done()
			return p.analysisWorker(ctx, analyzeQ, tradeQ)
		})
	}
	go func() {
		analyzeWG.Wait()
		close(tradeQ)
	}()

	g.Go(func() error {
		return p.tradingWorker(ctx, tradeQ)
	})

	return g.Wait()
}

func (p *Pipeline) collectionWorker(ctx context.Context, in <-chan string, out chan<- analyzeItem) error {
	for symbol := range in {
		stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		report := p.cfg.Collector.CollectData(stageCtx, symbol)
		cancel()

		if stageCtx.Err() != nil {
			p.logEvent("collection", "stage_timeout", symbol, models.EventError)
			continue
		}
		if !report.CriticalOK() {
			p.logEvent("collection", "collection_incomplete", symbol, models.EventWarning)
			continue
		}

		select {
		case out <- analyzeItem{symbol: symbol}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) analysisWorker(ctx context.Context, in <-chan analyzeItem, out chan<- tradeItem) error {
	for item := range in {
		stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		d, err := p.runLayers(stageCtx, item.symbol)
		cancel()

		if err != nil {
			if stageCtx.Err() != nil {
				p.logEvent("analysis", "stage_timeout", item.symbol, models.EventError)
			} else {
				p.logEvent("analysis", "analysis_failed", item.symbol, models.EventError)
			}
			continue
		}

		select {
		case out <- tradeItem{symbol: item.symbol, dossier: d}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runLayers executes Layers 1-4 sequentially for one symbol, guarding
// every LLM call with the Layer-level semaphore.
func (p *Pipeline) runLayers(ctx context.Context, symbol string) (models.TickerDossier, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return models.TickerDossier{}, err
	}
	defer p.sem.Release(1)

	in, err := p.cfg.QuantInput(ctx, symbol)
	if err != nil {
		return models.TickerDossier{}, err
	}
	scorecard := quant.Compute(in)

	questions, err := p.cfg.QuestionGenerator.Generate(ctx, scorecard)
	if err != nil {
		return models.TickerDossier{}, err
	}

	qaPairs := p.cfg.RAG.Answer(ctx, symbol, questions)

	var portfolio dossier.PortfolioContext
	if p.cfg.PortfolioContext != nil {
		portfolio = p.cfg.PortfolioContext(ctx)
	}

	return p.cfg.Dossier.Synthesize(ctx, symbol, scorecard, questions, qaPairs, portfolio)
}

func (p *Pipeline) tradingWorker(ctx context.Context, in <-chan tradeItem) error {
	for item := range in {
		price, err := p.priceFor(ctx, item.symbol)
		if err != nil {
			p.logEvent("trading", "price_lookup_failed", item.symbol, models.EventError)
			continue
		}

		var state trading.PortfolioState
		if p.cfg.Portfolio != nil {
			state = p.cfg.Portfolio(ctx)
		}

		decision, qty, err := p.cfg.Router.Route(item.dossier, price, state)
		if err != nil {
			p.logEvent("trading", "signal_blocked", item.symbol, models.EventWarning)
			continue
		}

		switch decision {
		case trading.DecisionBuy:
			if _, err := p.cfg.Trader.Buy(ctx, item.symbol, qty, price); err != nil {
				p.logEvent("trading", "order_failed", item.symbol, models.EventError)
			}
		case trading.DecisionSell:
			pos, err := p.cfg.Trader.Positions(ctx)
			if err != nil {
				p.logEvent("trading", "order_failed", item.symbol, models.EventError)
				continue
			}
			qtyHeld := 0
			for _, pp := range pos {
				if pp.Symbol == item.symbol {
					qtyHeld = pp.Qty
				}
			}
			if qtyHeld > 0 {
				if _, err := p.cfg.Trader.Sell(ctx, item.symbol, qtyHeld, price); err != nil {
					p.logEvent("trading", "order_failed", item.symbol, models.EventError)
				}
			}
		case trading.DecisionHold:
			// no-op
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (p *Pipeline) priceFor(ctx context.Context, symbol string) (float64, error) {
	if p.cfg.PriceLookup == nil {
		return 0, context.DeadlineExceeded
	}
	return p.cfg.PriceLookup(ctx, symbol)
}

func (p *Pipeline) logEvent(phase, eventType, symbol string, status models.EventStatus) {
	if p.cfg.Events == nil {
		return
	}
	p.cfg.Events.Log(phase, eventType, eventType, eventlog.WithSymbol(symbol), eventlog.WithStatus(status))
}
