// Package monitor implements the Price Monitor (spec.md §4-L): a tick
// loop that fetches batch quotes for every open-position/active-trigger
// symbol and fires stop_loss/take_profit/trailing_stop conditions.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"autoresearch/pkg/core/eventlog"
	"autoresearch/pkg/models"
)

// DefaultTickInterval matches spec.md §4-L's stated default.
const DefaultTickInterval = 60 * time.Second

// QuoteFeed fetches a batch of current prices. Implementations: a
// poll-based REST stub and WSQuoteFeed (gorilla/websocket).
type QuoteFeed interface {
	BatchQuote(ctx context.Context, symbols []string) (map[string]float64, error)
}

// Trader is the subset of trading.Trader the monitor needs to enqueue a
// sell when a trigger fires.
type Trader interface {
	Sell(ctx context.Context, symbol string, qty int, price float64) (models.Order, error)
}

// Store is the subset of store.Tables the monitor needs.
type Store interface {
	AllPositions(ctx context.Context) ([]models.Position, error)
	AllTriggers(ctx context.Context) ([]models.PriceTrigger, error)
	PutTrigger(ctx context.Context, tr models.PriceTrigger) error
}

// EventLog is the subset of eventlog.Log the monitor needs.
type EventLog interface {
	Log(phase, eventType, detail string, opts ...eventlog.LogOption)
}

// MarketHours reports whether the market is open at a given instant.
// The default is the NYSE regular session, Mon-Fri 09:30-16:00 America/New_York.
type MarketHours struct {
	Location *time.Location
	Open     time.Duration // offset from midnight, e.g. 9h30m
	Close    time.Duration
}

// DefaultMarketHours loads America/New_York; if the tzdata package
// cannot resolve the location (e.g. a minimal container image without
// tzdata), it falls back to a fixed UTC-5 offset so IsOpen still
// produces a sane answer.
func DefaultMarketHours() MarketHours {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return MarketHours{
		Location: loc,
		Open:     9*time.Hour + 30*time.Minute,
		Close:    16 * time.Hour,
	}
}

// IsOpen reports whether t falls within the regular trading session.
func (m MarketHours) IsOpen(t time.Time) bool {
	local := t.In(m.Location)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.Location)
	elapsed := local.Sub(midnight)
	return elapsed >= m.Open && elapsed < m.Close
}

// Monitor runs the tick loop.
type Monitor struct {
	Feed         QuoteFeed
	Store        Store
	Trader       Trader
	Events       EventLog
	Hours        MarketHours
	TickInterval time.Duration
	Now          func() time.Time
	Logger       zerolog.Logger
}

// New builds a Monitor with spec.md §4-L's defaults applied where the
// caller leaves a field zero-valued.
func New(feed QuoteFeed, store Store, trader Trader, events EventLog, logger zerolog.Logger) *Monitor {
	return &Monitor{
		Feed:         feed,
		Store:        store,
		Trader:       trader,
		Events:       events,
		Hours:        DefaultMarketHours(),
		TickInterval: DefaultTickInterval,
		Now:          time.Now,
		Logger:       logger,
	}
}

// Run blocks, ticking every m.TickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.Logger.Warn().Err(err).Msg("price monitor tick failed")
			}
		}
	}
}

// Tick runs one evaluation pass: fetch quotes for every watched symbol,
// then evaluate triggers. Outside market hours it still runs (quotes are
// fetched, for dashboard display) but skips firing, logging
// market_closed_skip once per tick.
func (m *Monitor) Tick(ctx context.Context) error {
	now := m.Now()

	positions, err := m.Store.AllPositions(ctx)
	if err != nil {
		return err
	}
	triggers, err := m.Store.AllTriggers(ctx)
	if err != nil {
		return err
	}

	symbols := watchedSymbols(positions, triggers)
	if len(symbols) == 0 {
		return nil
	}

	quotes, err := m.Feed.BatchQuote(ctx, symbols)
	if err != nil {
		return err
	}

	if !m.Hours.IsOpen(now) {
		m.logEvent("market_closed_skip", "", models.EventSkipped)
		return nil
	}

	for _, tr := range triggers {
		if tr.Status != models.TriggerActive {
			continue
		}
		price, ok := quotes[tr.Symbol]
		if !ok {
			continue
		}
		m.evaluateTrigger(ctx, tr, price)
	}
	return nil
}

func watchedSymbols(positions []models.Position, triggers []models.PriceTrigger) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	for _, tr := range triggers {
		if tr.Status == models.TriggerActive && !seen[tr.Symbol] {
			seen[tr.Symbol] = true
			out = append(out, tr.Symbol)
		}
	}
	return out
}

// evaluateTrigger checks one trigger against the latest price and, on a
// fire condition, atomically transitions it to triggered and enqueues a
// sell via the Trader. Each trigger fires at most once: the status flip
// happens before the sell call so a crash mid-fire cannot double-sell on
// the next tick.
func (m *Monitor) evaluateTrigger(ctx context.Context, tr models.PriceTrigger, price float64) {
	fired := false

	switch tr.TriggerType {
	case models.TriggerStopLoss:
		fired = price <= tr.TriggerPrice

	case models.TriggerTakeProfit:
		fired = price >= tr.TriggerPrice

	case models.TriggerTrailingStop:
		hwm := tr.HighWaterMark
		if price > hwm {
			hwm = price
		}
		effectiveStop := hwm * (1 - tr.TrailingPct)
		if hwm != tr.HighWaterMark {
			tr.HighWaterMark = hwm
			if err := m.Store.PutTrigger(ctx, tr); err != nil {
				m.Logger.Warn().Err(err).Str("symbol", tr.Symbol).Msg("failed to persist trailing stop high water mark")
			}
		}
		fired = price <= effectiveStop
	}

	if !fired {
		return
	}

	tr.Status = models.TriggerTriggered
	if err := m.Store.PutTrigger(ctx, tr); err != nil {
		m.Logger.Warn().Err(err).Str("symbol", tr.Symbol).Msg("failed to persist trigger fire")
		return
	}

	if _, err := m.Trader.Sell(ctx, tr.Symbol, tr.Qty, price); err != nil {
		m.Logger.Warn().Err(err).Str("symbol", tr.Symbol).Msg("trigger fire sell failed")
		m.logEvent("trigger_fire_sell_failed", tr.Symbol, models.EventError)
		return
	}
	m.logEvent(string(tr.TriggerType)+"_fired", tr.Symbol, models.EventSuccess)
}

func (m *Monitor) logEvent(eventType, symbol string, status models.EventStatus) {
	if m.Events == nil {
		return
	}
	m.Events.Log("monitor", eventType, eventType, eventlog.WithSymbol(symbol), eventlog.WithStatus(status))
}
