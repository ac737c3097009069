// Package trading implements the Signal Router and Paper Trader (spec.md
// §4-K): deterministic BUY/HOLD/SELL decisions, risk guards, and atomic
// cash/position/order bookkeeping. The Trading worker is the sole owner
// of cash; every mutation here must run through a single goroutine per
// the streaming pipeline's ordering guarantee (spec.md §5).
package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoresearch/pkg/core/eventlog"
	"autoresearch/pkg/models"
)

// RiskConfig bundles the configurable risk guard parameters §4-K names.
type RiskConfig struct {
	BuyThreshold               float64
	SellThreshold              float64
	MaxPositionPct             float64 // % of portfolio value per position
	MaxPositionShares          int
	MaxPortfolioAllocationPct  float64
	MaxOrdersPerDay            int
	DailyLossLimitPct          float64
	RebuyCooldownDays          int
	MinConvictionFloor         float64

	// StrategistMode governs the dossier synthesizer's prompt stance
	// ("research_driven" or "aggressive"); the Signal Router itself
	// reads only the numeric thresholds above. Carried here rather than
	// on dossier.Synthesizer directly because it's one more risk-profile
	// knob an operator sets alongside the thresholds in config/risk.yaml.
	StrategistMode string
}

// StrategistModeResearchDriven and StrategistModeAggressive are the two
// recognized RiskConfig.StrategistMode values; any other value is
// treated as StrategistModeResearchDriven.
const (
	StrategistModeResearchDriven = "research_driven"
	StrategistModeAggressive     = "aggressive"
)

// DefaultRiskConfig matches spec.md §4-K's stated defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		BuyThreshold:              0.70,
		SellThreshold:             0.30,
		MaxPositionPct:            0.10,
		MaxPositionShares:         10_000,
		MaxPortfolioAllocationPct: 0.80,
		MaxOrdersPerDay:           20,
		DailyLossLimitPct:         0.05,
		RebuyCooldownDays:         7,
		MinConvictionFloor:        0.0,
		StrategistMode:            StrategistModeResearchDriven,
	}
}

// Decision is the Signal Router's recommended action.
type Decision string

const (
	DecisionBuy  Decision = "BUY"
	DecisionSell Decision = "SELL"
	DecisionHold Decision = "HOLD"
)

// ErrRiskBlocked is returned when a risk guard rejects an otherwise
// qualifying BUY/SELL decision.
type ErrRiskBlocked struct{ Reason string }

func (e *ErrRiskBlocked) Error() string { return "risk_blocked: " + e.Reason }

// ErrInsufficientCash is returned by Buy when the purchase would drive
// cash negative.
type ErrInsufficientCash struct{ Needed, Available float64 }

func (e *ErrInsufficientCash) Error() string {
	return fmt.Sprintf("insufficient cash: need %.2f, have %.2f", e.Needed, e.Available)
}

// ErrPositionNotFound is returned by Sell when no open position exists
// for the symbol.
type ErrPositionNotFound struct{ Symbol string }

func (e *ErrPositionNotFound) Error() string { return "position not found: " + e.Symbol }

// Store is the subset of store.Tables the trader needs.
type Store interface {
	GetPosition(ctx context.Context, symbol string) (models.Position, error)
	PutPosition(ctx context.Context, p models.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	AllPositions(ctx context.Context) ([]models.Position, error)
	PutOrder(ctx context.Context, o models.Order) error
	AllOrders(ctx context.Context) ([]models.Order, error)
	PutSnapshot(ctx context.Context, snap models.PortfolioSnapshot) error
}

// EventLog is the subset of eventlog.Log the trader needs.
type EventLog interface {
	Log(phase, eventType, detail string, opts ...eventlog.LogOption)
}

// Trader is the single owner of cash and the sole writer of positions,
// orders and snapshots. All exported methods are safe to call from the
// single Trading worker goroutine only; Trader itself additionally
// mutex-guards cash so tests (and any secondary caller) observe atomic
// updates.
type Trader struct {
	store  Store
	events EventLog
	risk   RiskConfig
	now    func() time.Time

	mu               sync.Mutex
	cash             float64
	realizedPnL      float64
	lastSellAt       map[string]time.Time
	ordersToday      int
	ordersTodayDate  string
	startOfDayValue  float64
}

// NewTrader builds a Trader with the given starting cash balance.
func NewTrader(store Store, events EventLog, risk RiskConfig, startingCash float64, now func() time.Time) *Trader {
	if now == nil {
		now = time.Now
	}
	return &Trader{
		store:      store,
		events:     events,
		risk:       risk,
		now:        now,
		cash:       startingCash,
		lastSellAt: make(map[string]time.Time),
	}
}

// Cash returns the current cash balance.
func (t *Trader) Cash() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cash
}

// Buy atomically decrements cash and opens or adds to a position.
func (t *Trader) Buy(ctx context.Context, symbol string, qty int, price float64) (models.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := float64(qty) * price
	if t.cash-cost < 0 {
		return models.Order{}, &ErrInsufficientCash{Needed: cost, Available: t.cash}
	}

	existing, err := t.store.GetPosition(ctx, symbol)
	hadPosition := err == nil

	pos := existing
	if hadPosition {
		totalQty := pos.Qty + qty
		pos.AvgEntryPrice = (pos.AvgEntryPrice*float64(pos.Qty) + price*float64(qty)) / float64(totalQty)
		pos.Qty = totalQty
	} else {
		pos = models.Position{
			Symbol:        symbol,
			Qty:           qty,
			AvgEntryPrice: price,
			OpenedAt:      t.now(),
		}
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (pos.CurrentPrice - pos.AvgEntryPrice) * float64(pos.Qty)
	pos.LastUpdated = t.now()

	if err := t.store.PutPosition(ctx, pos); err != nil {
		return models.Order{}, err
	}
	t.cash -= cost

	order := models.Order{
		ID:        newOrderID(),
		Symbol:    symbol,
		Side:      models.SideBuy,
		Qty:       qty,
		Price:     price,
		OrderType: "market",
		Status:    models.OrderFilled,
		CreatedAt: t.now(),
		FilledAt:  t.now(),
	}
	if err := t.store.PutOrder(ctx, order); err != nil {
		return order, err
	}
	t.ordersToday++
	t.logEvent("trading", "order_filled", "buy filled", symbol, models.EventSuccess)
	return order, nil
}

// Sell atomically credits cash, reduces or closes the position, and
// accumulates realized P&L.
func (t *Trader) Sell(ctx context.Context, symbol string, qty int, price float64) (models.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, err := t.store.GetPosition(ctx, symbol)
	if err != nil {
		return models.Order{}, &ErrPositionNotFound{Symbol: symbol}
	}
	if qty > pos.Qty {
		qty = pos.Qty
	}

	proceeds := float64(qty) * price
	t.cash += proceeds
	realized := (price - pos.AvgEntryPrice) * float64(qty)
	t.realizedPnL += realized

	pos.Qty -= qty
	pos.CurrentPrice = price
	pos.LastUpdated = t.now()

	if pos.Qty <= 0 {
		if err := t.store.DeletePosition(ctx, symbol); err != nil {
			return models.Order{}, err
		}
	} else {
		pos.UnrealizedPnL = (pos.CurrentPrice - pos.AvgEntryPrice) * float64(pos.Qty)
		if err := t.store.PutPosition(ctx, pos); err != nil {
			return models.Order{}, err
		}
	}

	order := models.Order{
		ID:        newOrderID(),
		Symbol:    symbol,
		Side:      models.SideSell,
		Qty:       qty,
		Price:     price,
		OrderType: "market",
		Status:    models.OrderFilled,
		CreatedAt: t.now(),
		FilledAt:  t.now(),
	}
	if err := t.store.PutOrder(ctx, order); err != nil {
		return order, err
	}
	t.ordersToday++
	t.lastSellAt[symbol] = t.now()
	t.logEvent("trading", "order_filled", "sell filled", symbol, models.EventSuccess)
	return order, nil
}

// Positions returns every open position.
func (t *Trader) Positions(ctx context.Context) ([]models.Position, error) {
	return t.store.AllPositions(ctx)
}

// Portfolio computes the current PortfolioSnapshot from cash and open
// positions.
func (t *Trader) Portfolio(ctx context.Context) (models.PortfolioSnapshot, error) {
	positions, err := t.store.AllPositions(ctx)
	if err != nil {
		return models.PortfolioSnapshot{}, err
	}
	t.mu.Lock()
	cash := t.cash
	realized := t.realizedPnL
	t.mu.Unlock()

	var positionsValue, unrealized float64
	for _, p := range positions {
		positionsValue += p.CurrentPrice * float64(p.Qty)
		unrealized += p.UnrealizedPnL
	}

	return models.PortfolioSnapshot{
		Timestamp:      t.now(),
		Cash:           cash,
		PositionsValue: positionsValue,
		TotalValue:     cash + positionsValue,
		RealizedPnL:    realized,
		UnrealizedPnL:  unrealized,
	}, nil
}

// Snapshot persists the current PortfolioSnapshot.
func (t *Trader) Snapshot(ctx context.Context) (models.PortfolioSnapshot, error) {
	snap, err := t.Portfolio(ctx)
	if err != nil {
		return models.PortfolioSnapshot{}, err
	}
	if err := t.store.PutSnapshot(ctx, snap); err != nil {
		return models.PortfolioSnapshot{}, err
	}
	t.logEvent("trading", "snapshot", "portfolio snapshot", "", models.EventSuccess)
	return snap, nil
}

func (t *Trader) logEvent(phase, eventType, detail, symbol string, status models.EventStatus) {
	if t.events == nil {
		return
	}
	t.events.Log(phase, eventType, detail, eventlog.WithSymbol(symbol), eventlog.WithStatus(status))
}

// newOrderID is grounded on the teacher's use of google/uuid for
// session/order-style identifiers (see eventlog.Log's event IDs).
func newOrderID() string {
	return uuid.NewString()
}

// Router computes the deterministic Signal Router decision for a fresh
// dossier against current portfolio state (spec.md §4-K).
type Router struct {
	Risk RiskConfig
	Now  func() time.Time
}

func NewRouter(risk RiskConfig, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{Risk: risk, Now: now}
}

// PortfolioState is the subset of trader state the router needs to
// evaluate risk guards.
type PortfolioState struct {
	TotalValue      float64
	AllocatedValue  float64 // sum of all open position values
	HasPosition     bool
	PositionValue   float64
	LastSellAt      time.Time
	OrdersToday     int
	DailyPnLPct     float64 // realized+unrealized P&L as a fraction of start-of-day value
}

// Route returns the desired Decision and, for BUY, the sized quantity.
// Any risk-guard failure returns DecisionHold with a non-nil
// *ErrRiskBlocked explaining why (the caller is expected to log
// signal_blocked and treat this as a non-fatal outcome, not an error to
// propagate).
func (r *Router) Route(dossier models.TickerDossier, price float64, portfolio PortfolioState) (Decision, int, error) {
	switch {
	case dossier.ConvictionScore >= r.Risk.BuyThreshold && !portfolio.HasPosition:
		qty, err := r.sizedBuyQty(dossier, price, portfolio)
		if err != nil {
			return DecisionHold, 0, err
		}
		return DecisionBuy, qty, nil

	case dossier.ConvictionScore <= r.Risk.SellThreshold && portfolio.HasPosition:
		return DecisionSell, 0, nil

	default:
		return DecisionHold, 0, nil
	}
}

func (r *Router) sizedBuyQty(dossier models.TickerDossier, price float64, portfolio PortfolioState) (int, error) {
	if dossier.ConvictionScore < r.Risk.MinConvictionFloor {
		return 0, &ErrRiskBlocked{Reason: "below min conviction floor"}
	}
	if portfolio.OrdersToday >= r.Risk.MaxOrdersPerDay {
		return 0, &ErrRiskBlocked{Reason: "daily order count cap reached"}
	}
	if portfolio.DailyPnLPct <= -r.Risk.DailyLossLimitPct {
		return 0, &ErrRiskBlocked{Reason: "daily loss limit reached"}
	}
	if !portfolio.LastSellAt.IsZero() {
		cooldownEnd := portfolio.LastSellAt.Add(time.Duration(r.Risk.RebuyCooldownDays) * 24 * time.Hour)
		if r.Now().Before(cooldownEnd) {
			return 0, &ErrRiskBlocked{Reason: "re-buy cooldown active"}
		}
	}

	maxPositionValue := r.Risk.MaxPositionPct * portfolio.TotalValue
	maxShares := int(maxPositionValue / price)
	if maxShares > r.Risk.MaxPositionShares {
		maxShares = r.Risk.MaxPositionShares
	}
	if maxShares <= 0 {
		return 0, &ErrRiskBlocked{Reason: "position sizing rounds to zero shares"}
	}

	projectedAllocation := portfolio.AllocatedValue + float64(maxShares)*price
	if portfolio.TotalValue > 0 && projectedAllocation/portfolio.TotalValue > r.Risk.MaxPortfolioAllocationPct {
		return 0, &ErrRiskBlocked{Reason: "total allocation cap exceeded"}
	}

	return maxShares, nil
}
