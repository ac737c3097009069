// Package watchlist implements the tracked-symbol lifecycle: manual and
// discovery-sourced adds, cooldown, conviction-driven auto-removal
// (spec.md §4-F).
package watchlist

import (
	"context"
	"fmt"
	"sort"
	"time"

	"autoresearch/pkg/core/discovery"
	"autoresearch/pkg/core/eventlog"
	"autoresearch/pkg/models"
)

// Policy bundles the configurable constants §4-F names.
type Policy struct {
	MaxActive                       int
	CooldownDays                    int
	MinDiscoveryScoreToAdd          float64
	ConsecutiveLowConvictionToRemove int
	LowConvictionThreshold          float64
	StaleDays                       int
}

// DefaultPolicy matches spec.md §4-F's production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxActive:                       20,
		CooldownDays:                    7,
		MinDiscoveryScoreToAdd:          3.0,
		ConsecutiveLowConvictionToRemove: 2,
		LowConvictionThreshold:          0.3,
		StaleDays:                       5,
	}
}

// DebugPolicy is the 5-entry cap used for local debugging runs.
func DebugPolicy() Policy {
	p := DefaultPolicy()
	p.MaxActive = 5
	return p
}

// Store is the subset of store.Tables the watchlist manager needs.
type Store interface {
	GetWatchlistEntry(ctx context.Context, symbol string) (models.WatchlistEntry, error)
	PutWatchlistEntry(ctx context.Context, e models.WatchlistEntry) error
	AllWatchlistEntries(ctx context.Context) ([]models.WatchlistEntry, error)
}

// EventLog is the subset of eventlog.Log the manager needs.
type EventLog interface {
	Log(phase, eventType, detail string, opts ...eventlog.LogOption)
}

// ErrAlreadyActive is returned by add_manual when the symbol is already
// tracked and active.
type ErrAlreadyActive struct{ Symbol string }

func (e *ErrAlreadyActive) Error() string { return fmt.Sprintf("watchlist: %s already active", e.Symbol) }

// ErrMaxActive is returned when an add would exceed MaxActive.
type ErrMaxActive struct{ Max int }

func (e *ErrMaxActive) Error() string { return fmt.Sprintf("watchlist: max active (%d) reached", e.Max) }

// Manager implements the watchlist lifecycle operations.
type Manager struct {
	store  Store
	events EventLog
	policy Policy
	now    func() time.Time
}

// New builds a Manager. now defaults to time.Now when nil.
func New(store Store, events EventLog, policy Policy, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, events: events, policy: policy, now: now}
}

// ActiveSymbols returns every symbol currently in StatusActive.
func (m *Manager) ActiveSymbols(ctx context.Context) ([]string, error) {
	entries, err := m.store.AllWatchlistEntries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Status == models.StatusActive {
			out = append(out, e.Symbol)
		}
	}
	return out, nil
}

// AddManual adds symbol as a manual entry, overriding any cooldown.
// Fails with ErrMaxActive if the active count is already at the policy
// cap (manual entries respect the cap on insert but, once active, are
// never auto-removed).
func (m *Manager) AddManual(ctx context.Context, symbol string) error {
	existing, err := m.store.GetWatchlistEntry(ctx, symbol)
	if err == nil && existing.Status == models.StatusActive {
		return &ErrAlreadyActive{Symbol: symbol}
	}

	active, err := m.ActiveSymbols(ctx)
	if err != nil {
		return err
	}
	if len(active) >= m.policy.MaxActive {
		return &ErrMaxActive{Max: m.policy.MaxActive}
	}

	now := m.now()
	entry := models.WatchlistEntry{
		Symbol:  symbol,
		Source:  models.SourceManual,
		AddedAt: now,
		Status:  models.StatusActive,
	}
	if err := m.store.PutWatchlistEntry(ctx, entry); err != nil {
		return err
	}
	m.log("watchlist", "watchlist_add_manual", "manual add", symbol, models.EventSuccess)
	return nil
}

// RemoveManual removes symbol regardless of source or cooldown state.
func (m *Manager) RemoveManual(ctx context.Context, symbol string) error {
	entry, err := m.store.GetWatchlistEntry(ctx, symbol)
	if err != nil {
		return err
	}
	entry.Status = models.StatusRemoved
	entry.RemovedAt = m.now()
	if err := m.store.PutWatchlistEntry(ctx, entry); err != nil {
		return err
	}
	m.log("watchlist", "watchlist_remove_manual", "manual remove", symbol, models.EventSuccess)
	return nil
}

// ImportFromDiscovery sorts scored candidates by (already-decayed) score
// descending and adds them until MaxActive, skipping symbols that are
// already active, cooldown-bound, or below MinDiscoveryScoreToAdd.
// Validation (the third, unvalidated-candidate filter) is expected to
// have already run in Discovery; this layer re-checks only watchlist
// state. Returns the symbols actually imported.
func (m *Manager) ImportFromDiscovery(ctx context.Context, scored []models.ScoredTicker) ([]string, error) {
	candidates := make([]models.ScoredTicker, len(scored))
	copy(candidates, scored)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].TotalScore > candidates[j].TotalScore
	})

	active, err := m.ActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}
	activeSet := make(map[string]struct{}, len(active))
	for _, s := range active {
		activeSet[s] = struct{}{}
	}

	now := m.now()
	var imported []string
	for _, c := range candidates {
		if len(active)+len(imported) >= m.policy.MaxActive {
			break
		}
		if c.TotalScore < m.policy.MinDiscoveryScoreToAdd {
			continue
		}
		if _, ok := activeSet[c.Symbol]; ok {
			continue
		}

		existing, err := m.store.GetWatchlistEntry(ctx, c.Symbol)
		if err == nil && (existing.Status == models.StatusCooldown || existing.Status == models.StatusRemoved) {
			if now.Sub(existing.RemovedAt) < time.Duration(m.policy.CooldownDays)*24*time.Hour {
				continue
			}
		}

		entry := models.WatchlistEntry{
			Symbol:         c.Symbol,
			Source:         models.SourceAutoDiscovery,
			AddedAt:        now,
			DiscoveryScore: c.TotalScore,
			Status:         models.StatusActive,
		}
		if err := m.store.PutWatchlistEntry(ctx, entry); err != nil {
			return imported, err
		}
		imported = append(imported, c.Symbol)
		m.log("watchlist", "watchlist_import", "auto import from discovery", c.Symbol, models.EventSuccess)
	}
	return imported, nil
}

// convictionSignal maps a conviction score to a Signal per §4-J's bands.
func convictionSignal(conviction float64) models.Signal {
	switch {
	case conviction < 0.40:
		return models.SignalSell
	case conviction <= 0.60:
		return models.SignalHold
	default:
		return models.SignalBuy
	}
}

// ApplyDossier updates conviction/last_analyzed/times_analyzed from a
// freshly synthesized dossier, derives last_signal, tracks consecutive
// low-conviction streaks, and auto-removes qualifying auto_discovery
// entries.
func (m *Manager) ApplyDossier(ctx context.Context, symbol string, dossier models.TickerDossier) error {
	entry, err := m.store.GetWatchlistEntry(ctx, symbol)
	if err != nil {
		return err
	}

	entry.ConvictionScore = dossier.ConvictionScore
	entry.LastAnalyzed = m.now()
	entry.TimesAnalyzed++
	entry.LastSignal = convictionSignal(dossier.ConvictionScore)

	if dossier.ConvictionScore < m.policy.LowConvictionThreshold {
		entry.ConsecutiveLow++
	} else {
		entry.ConsecutiveLow = 0
	}

	shouldRemove := entry.ConsecutiveLow >= m.policy.ConsecutiveLowConvictionToRemove &&
		!entry.PositionHeld &&
		entry.Source == models.SourceAutoDiscovery

	if shouldRemove {
		entry.Status = models.StatusRemoved
		entry.RemovedAt = m.now()
	}

	if err := m.store.PutWatchlistEntry(ctx, entry); err != nil {
		return err
	}

	if shouldRemove {
		m.log("watchlist", "watchlist_remove", "consecutive low conviction", symbol, models.EventSuccess)
	}
	return nil
}

func (m *Manager) log(phase, eventType, detail, symbol string, status models.EventStatus) {
	if m.events == nil {
		return
	}
	m.events.Log(phase, eventType, detail, eventlog.WithSymbol(symbol), eventlog.WithStatus(status))
}

// compile-time interface sanity: discovery.DecayFactor is applied
// upstream in Discovery, not here; ImportFromDiscovery trusts the score
// it's handed is already decayed.
var _ = discovery.DecayFactor
