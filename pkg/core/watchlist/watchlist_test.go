package watchlist

import (
	"context"
	"testing"
	"time"

	"autoresearch/pkg/models"
)

type fakeStore struct {
	entries map[string]models.WatchlistEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]models.WatchlistEntry{}}
}

func (s *fakeStore) GetWatchlistEntry(ctx context.Context, symbol string) (models.WatchlistEntry, error) {
	e, ok := s.entries[symbol]
	if !ok {
		return models.WatchlistEntry{}, errNotFound{symbol}
	}
	return e, nil
}

func (s *fakeStore) PutWatchlistEntry(ctx context.Context, e models.WatchlistEntry) error {
	s.entries[e.Symbol] = e
	return nil
}

func (s *fakeStore) AllWatchlistEntries(ctx context.Context) ([]models.WatchlistEntry, error) {
	out := make([]models.WatchlistEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

type errNotFound struct{ symbol string }

func (e errNotFound) Error() string { return "not found: " + e.symbol }

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestAddManualSucceedsAndOverridesCooldown(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.entries["NVDA"] = models.WatchlistEntry{Symbol: "NVDA", Status: models.StatusCooldown, RemovedAt: now.Add(-time.Hour)}

	m := New(s, nil, DefaultPolicy(), fixedNow(now))
	if err := m.AddManual(context.Background(), "NVDA"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := s.entries["NVDA"]
	if got.Status != models.StatusActive || got.Source != models.SourceManual {
		t.Errorf("unexpected entry after AddManual: %+v", got)
	}
}

func TestAddManualRespectsMaxActive(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	policy := DefaultPolicy()
	policy.MaxActive = 1
	s.entries["AMD"] = models.WatchlistEntry{Symbol: "AMD", Status: models.StatusActive}

	m := New(s, nil, policy, fixedNow(now))
	err := m.AddManual(context.Background(), "NVDA")
	if _, ok := err.(*ErrMaxActive); !ok {
		t.Fatalf("expected ErrMaxActive, got %v", err)
	}
}

func TestRemoveManual(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.entries["NVDA"] = models.WatchlistEntry{Symbol: "NVDA", Status: models.StatusActive}

	m := New(s, nil, DefaultPolicy(), fixedNow(now))
	if err := m.RemoveManual(context.Background(), "NVDA"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := s.entries["NVDA"]
	if got.Status != models.StatusRemoved || got.RemovedAt.IsZero() {
		t.Errorf("unexpected entry after RemoveManual: %+v", got)
	}
}

func TestImportFromDiscoverySortsAndSkipsActiveAndCooldown(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.entries["AMD"] = models.WatchlistEntry{Symbol: "AMD", Status: models.StatusActive}
	s.entries["TSLA"] = models.WatchlistEntry{Symbol: "TSLA", Status: models.StatusCooldown, RemovedAt: now}

	m := New(s, nil, DefaultPolicy(), fixedNow(now))
	scored := []models.ScoredTicker{
		{Symbol: "AMD", TotalScore: 10},
		{Symbol: "TSLA", TotalScore: 9},
		{Symbol: "NVDA", TotalScore: 8},
		{Symbol: "LOW", TotalScore: 1}, // below MinDiscoveryScoreToAdd
	}

	imported, err := m.ImportFromDiscovery(context.Background(), scored)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(imported) != 1 || imported[0] != "NVDA" {
		t.Errorf("expected only NVDA imported, got %+v", imported)
	}
}

func TestImportFromDiscoveryRespectsMaxActive(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	policy := DefaultPolicy()
	policy.MaxActive = 1
	s.entries["AMD"] = models.WatchlistEntry{Symbol: "AMD", Status: models.StatusActive}

	m := New(s, nil, policy, fixedNow(now))
	scored := []models.ScoredTicker{{Symbol: "NVDA", TotalScore: 10}}
	imported, err := m.ImportFromDiscovery(context.Background(), scored)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(imported) != 0 {
		t.Errorf("expected nothing imported at max active, got %+v", imported)
	}
}

func TestApplyDossierDerivesSignalAndTracksLowStreak(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.entries["NVDA"] = models.WatchlistEntry{Symbol: "NVDA", Status: models.StatusActive, Source: models.SourceAutoDiscovery}

	m := New(s, nil, DefaultPolicy(), fixedNow(now))

	if err := m.ApplyDossier(context.Background(), "NVDA", models.TickerDossier{ConvictionScore: 0.8}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.entries["NVDA"].LastSignal != models.SignalBuy {
		t.Errorf("expected BUY signal, got %v", s.entries["NVDA"].LastSignal)
	}
	if s.entries["NVDA"].TimesAnalyzed != 1 {
		t.Errorf("expected TimesAnalyzed=1, got %d", s.entries["NVDA"].TimesAnalyzed)
	}

	// Two consecutive low-conviction dossiers should auto-remove an
	// auto_discovery entry with no position held.
	if err := m.ApplyDossier(context.Background(), "NVDA", models.TickerDossier{ConvictionScore: 0.1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.entries["NVDA"].ConsecutiveLow != 1 {
		t.Errorf("expected ConsecutiveLow=1, got %d", s.entries["NVDA"].ConsecutiveLow)
	}
	if err := m.ApplyDossier(context.Background(), "NVDA", models.TickerDossier{ConvictionScore: 0.1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := s.entries["NVDA"]
	if got.Status != models.StatusRemoved {
		t.Errorf("expected auto-remove after 2 consecutive low scores, got %+v", got)
	}
}

func TestApplyDossierNeverAutoRemovesPositionHeld(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.entries["NVDA"] = models.WatchlistEntry{
		Symbol: "NVDA", Status: models.StatusActive, Source: models.SourceAutoDiscovery,
		PositionHeld: true, ConsecutiveLow: 1,
	}
	m := New(s, nil, DefaultPolicy(), fixedNow(now))

	if err := m.ApplyDossier(context.Background(), "NVDA", models.TickerDossier{ConvictionScore: 0.1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.entries["NVDA"].Status != models.StatusActive {
		t.Errorf("expected position-held entry to stay active, got %+v", s.entries["NVDA"])
	}
}

func TestApplyDossierNeverAutoRemovesManualEntries(t *testing.T) {
	now := time.Now()
	s := newFakeStore()
	s.entries["NVDA"] = models.WatchlistEntry{
		Symbol: "NVDA", Status: models.StatusActive, Source: models.SourceManual, ConsecutiveLow: 1,
	}
	m := New(s, nil, DefaultPolicy(), fixedNow(now))

	if err := m.ApplyDossier(context.Background(), "NVDA", models.TickerDossier{ConvictionScore: 0.1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.entries["NVDA"].Status != models.StatusActive {
		t.Errorf("expected manual entry to stay active, got %+v", s.entries["NVDA"])
	}
}

func TestConvictionSignalBands(t *testing.T) {
	cases := []struct {
		conviction float64
		want       models.Signal
	}{
		{0.1, models.SignalSell},
		{0.3, models.SignalSell},
		{0.5, models.SignalHold},
		{0.6, models.SignalHold},
		{0.7, models.SignalBuy},
		{0.9, models.SignalBuy},
	}
	for _, c := range cases {
		if got := convictionSignal(c.conviction); got != c.want {
			t.Errorf("convictionSignal(%v) = %v, want %v", c.conviction, got, c.want)
		}
	}
}
