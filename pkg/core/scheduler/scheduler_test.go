package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func marketLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("America/New_York tzdata unavailable: %v", err)
	}
	return loc
}

func TestIsMarketOpen(t *testing.T) {
	loc := marketLocation(t)
	s := New(loc, zerolog.Nop())

	open := time.Date(2026, 2, 4, 10, 0, 0, 0, loc)
	closed := time.Date(2026, 2, 4, 20, 0, 0, 0, loc)
	weekend := time.Date(2026, 2, 7, 10, 0, 0, 0, loc)

	if !s.IsMarketOpen(open) {
		t.Error("expected market open at 10:00 ET weekday")
	}
	if s.IsMarketOpen(closed) {
		t.Error("expected market closed at 20:00 ET")
	}
	if s.IsMarketOpen(weekend) {
		t.Error("expected market closed on Saturday")
	}
}

func TestRegisterDailyCronFiresOncePerCalendarDate(t *testing.T) {
	loc := marketLocation(t)
	s := New(loc, zerolog.Nop())

	var mu sync.Mutex
	var calls int
	s.registerDailyCron(JobPreMarket, 6, 0, func(ctx context.Context, date string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	day1 := time.Date(2026, 2, 4, 6, 5, 0, 0, loc)
	s.Now = func() time.Time { return day1 }
	s.evaluate(context.Background())
	s.evaluate(context.Background())

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Errorf("expected exactly 1 call on the same calendar day, got %d", got)
	}

	day2 := time.Date(2026, 2, 5, 6, 5, 0, 0, loc)
	s.Now = func() time.Time { return day2 }
	s.evaluate(context.Background())

	mu.Lock()
	got = calls
	mu.Unlock()
	if got != 2 {
		t.Errorf("expected a second call on the next calendar day, got %d", got)
	}
}

func TestRegisterDailyCronSkipsWeekends(t *testing.T) {
	loc := marketLocation(t)
	s := New(loc, zerolog.Nop())

	var calls int
	s.registerDailyCron(JobPreMarket, 6, 0, func(ctx context.Context, date string) error {
		calls++
		return nil
	})

	saturday := time.Date(2026, 2, 7, 6, 5, 0, 0, loc)
	s.Now = func() time.Time { return saturday }
	s.evaluate(context.Background())

	if calls != 0 {
		t.Errorf("expected no calls on Saturday, got %d", calls)
	}
}

func TestRegisterDailyCronDoesNotFireBeforeScheduledTime(t *testing.T) {
	loc := marketLocation(t)
	s := New(loc, zerolog.Nop())

	var calls int
	s.registerDailyCron(JobPreMarket, 6, 0, func(ctx context.Context, date string) error {
		calls++
		return nil
	})

	early := time.Date(2026, 2, 4, 5, 59, 0, 0, loc)
	s.Now = func() time.Time { return early }
	s.evaluate(context.Background())

	if calls != 0 {
		t.Errorf("expected no calls before 06:00, got %d", calls)
	}
}

func TestThreeIntradaySlotsAllFireOnSameDay(t *testing.T) {
	loc := marketLocation(t)
	s := New(loc, zerolog.Nop())

	var mu sync.Mutex
	var calls []string
	intraday := func(ctx context.Context, date string) error {
		mu.Lock()
		calls = append(calls, date)
		mu.Unlock()
		return nil
	}
	s.registerDailyCron(JobIntradayReanalyze, 10, 30, intraday)
	s.registerDailyCron(JobIntradayReanalyze, 12, 30, intraday)
	s.registerDailyCron(JobIntradayReanalyze, 14, 30, intraday)

	for _, hm := range [][2]int{{10, 30}, {12, 30}, {14, 30}} {
		s.Now = func(h, m int) func() time.Time {
			return func() time.Time { return time.Date(2026, 2, 4, h, m, 0, 0, loc) }
		}(hm[0], hm[1])
		s.evaluate(context.Background())
	}

	mu.Lock()
	got := len(calls)
	mu.Unlock()
	if got != 3 {
		t.Errorf("expected all 3 intraday slots to fire once, got %d", got)
	}
}

func TestRegisterIntervalRespectsMinimumSpacing(t *testing.T) {
	loc := marketLocation(t)
	s := New(loc, zerolog.Nop())

	var calls int
	s.registerInterval(JobPriceMonitorTick, 60*time.Second, func(ctx context.Context, date string) error {
		calls++
		return nil
	})

	base := time.Date(2026, 2, 4, 10, 0, 0, 0, loc)
	s.Now = func() time.Time { return base }
	s.evaluate(context.Background())
	s.Now = func() time.Time { return base.Add(30 * time.Second) }
	s.evaluate(context.Background())
	if calls != 1 {
		t.Errorf("expected interval job not to re-fire within 60s, got %d calls", calls)
	}
	s.Now = func() time.Time { return base.Add(61 * time.Second) }
	s.evaluate(context.Background())
	if calls != 2 {
		t.Errorf("expected interval job to fire again after 60s, got %d calls", calls)
	}
}

func TestTriggerBypassesSchedule(t *testing.T) {
	loc := marketLocation(t)
	s := New(loc, zerolog.Nop())

	var called bool
	err := s.Trigger(context.Background(), func(ctx context.Context, date string) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected manual trigger to run the job function")
	}
}
