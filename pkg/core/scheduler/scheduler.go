// Package scheduler implements the Scheduler (spec.md §4-N): a
// time-zoned job table dispatched on a hand-rolled ticker, grounded on
// the teacher's interval-plus-time-of-day dispatch shape rather than a
// third-party cron library (none appeared with retrievable source in the
// pack this session).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobName identifies one of the jobs spec.md §4-N's table lists.
type JobName string

const (
	JobPreMarket         JobName = "pre_market"
	JobPriceMonitorTick  JobName = "price_monitor_tick"
	JobIntradayReanalyze JobName = "intraday_reanalyze"
	JobEndOfDay          JobName = "end_of_day"
)

// JobFunc runs one job. calendarDate is the market-timezone calendar
// date the job is running for, used for idempotency dedupe.
type JobFunc func(ctx context.Context, calendarDate string) error

// job is one registered schedule entry. dedupeKey is unique per entry
// (distinct intraday slots sharing JobIntradayReanalyze get distinct
// keys so all three still fire on the same calendar day); cron jobs
// dedupe on (dedupeKey, calendar date), interval jobs dedupe on a
// minimum spacing instead.
type job struct {
	name      JobName
	dedupeKey string
	fn        JobFunc
	due       func(t time.Time) bool // cron jobs: time-of-day reached; interval jobs: always true
	interval  time.Duration          // zero for cron jobs
}

// Scheduler evaluates the job table on a fixed poll tick and dispatches
// due jobs exactly once per calendar day (cron jobs) or at most once per
// interval (the price monitor tick).
type Scheduler struct {
	Location *time.Location
	Now      func() time.Time
	Logger   zerolog.Logger

	pollInterval time.Duration

	mu           sync.Mutex
	jobs         []job
	lastRunDate  map[string]string
	lastRunAt    map[string]time.Time
}

// New builds a Scheduler in the given market timezone.
func New(loc *time.Location, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Location:     loc,
		Now:          time.Now,
		Logger:       logger,
		pollInterval: 15 * time.Second,
		lastRunDate:  make(map[string]string),
		lastRunAt:    make(map[string]time.Time),
	}
}

// IsMarketOpen reports whether t falls within the regular weekday
// 09:30-16:00 market session, per spec.md §4-N (holidays are future
// work).
func (s *Scheduler) IsMarketOpen(t time.Time) bool {
	local := t.In(s.Location)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
	elapsed := local.Sub(midnight)
	return elapsed >= 9*time.Hour+30*time.Minute && elapsed < 16*time.Hour
}

// RegisterDefaultSchedule wires spec.md §4-N's table: pre-market at
// 06:00, intraday re-analysis at 10:30/12:30/14:30, EOD at 16:30, all
// weekdays-only cron jobs deduped by calendar date; the price monitor
// tick runs every interval with no calendar dedupe.
func (s *Scheduler) RegisterDefaultSchedule(preMarket, priceMonitor, intraday, eod JobFunc) {
	s.registerDailyCron(JobPreMarket, 6, 0, preMarket)
	s.registerInterval(JobPriceMonitorTick, 60*time.Second, priceMonitor)
	s.registerDailyCron(JobIntradayReanalyze, 10, 30, intraday)
	s.registerDailyCron(JobIntradayReanalyze, 12, 30, intraday)
	s.registerDailyCron(JobIntradayReanalyze, 14, 30, intraday)
	s.registerDailyCron(JobEndOfDay, 16, 30, eod)
}

// registerDailyCron fires fn once per weekday calendar date, at or after
// hour:minute local market time.
func (s *Scheduler) registerDailyCron(name JobName, hour, minute int, fn JobFunc) {
	key := fmt.Sprintf("%s@%02d:%02d", name, hour, minute)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{
		name:      name,
		dedupeKey: key,
		fn:        fn,
		due: func(t time.Time) bool {
			local := t.In(s.Location)
			if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
				return false
			}
			return local.Hour() > hour || (local.Hour() == hour && local.Minute() >= minute)
		},
	})
}

// registerInterval fires fn at most once per interval, with no calendar
// dedupe (spec.md's price-monitor tick runs continuously).
func (s *Scheduler) registerInterval(name JobName, interval time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{
		name:      name,
		dedupeKey: string(name),
		fn:        fn,
		due:       func(t time.Time) bool { return true },
		interval:  interval,
	})
}

func calendarDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// Run polls the job table every pollInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context) {
	now := s.Now()
	s.mu.Lock()
	var due []job
	for _, j := range s.jobs {
		if !j.due(now) {
			continue
		}
		if j.interval > 0 {
			if last, ok := s.lastRunAt[j.dedupeKey]; ok && now.Sub(last) < j.interval {
				continue
			}
		} else {
			date := calendarDate(now.In(s.Location))
			if s.lastRunDate[j.dedupeKey] == date {
				continue
			}
		}
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.runJob(ctx, j, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j job, now time.Time) {
	date := calendarDate(now.In(s.Location))
	if err := j.fn(ctx, date); err != nil {
		s.Logger.Warn().Err(err).Str("job", string(j.name)).Msg("scheduled job failed")
		return
	}
	s.mu.Lock()
	if j.interval > 0 {
		s.lastRunAt[j.dedupeKey] = now
	} else {
		s.lastRunDate[j.dedupeKey] = date
	}
	s.mu.Unlock()
}

// Trigger runs the named job function immediately and unconditionally,
// bypassing its cadence predicate and dedupe state (manual
// trigger(job_name), spec.md §4-N).
func (s *Scheduler) Trigger(ctx context.Context, fn JobFunc) error {
	date := calendarDate(s.Now().In(s.Location))
	return fn(ctx, date)
}
