// Package discovery runs the two Discovery source types in parallel and
// merges their hits into one set of ScoredTicker candidates (spec.md §4-E).
package discovery

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"autoresearch/pkg/models"
)

// Source is one Discovery source (social-thread or transcript). It returns
// the ScoredTicker hits it found in this run.
type Source interface {
	Name() string
	Scan(ctx context.Context) ([]models.ScoredTicker, error)
}

// Discovery runs every configured Source in parallel and merges results.
type Discovery struct {
	sources []Source
	now     func() time.Time
}

// New builds a Discovery over the given sources. now defaults to
// time.Now if nil; tests pass a fixed clock.
func New(sources []Source, now func() time.Time) *Discovery {
	if now == nil {
		now = time.Now
	}
	return &Discovery{sources: sources, now: now}
}

// Run executes every source concurrently via errgroup, merges duplicate
// symbol hits (models.ScoredTicker.Merge), applies the recency decay
// factor, and returns the merged candidates sorted by score descending.
// A single source's failure does not abort the others.
func (d *Discovery) Run(ctx context.Context) ([]models.ScoredTicker, error) {
	results := make([][]models.ScoredTicker, len(d.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range d.sources {
		i, src := i, src
		g.Go(func() error {
			hits, err := src.Scan(gctx)
			if err != nil {
				// Per-source failure is non-fatal: Discovery degrades to
				// whatever sources succeeded.
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]*models.ScoredTicker)
	var order []string
	for _, hits := range results {
		for _, h := range hits {
			h := h
			existing, ok := merged[h.Symbol]
			if !ok {
				merged[h.Symbol] = &h
				order = append(order, h.Symbol)
				continue
			}
			existing.Merge(&h)
		}
	}

	out := make([]models.ScoredTicker, 0, len(order))
	now := d.now()
	for _, sym := range order {
		t := merged[sym]
		t.TotalScore *= DecayFactor(t.LastSeen, now)
		out = append(out, *t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalScore > out[j].TotalScore
	})
	return out, nil
}

// DecayFactor computes spec.md §4-E's recency decay:
// max(0.1, 1.0 - 0.15*days_since_last_mention).
func DecayFactor(lastSeen, now time.Time) float64 {
	if lastSeen.IsZero() {
		return 1.0
	}
	days := now.Sub(lastSeen).Hours() / 24
	if days < 0 {
		days = 0
	}
	factor := 1.0 - 0.15*days
	return math.Max(0.1, factor)
}

// threadWeights are the per-location score weights for the social-thread
// source: title mentions count 3x, body 2x, a comment 1x.
const (
	weightTitle   = 3.0
	weightBody    = 2.0
	weightComment = 1.0
)

// ThreadSource is the social-thread Discovery source: fetch threads,
// LLM-filter to finance-relevant titles, regex-extract candidate symbols,
// validate, and score by weighted mention location.
type ThreadSource struct {
	// FetchThreads returns priority+trending thread bodies already parsed
	// into title/body/comments (collector.ThreadHTML-shaped); the HTTP
	// fetch itself is a deployment concern, out of scope here.
	FetchThreads func(ctx context.Context) ([]ThreadInput, error)
	// IsFinanceRelevant asks the LLM whether a thread title is
	// finance-relevant; returning false drops the thread before body
	// parsing.
	IsFinanceRelevant func(ctx context.Context, title string) (bool, error)
	// ExtractSymbols regex-extracts and denylist-filters candidate
	// symbols from a block of text.
	ExtractSymbols func(text string) []string
	// ValidateTicker runs the three-layer ticker validation.
	ValidateTicker func(ctx context.Context, symbol string) (bool, error)

	Now func() time.Time
}

// ThreadInput is one fetched, already-HTML-parsed thread.
type ThreadInput struct {
	Title    string
	Body     string
	Comments []string
}

func (s *ThreadSource) Name() string { return "social_thread" }

func (s *ThreadSource) Scan(ctx context.Context) ([]models.ScoredTicker, error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	threads, err := s.FetchThreads(ctx)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*models.ScoredTicker)
	var order []string
	ts := now()

	for _, th := range threads {
		if s.IsFinanceRelevant != nil {
			relevant, err := s.IsFinanceRelevant(ctx, th.Title)
			if err != nil || !relevant {
				continue
			}
		}

		hits := make(map[string]float64)
		for _, sym := range s.ExtractSymbols(th.Title) {
			hits[sym] += weightTitle
		}
		for _, sym := range s.ExtractSymbols(th.Body) {
			hits[sym] += weightBody
		}
		for _, c := range th.Comments {
			for _, sym := range s.ExtractSymbols(c) {
				hits[sym] += weightComment
			}
		}

		for sym, score := range hits {
			if s.ValidateTicker != nil {
				ok, err := s.ValidateTicker(ctx, sym)
				if err != nil || !ok {
					continue
				}
			}
			st, ok := merged[sym]
			if !ok {
				st = &models.ScoredTicker{
					Symbol:          sym,
					TotalScore:      0,
					SourceScores:    map[string]float64{},
					Sources:         map[string]struct{}{s.Name(): {}},
					FirstSeen:       ts,
					LastSeen:        ts,
					ContextSnippets: []string{th.Title},
				}
				merged[sym] = st
				order = append(order, sym)
			}
			st.SourceScores[s.Name()] += score
			st.TotalScore += score
			st.MentionCount++
			st.LastSeen = ts
		}
	}

	out := make([]models.ScoredTicker, 0, len(order))
	for _, sym := range order {
		out = append(out, *merged[sym])
	}
	return out, nil
}

// TranscriptSource is the video-transcript Discovery source: search a
// configured channel list within a recency window, fetch transcripts,
// LLM-extract mentioned symbols, validate, and score by
// channel_trust*mention_count.
type TranscriptSource struct {
	// FetchTranscripts returns transcripts published within the recency
	// window for the configured channel list.
	FetchTranscripts func(ctx context.Context, since time.Time) ([]TranscriptInput, error)
	// ExtractSymbols asks the LLM to extract symbols mentioned by ticker
	// or company name from transcript text.
	ExtractSymbols func(ctx context.Context, text string) ([]string, error)
	ValidateTicker func(ctx context.Context, symbol string) (bool, error)

	RecencyWindow time.Duration
	Now           func() time.Time
}

// TranscriptInput is one fetched transcript plus its channel's trust
// weight.
type TranscriptInput struct {
	VideoID      string
	ChannelTrust float64
	PublishedAt  time.Time
	FullText     string
}

func (s *TranscriptSource) Name() string { return "transcript" }

func (s *TranscriptSource) Scan(ctx context.Context) ([]models.ScoredTicker, error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	window := s.RecencyWindow
	if window == 0 {
		window = 24 * time.Hour
	}
	since := now().Add(-window)

	transcripts, err := s.FetchTranscripts(ctx, since)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	merged := make(map[string]*models.ScoredTicker)
	var order []string

	g, gctx := errgroup.WithContext(ctx)
	for _, tr := range transcripts {
		tr := tr
		g.Go(func() error {
			symbols, err := s.ExtractSymbols(gctx, tr.FullText)
			if err != nil {
				return nil
			}
			counts := make(map[string]int)
			for _, sym := range symbols {
				counts[sym]++
			}

			mu.Lock()
			defer mu.Unlock()
			for sym, count := range counts {
				if s.ValidateTicker != nil {
					ok, err := s.ValidateTicker(gctx, sym)
					if err != nil || !ok {
						continue
					}
				}
				score := tr.ChannelTrust * float64(count)
				st, ok := merged[sym]
				if !ok {
					st = &models.ScoredTicker{
						Symbol:       sym,
						SourceScores: map[string]float64{},
						Sources:      map[string]struct{}{s.Name(): {}},
						FirstSeen:    tr.PublishedAt,
						LastSeen:     tr.PublishedAt,
					}
					merged[sym] = st
					order = append(order, sym)
				}
				st.SourceScores[s.Name()] += score
				st.TotalScore += score
				st.MentionCount += count
				if tr.PublishedAt.After(st.LastSeen) {
					st.LastSeen = tr.PublishedAt
				}
				if tr.PublishedAt.Before(st.FirstSeen) {
					st.FirstSeen = tr.PublishedAt
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.ScoredTicker, 0, len(order))
	for _, sym := range order {
		out = append(out, *merged[sym])
	}
	return out, nil
}
