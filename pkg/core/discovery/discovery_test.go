package discovery

import (
	"context"
	"testing"
	"time"

	"autoresearch/pkg/models"
)

type fakeSource struct {
	name string
	hits []models.ScoredTicker
	err  error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Scan(ctx context.Context) ([]models.ScoredTicker, error) {
	return f.hits, f.err
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDecayFactor(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		days time.Duration
		want float64
	}{
		{0, 1.0},
		{2 * 24 * time.Hour, 0.7},
		{10 * 24 * time.Hour, 0.1}, // floored at 0.1
	}
	for _, c := range cases {
		last := now.Add(-c.days)
		got := DecayFactor(last, now)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("DecayFactor(%v ago) = %v, want %v", c.days, got, c.want)
		}
	}
}

func TestDecayFactorZeroLastSeen(t *testing.T) {
	if got := DecayFactor(time.Time{}, time.Now()); got != 1.0 {
		t.Errorf("DecayFactor(zero) = %v, want 1.0", got)
	}
}

func TestRunMergesDuplicateSymbolsAcrossSources(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	src1 := &fakeSource{name: "a", hits: []models.ScoredTicker{
		{
			Symbol:       "NVDA",
			TotalScore:   5,
			SourceScores: map[string]float64{"a": 5},
			Sources:      map[string]struct{}{"a": {}},
			MentionCount: 2,
			FirstSeen:    now,
			LastSeen:     now,
		},
	}}
	src2 := &fakeSource{name: "b", hits: []models.ScoredTicker{
		{
			Symbol:       "NVDA",
			TotalScore:   3,
			SourceScores: map[string]float64{"b": 3},
			Sources:      map[string]struct{}{"b": {}},
			MentionCount: 1,
			FirstSeen:    now,
			LastSeen:     now,
		},
		{
			Symbol:       "AMD",
			TotalScore:   2,
			SourceScores: map[string]float64{"b": 2},
			Sources:      map[string]struct{}{"b": {}},
			MentionCount: 1,
			FirstSeen:    now,
			LastSeen:     now,
		},
	}}

	d := New([]Source{src1, src2}, fixedNow(now))
	out, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 merged tickers, got %d: %+v", len(out), out)
	}
	// NVDA (score 8) should sort ahead of AMD (score 2).
	if out[0].Symbol != "NVDA" {
		t.Errorf("expected NVDA first, got %s", out[0].Symbol)
	}
	if out[0].TotalScore != 8 {
		t.Errorf("expected merged score 8, got %v", out[0].TotalScore)
	}
	if len(out[0].Sources) != 2 {
		t.Errorf("expected union of 2 sources, got %+v", out[0].Sources)
	}
}

func TestRunToleratesOneSourceFailure(t *testing.T) {
	now := time.Now()
	good := &fakeSource{name: "a", hits: []models.ScoredTicker{
		{Symbol: "NVDA", TotalScore: 5, FirstSeen: now, LastSeen: now},
	}}
	bad := &fakeSource{name: "b", err: context.DeadlineExceeded}

	d := New([]Source{good, bad}, fixedNow(now))
	out, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run should not propagate a single source's error: %v", err)
	}
	if len(out) != 1 || out[0].Symbol != "NVDA" {
		t.Errorf("expected the surviving source's hit, got %+v", out)
	}
}

func TestThreadSourceWeightsByLocation(t *testing.T) {
	now := time.Now()
	s := &ThreadSource{
		FetchThreads: func(ctx context.Context) ([]ThreadInput, error) {
			return []ThreadInput{
				{Title: "NVDA earnings beat", Body: "NVDA guidance raised, AMD lagging", Comments: []string{"buying more AMD"}},
			}, nil
		},
		ExtractSymbols: func(text string) []string {
			var out []string
			for _, w := range []string{"NVDA", "AMD"} {
				if containsWord(text, w) {
					out = append(out, w)
				}
			}
			return out
		},
		ValidateTicker: func(ctx context.Context, symbol string) (bool, error) { return true, nil },
		Now:            fixedNow(now),
	}

	out, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scores := map[string]float64{}
	for _, t := range out {
		scores[t.Symbol] = t.TotalScore
	}
	// NVDA: title(3) + body(2) = 5. AMD: body(2) + comment(1) = 3.
	if scores["NVDA"] != 5 {
		t.Errorf("NVDA score = %v, want 5", scores["NVDA"])
	}
	if scores["AMD"] != 3 {
		t.Errorf("AMD score = %v, want 3", scores["AMD"])
	}
}

func TestThreadSourceDropsIrrelevantThreads(t *testing.T) {
	s := &ThreadSource{
		FetchThreads: func(ctx context.Context) ([]ThreadInput, error) {
			return []ThreadInput{{Title: "cute cat pictures", Body: "NVDA mentioned by accident"}}, nil
		},
		IsFinanceRelevant: func(ctx context.Context, title string) (bool, error) { return false, nil },
		ExtractSymbols:    func(text string) []string { return []string{"NVDA"} },
		ValidateTicker:    func(ctx context.Context, symbol string) (bool, error) { return true, nil },
	}
	out, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected irrelevant thread to be dropped, got %+v", out)
	}
}

func TestThreadSourceDropsUnvalidatedSymbols(t *testing.T) {
	s := &ThreadSource{
		FetchThreads: func(ctx context.Context) ([]ThreadInput, error) {
			return []ThreadInput{{Title: "YOLO into DD", Body: ""}}, nil
		},
		ExtractSymbols: func(text string) []string { return []string{"YOLO"} },
		ValidateTicker: func(ctx context.Context, symbol string) (bool, error) { return false, nil },
	}
	out, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected unvalidated symbol to be dropped, got %+v", out)
	}
}

func TestTranscriptSourceScoresByTrustTimesMentions(t *testing.T) {
	now := time.Now()
	s := &TranscriptSource{
		FetchTranscripts: func(ctx context.Context, since time.Time) ([]TranscriptInput, error) {
			return []TranscriptInput{
				{VideoID: "v1", ChannelTrust: 2.0, PublishedAt: now, FullText: "talking about NVDA a lot"},
			}, nil
		},
		ExtractSymbols: func(ctx context.Context, text string) ([]string, error) {
			return []string{"NVDA", "NVDA", "NVDA"}, nil
		},
		ValidateTicker: func(ctx context.Context, symbol string) (bool, error) { return true, nil },
		Now:            fixedNow(now),
	}
	out, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 ticker, got %+v", out)
	}
	// trust(2.0) * mentions(3) = 6.
	if out[0].TotalScore != 6 {
		t.Errorf("TotalScore = %v, want 6", out[0].TotalScore)
	}
}

func containsWord(text, word string) bool {
	for i := 0; i+len(word) <= len(text); i++ {
		if text[i:i+len(word)] == word {
			return true
		}
	}
	return false
}
