package dossier

import (
	"context"
	"testing"

	"autoresearch/pkg/core/llmclient"
	"autoresearch/pkg/models"
)

type fakeProvider struct {
	response string
}

func (f fakeProvider) GenerateResponse(ctx context.Context, prompt, systemPrompt string, options map[string]any) (string, error) {
	return f.response, nil
}

func (f fakeProvider) AdaptInstructions(raw string) string { return raw }

func TestConvictionBandBoundaries(t *testing.T) {
	cases := []struct {
		conviction float64
		want       string
	}{
		{0.0, "strong_sell"},
		{0.24, "strong_sell"},
		{0.25, "lean_sell"},
		{0.39, "lean_sell"},
		{0.40, "hold"},
		{0.60, "hold"},
		{0.61, "lean_buy"},
		{0.75, "lean_buy"},
		{0.76, "strong_buy"},
		{1.0, "strong_buy"},
	}
	for _, c := range cases {
		if got := ConvictionBand(c.conviction); got != c.want {
			t.Errorf("ConvictionBand(%v) = %q, want %q", c.conviction, got, c.want)
		}
	}
}

func TestDropLeastValuableDropsLowestConfidenceFirst(t *testing.T) {
	qaPairs := []models.QAPair{
		{Question: "q1", Confidence: models.ConfidenceHigh},
		{Question: "q2", Confidence: models.ConfidenceLow},
		{Question: "q3", Confidence: models.ConfidenceMedium},
	}
	questions := []models.Question{{Text: "q1"}, {Text: "q2"}, {Text: "q3"}}

	newQA, newQuestions := dropLeastValuable(qaPairs, questions)
	if len(newQA) != 2 {
		t.Fatalf("expected 2 remaining QAPairs, got %d", len(newQA))
	}
	for _, qa := range newQA {
		if qa.Question == "q2" {
			t.Error("expected the low-confidence QAPair to be dropped")
		}
	}
	if len(newQuestions) != 2 {
		t.Fatalf("expected 2 remaining questions, got %d", len(newQuestions))
	}
	for _, q := range newQuestions {
		if q.Text == "q2" {
			t.Error("expected the dropped QAPair's question to be dropped too")
		}
	}
}

func TestDropLeastValuableNoopWhenEmpty(t *testing.T) {
	qa, q := dropLeastValuable(nil, nil)
	if qa != nil || q != nil {
		t.Errorf("expected no-op on empty input, got qa=%+v q=%+v", qa, q)
	}
}

func TestSynthesizeParsesLLMResponse(t *testing.T) {
	resp := `{"executive_summary":"a summary","bull_case":"bull","bear_case":"bear","key_catalysts":["a","b","c","d","e","f"],"conviction_score":1.5,"signal_summary":"BUY"}`
	client := llmclient.New(fakeProvider{response: resp})
	s := New(client, "test-model", 0)

	qaPairs := []models.QAPair{{Question: "q1", Answer: "a1", Confidence: models.ConfidenceHigh}}
	d, err := s.Synthesize(context.Background(), "NVDA", models.QuantScorecard{Symbol: "NVDA"}, nil, qaPairs, PortfolioContext{Cash: 1000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ExecutiveSummary != "a summary" {
		t.Errorf("ExecutiveSummary = %q", d.ExecutiveSummary)
	}
	if len(d.KeyCatalysts) != 5 {
		t.Errorf("expected key_catalysts capped at 5, got %d", len(d.KeyCatalysts))
	}
	if d.ConvictionScore != 1.0 {
		t.Errorf("expected conviction clamped to 1.0, got %v", d.ConvictionScore)
	}
}

func TestSynthesizeDropsQAPairsUnderTightBudget(t *testing.T) {
	resp := `{"executive_summary":"s","bull_case":"b","bear_case":"b","key_catalysts":[],"conviction_score":0.5,"signal_summary":"HOLD"}`
	client := llmclient.New(fakeProvider{response: resp})
	// Budget tight enough to force dropping the low-confidence pair.
	s := New(client, "test-model", 10)

	qaPairs := []models.QAPair{
		{Question: "q1", Answer: "answer one is reasonably long for token pressure", Confidence: models.ConfidenceHigh},
		{Question: "q2", Answer: "answer two is also reasonably long for token pressure", Confidence: models.ConfidenceLow},
	}
	questions := []models.Question{{Text: "q1"}, {Text: "q2"}}

	d, err := s.Synthesize(context.Background(), "NVDA", models.QuantScorecard{Symbol: "NVDA"}, questions, qaPairs, PortfolioContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Under a 10-token budget even a single QAPair overflows, so the guard
	// drops until qaPairs is empty rather than looping forever.
	if len(d.QAPairs) > 1 {
		t.Errorf("expected budget guard to shrink QAPairs, got %d", len(d.QAPairs))
	}
}
