package question

import (
	"context"
	"testing"

	"autoresearch/pkg/models"
)

func TestFillFromFallbackUsesFlaggedTemplatesFirst(t *testing.T) {
	sc := models.QuantScorecard{Symbol: "NVDA", Flags: []string{"volume_spike_95th", "negative_sortino"}}
	out := fillFromFallback(nil, sc)
	if len(out) < requiredCount {
		t.Fatalf("expected at least %d fallback questions, got %d", requiredCount, len(out))
	}
	if out[0].TargetSource != models.TargetNews {
		t.Errorf("expected the volume_spike template first, got %+v", out[0])
	}
}

func TestFillFromFallbackPadsWithExisting(t *testing.T) {
	existing := []models.Question{
		{Text: "q1", TargetSource: models.TargetNews, Priority: models.PriorityHigh},
		{Text: "q2", TargetSource: models.TargetNews, Priority: models.PriorityHigh},
	}
	sc := models.QuantScorecard{Symbol: "NVDA"}
	out := fillFromFallback(existing, sc)
	if len(out) < requiredCount {
		t.Fatalf("expected padding to reach %d, got %d", requiredCount, len(out))
	}
	if out[0].Text != "q1" || out[1].Text != "q2" {
		t.Errorf("expected existing questions preserved in order, got %+v", out[:2])
	}
}

func TestGenerateFallsBackWithNoLLMClient(t *testing.T) {
	g := New(nil, "")
	sc := models.QuantScorecard{Symbol: "NVDA", Flags: []string{"volume_spike_95th"}}
	questions, err := g.Generate(context.Background(), sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(questions) != requiredCount {
		t.Fatalf("expected exactly %d questions, got %d", requiredCount, len(questions))
	}
}

func TestGenerateEnsuresDistinctSources(t *testing.T) {
	g := New(nil, "")
	sc := models.QuantScorecard{Symbol: "NVDA"} // no flags -> generic fallbacks, which already span 5 sources
	questions, err := g.Generate(context.Background(), sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if distinctSources(questions) < minDistinctSources {
		t.Errorf("expected at least %d distinct sources, got %d: %+v", minDistinctSources, distinctSources(questions), questions)
	}
}

func TestToQuestionRejectsUnknownSource(t *testing.T) {
	_, ok := toQuestion(llmQuestion{Question: "q", TargetSource: "twitter", Priority: "high"})
	if ok {
		t.Error("expected unknown target_source to be rejected")
	}
}

func TestToQuestionDefaultsUnknownPriorityToMedium(t *testing.T) {
	q, ok := toQuestion(llmQuestion{Question: "q", TargetSource: "news", Priority: "urgent"})
	if !ok {
		t.Fatal("expected valid question")
	}
	if q.Priority != models.PriorityMedium {
		t.Errorf("expected priority to default to medium, got %v", q.Priority)
	}
}

func TestDiversifySourcesFillsMissingSources(t *testing.T) {
	questions := []models.Question{
		{Text: "a", TargetSource: models.TargetNews, Priority: models.PriorityLow},
		{Text: "b", TargetSource: models.TargetNews, Priority: models.PriorityLow},
		{Text: "c", TargetSource: models.TargetNews, Priority: models.PriorityHigh},
		{Text: "d", TargetSource: models.TargetNews, Priority: models.PriorityHigh},
		{Text: "e", TargetSource: models.TargetNews, Priority: models.PriorityMedium},
	}
	out := diversifySources(questions, models.QuantScorecard{})
	if distinctSources(out) < minDistinctSources {
		t.Errorf("expected diversification to reach %d distinct sources, got %d: %+v", minDistinctSources, distinctSources(out), out)
	}
	if len(out) != 5 {
		t.Errorf("expected count preserved at 5, got %d", len(out))
	}
}
