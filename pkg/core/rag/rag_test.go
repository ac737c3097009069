package rag

import (
	"context"
	"strings"
	"testing"

	"autoresearch/pkg/models"
)

func TestChunkShortTextIsOneChunk(t *testing.T) {
	text := "short text"
	chunks := Chunk(text)
	if len(chunks) != 1 || chunks[0] != text {
		t.Errorf("expected single chunk, got %+v", chunks)
	}
}

func TestChunkSplitsWithOverlap(t *testing.T) {
	text := strings.Repeat("a", 4000)
	chunks := Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > chunkSize {
			t.Errorf("chunk exceeds chunkSize: %d", len(c))
		}
	}
}

func TestChunkEmptyText(t *testing.T) {
	if chunks := Chunk("   "); chunks != nil {
		t.Errorf("expected nil chunks for blank text, got %+v", chunks)
	}
}

func TestRankBM25PrefersRelevantChunk(t *testing.T) {
	chunks := []string{
		"the company reported a volume spike in trading yesterday",
		"quarterly guidance remained unchanged from last quarter",
		"the weather in california was sunny this week",
	}
	ranked := RankBM25(chunks, "volume spike trading", 2)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked chunks, got %d", len(ranked))
	}
	if !strings.Contains(ranked[0], "volume spike") {
		t.Errorf("expected the volume-spike chunk ranked first, got %q", ranked[0])
	}
}

func TestRankBM25EmptyChunks(t *testing.T) {
	if got := RankBM25(nil, "query", 3); got != nil {
		t.Errorf("expected nil for empty chunks, got %+v", got)
	}
}

type fakeRetriever struct {
	text string
	err  error
}

func (f fakeRetriever) Retrieve(ctx context.Context, symbol string, source models.TargetSource) (string, error) {
	return f.text, f.err
}

func TestAnswerReturnsNoDataOnEmptyRetrieval(t *testing.T) {
	e := New(fakeRetriever{text: ""}, nil, "")
	questions := []models.Question{
		{Text: "q1", TargetSource: models.TargetNews},
		{Text: "q2", TargetSource: models.TargetFundamentals},
	}
	out := e.Answer(context.Background(), "NVDA", questions)
	if len(out) != 2 {
		t.Fatalf("expected 2 QAPairs, got %d", len(out))
	}
	for _, qa := range out {
		if qa.Answer != "no data available" || qa.Confidence != models.ConfidenceLow {
			t.Errorf("expected no-data low-confidence QAPair, got %+v", qa)
		}
	}
}

func TestAnswerPreservesOrderAndCountWithNoLLMClient(t *testing.T) {
	e := New(fakeRetriever{text: "some retrieved text about the company"}, nil, "")
	questions := []models.Question{
		{Text: "q1", TargetSource: models.TargetNews},
		{Text: "q2", TargetSource: models.TargetFundamentals},
		{Text: "q3", TargetSource: models.TargetTechnicals},
		{Text: "q4", TargetSource: models.TargetInsider},
		{Text: "q5", TargetSource: models.TargetTranscripts},
	}
	out := e.Answer(context.Background(), "NVDA", questions)
	if len(out) != 5 {
		t.Fatalf("expected exactly 5 QAPairs, got %d", len(out))
	}
	for i, qa := range out {
		if qa.Question != questions[i].Text {
			t.Errorf("order not preserved at index %d: got %q want %q", i, qa.Question, questions[i].Text)
		}
	}
}

func TestAnswerRetrieverErrorYieldsNoData(t *testing.T) {
	e := New(fakeRetriever{err: context.DeadlineExceeded}, nil, "")
	out := e.Answer(context.Background(), "NVDA", []models.Question{{Text: "q1", TargetSource: models.TargetNews}})
	if out[0].Answer != "no data available" {
		t.Errorf("expected no-data answer on retrieval error, got %+v", out[0])
	}
}
