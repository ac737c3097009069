package eventlog

import (
	"testing"
	"time"

	"autoresearch/pkg/models"
)

func TestPK(t *testing.T) {
	ev := models.PipelineEvent{ID: "abc", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	got := pk(ev)
	want := "2024-01-02T03:04:05Z|abc"
	if got != want {
		t.Errorf("pk = %q, want %q", got, want)
	}
}

func TestLogOptions(t *testing.T) {
	ev := models.PipelineEvent{}
	opts := []LogOption{
		WithSymbol("AAPL"),
		WithMetadata(map[string]any{"rows": 5}),
		WithStatus(models.EventWarning),
		WithRunID("run-1"),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	if ev.Symbol != "AAPL" {
		t.Errorf("Symbol = %q", ev.Symbol)
	}
	if ev.Status != models.EventWarning {
		t.Errorf("Status = %q", ev.Status)
	}
	if ev.RunID != "run-1" {
		t.Errorf("RunID = %q", ev.RunID)
	}
	if ev.Metadata["rows"] != 5 {
		t.Errorf("Metadata = %+v", ev.Metadata)
	}
}
