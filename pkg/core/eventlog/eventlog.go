// Package eventlog is the append-only pipeline audit trail (spec.md §4-B):
// begin_run mints a run id, log writes one best-effort row, query filters
// by phase/symbol/run_id, newest first.
package eventlog

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autoresearch/pkg/core/store"
	"autoresearch/pkg/models"
)

const table = "pipeline_events"

// Log is the Event Log. It is safe for concurrent use by every component.
type Log struct {
	tables *store.Tables
	logger zerolog.Logger
}

func New(s *store.Store, logger zerolog.Logger) *Log {
	return &Log{tables: store.NewTables(s), logger: logger.With().Str("component", "eventlog").Logger()}
}

// BeginRun mints an opaque run id shared across every event of one
// pipeline invocation.
func (l *Log) BeginRun() string {
	return uuid.NewString()
}

// LogOption mutates an event before it is written.
type LogOption func(*models.PipelineEvent)

func WithSymbol(symbol string) LogOption {
	return func(e *models.PipelineEvent) { e.Symbol = symbol }
}

func WithMetadata(md map[string]any) LogOption {
	return func(e *models.PipelineEvent) { e.Metadata = md }
}

func WithStatus(status models.EventStatus) LogOption {
	return func(e *models.PipelineEvent) { e.Status = status }
}

func WithRunID(runID string) LogOption {
	return func(e *models.PipelineEvent) { e.RunID = runID }
}

// Log writes one row, non-blocking best-effort: the write happens on its
// own goroutine with a bounded timeout so a slow or unavailable store
// never stalls the caller's pipeline stage.
func (l *Log) Log(phase, eventType, detail string, opts ...LogOption) {
	ev := models.PipelineEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Phase:     phase,
		EventType: eventType,
		Detail:    detail,
		Status:    models.EventSuccess,
	}
	for _, opt := range opts {
		opt(&ev)
	}

	go func(ev models.PipelineEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.tables.S.Upsert(ctx, table, pk(ev), ev); err != nil {
			l.logger.Warn().Err(err).Str("phase", ev.Phase).Str("event_type", ev.EventType).Msg("failed to persist pipeline event")
		}
	}(ev)
}

func pk(ev models.PipelineEvent) string {
	return ev.Timestamp.Format(time.RFC3339Nano) + "|" + ev.ID
}

// QueryFilter narrows Query results. Zero-value fields are unfiltered.
type QueryFilter struct {
	Phase  string
	Symbol string
	RunID  string
}

// Query returns up to limit events matching filter, newest first.
func (l *Log) Query(ctx context.Context, limit int, filter QueryFilter) ([]models.PipelineEvent, error) {
	raws, err := l.tables.S.QueryPrefix(ctx, table, "", 0)
	if err != nil {
		return nil, err
	}

	var all []models.PipelineEvent
	for _, raw := range raws {
		var ev models.PipelineEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		if filter.Phase != "" && ev.Phase != filter.Phase {
			continue
		}
		if filter.Symbol != "" && ev.Symbol != filter.Symbol {
			continue
		}
		if filter.RunID != "" && ev.RunID != filter.RunID {
			continue
		}
		all = append(all, ev)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
