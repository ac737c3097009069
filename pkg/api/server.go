// Package api implements the HTTP surface (spec.md §6): unauthenticated
// local JSON endpoints plus one Server-Sent Events stream, grounded on
// the teacher's pkg/api/edgar/stream_handler.go flusher-based streaming
// shape.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autoresearch/pkg/core/discovery"
	"autoresearch/pkg/core/eventlog"
	"autoresearch/pkg/core/monitor"
	"autoresearch/pkg/core/pipeline"
	"autoresearch/pkg/core/scheduler"
	"autoresearch/pkg/core/trading"
	"autoresearch/pkg/core/watchlist"
	"autoresearch/pkg/models"
)

// TablesReader is the subset of store.Tables the API layer reads from,
// narrowed to an interface (matching the trading/monitor/watchlist
// packages' own Store interfaces) so handlers can be tested against a
// fake in-memory table instead of a live Postgres-backed store.Tables.
type TablesReader interface {
	LatestDossier(ctx context.Context, symbol string) (models.TickerDossier, error)
	LatestScorecard(ctx context.Context, symbol string) (models.QuantScorecard, error)
	PriceHistory(ctx context.Context, symbol string, limit int) ([]models.OHLCV, error)
	LatestPrice(ctx context.Context, symbol string) (models.OHLCV, error)
	NewsForSymbol(ctx context.Context, symbol string, limit int) ([]models.NewsArticle, error)
	TranscriptsForSymbol(ctx context.Context, symbol string, limit int) ([]models.Transcript, error)
	LatestTechnicals(ctx context.Context, symbol string) (models.Technicals, error)
	FinancialHistory(ctx context.Context, symbol string) ([]models.FinancialStatementRow, error)
	LatestRiskMetrics(ctx context.Context, symbol string) (models.RiskMetrics, error)
	LatestAnalystData(ctx context.Context, symbol string) (models.AnalystData, error)
	AllOrders(ctx context.Context) ([]models.Order, error)
	AllTriggers(ctx context.Context) ([]models.PriceTrigger, error)
	SnapshotHistory(ctx context.Context, limit int) ([]models.PortfolioSnapshot, error)
}

// EventQuerier is the subset of eventlog.Log the API layer reads from.
type EventQuerier interface {
	Query(ctx context.Context, limit int, filter eventlog.QueryFilter) ([]models.PipelineEvent, error)
}

// Server bundles every dependency a handler needs. All fields may be
// exercised independently in tests by constructing a Server with only
// the fields a given handler touches.
type Server struct {
	Tables    TablesReader
	Events    EventQuerier
	Watchlist *watchlist.Manager
	Discovery *discovery.Discovery
	Pipeline  *pipeline.Pipeline
	Trader    *trading.Trader
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	Logger    zerolog.Logger

	mu               sync.Mutex
	lastDiscoveryRun []models.ScoredTicker
	discoveryRunning bool
	loopRunning      bool
}

// NewServer builds a Server and its routed http.Handler.
func NewServer(deps Server) (*Server, http.Handler) {
	s := deps
	mux := http.NewServeMux()
	s.routes(mux)
	return &s, withLogging(mux, s.Logger)
}

func withLogging(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /watchlist", s.handleGetWatchlist)
	mux.HandleFunc("PUT /watchlist", s.handlePutWatchlist)

	mux.HandleFunc("POST /analyze-stream", s.handleAnalyzeStream)

	mux.HandleFunc("GET /dashboard/overview/{ticker}", s.handleDashboardOverview)
	mux.HandleFunc("GET /dashboard/prices/{ticker}", s.handleDashboardPrices)
	mux.HandleFunc("GET /dashboard/news/{ticker}", s.handleDashboardNews)
	mux.HandleFunc("GET /dashboard/youtube/{ticker}", s.handleDashboardYoutube)
	mux.HandleFunc("GET /dashboard/technicals/{ticker}", s.handleDashboardTechnicals)
	mux.HandleFunc("GET /dashboard/financials/{ticker}", s.handleDashboardFinancials)
	mux.HandleFunc("GET /dashboard/risk/{ticker}", s.handleDashboardRisk)
	mux.HandleFunc("GET /dashboard/analyst/{ticker}", s.handleDashboardAnalyst)

	mux.HandleFunc("GET /quotes", s.handleQuotes)

	mux.HandleFunc("POST /discovery/run", s.handleDiscoveryRun)
	mux.HandleFunc("GET /discovery/status", s.handleDiscoveryStatus)
	mux.HandleFunc("GET /discovery/results", s.handleDiscoveryResults)
	mux.HandleFunc("GET /discovery/history", s.handleDiscoveryHistory)
	mux.HandleFunc("POST /discovery/clear", s.handleDiscoveryClear)

	mux.HandleFunc("POST /analysis/deep/{ticker}", s.handleAnalysisDeep)
	mux.HandleFunc("POST /analysis/deep-batch", s.handleAnalysisDeepBatch)
	mux.HandleFunc("GET /dossiers/{ticker}", s.handleGetDossier)
	mux.HandleFunc("GET /scorecards/{ticker}", s.handleGetScorecard)

	mux.HandleFunc("GET /portfolio", s.handlePortfolio)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("GET /triggers", s.handleTriggers)
	mux.HandleFunc("GET /portfolio/history", s.handlePortfolioHistory)

	mux.HandleFunc("POST /bot/run-loop", s.handleBotRunLoop)
	mux.HandleFunc("GET /bot/loop-status", s.handleBotLoopStatus)

	mux.HandleFunc("GET /scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("POST /scheduler/start", s.handleSchedulerStart)
	mux.HandleFunc("POST /scheduler/stop", s.handleSchedulerStop)
	mux.HandleFunc("POST /scheduler/run/{job}", s.handleSchedulerRun)

	mux.HandleFunc("GET /pipeline/events", s.handlePipelineEvents)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- watchlist ---

func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.Watchlist.ActiveSymbols(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickers": symbols})
}

type putWatchlistRequest struct {
	Tickers []string `json:"tickers"`
}

func (s *Server) handlePutWatchlist(w http.ResponseWriter, r *http.Request) {
	var req putWatchlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var added, failed []string
	for _, t := range req.Tickers {
		if err := s.Watchlist.AddManual(r.Context(), strings.ToUpper(t)); err != nil {
			failed = append(failed, t)
			continue
		}
		added = append(added, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "failed": failed})
}

// --- analyze-stream (SSE) ---

// writeSSE writes one Server-Sent Events frame in spec.md §6's
// "data: <json>\n\n" wire format.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, payload any) {
	frame := map[string]any{"type": eventType, "payload": payload}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

// handleAnalyzeStream analyzes one ticker and reports over SSE: it emits
// plan and step_start, runs the whole pipeline for the ticker in a single
// Pipeline.Run call (skipped when no Pipeline is wired), then emits
// step_complete, the ticker's latest stored dossier as decision_complete,
// and done. No frame is written while Pipeline.Run is in progress, so
// per-layer progress is not streamed. Modeled on the teacher's SSE
// handler (pkg/api/edgar/stream_handler.go), flushing after every frame.
func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.URL.Query().Get("ticker"))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, errMissingTicker)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, "plan", map[string]string{"ticker": ticker})

	writeSSE(w, flusher, "step_start", map[string]string{"step": "collect_data"})
	if s.Pipeline != nil {
		if err := s.Pipeline.Run(r.Context(), []string{ticker}); err != nil {
			writeSSE(w, flusher, "error", map[string]string{"message": err.Error()})
			writeSSE(w, flusher, "done", map[string]string{"reason": "error"})
			return
		}
	}
	writeSSE(w, flusher, "step_complete", map[string]string{"step": "collect_data"})

	dossier, err := s.Tables.LatestDossier(r.Context(), ticker)
	if err != nil {
		writeSSE(w, flusher, "step_error", map[string]string{"step": "dossier", "message": err.Error()})
		writeSSE(w, flusher, "done", map[string]string{"reason": "error"})
		return
	}
	writeSSE(w, flusher, "decision_complete", dossier)
	writeSSE(w, flusher, "done", map[string]string{"reason": "completed"})
}

var errMissingTicker = httpError("ticker query parameter is required")
var errStreamingUnsupported = httpError("streaming unsupported by this response writer")

type httpError string

func (e httpError) Error() string { return string(e) }

// --- dashboard ---

func (s *Server) handleDashboardOverview(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	dossier, err := s.Tables.LatestDossier(r.Context(), ticker)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, dossier)
}

func (s *Server) handleDashboardPrices(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	limit := queryInt(r, "limit", 250)
	prices, err := s.Tables.PriceHistory(r.Context(), ticker, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func (s *Server) handleDashboardNews(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	limit := queryInt(r, "limit", 25)
	news, err := s.Tables.NewsForSymbol(r.Context(), ticker, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, news)
}

func (s *Server) handleDashboardYoutube(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	limit := queryInt(r, "limit", 25)
	transcripts, err := s.Tables.TranscriptsForSymbol(r.Context(), ticker, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, transcripts)
}

func (s *Server) handleDashboardTechnicals(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	technicals, err := s.Tables.LatestTechnicals(r.Context(), ticker)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, technicals)
}

func (s *Server) handleDashboardFinancials(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	history, err := s.Tables.FinancialHistory(r.Context(), ticker)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDashboardRisk(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	risk, err := s.Tables.LatestRiskMetrics(r.Context(), ticker)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

func (s *Server) handleDashboardAnalyst(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	analyst, err := s.Tables.LatestAnalystData(r.Context(), ticker)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, analyst)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- quotes ---

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	tickers := strings.Split(r.URL.Query().Get("tickers"), ",")
	out := make(map[string]models.OHLCV, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		quote, err := s.Tables.LatestPrice(r.Context(), t)
		if err != nil {
			continue
		}
		out[t] = quote
	}
	writeJSON(w, http.StatusOK, out)
}

// --- discovery ---

func (s *Server) handleDiscoveryRun(w http.ResponseWriter, r *http.Request) {
	if s.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, errDiscoveryUnconfigured)
		return
	}
	s.mu.Lock()
	s.discoveryRunning = true
	s.mu.Unlock()
	go func() {
		defer func() {
			s.mu.Lock()
			s.discoveryRunning = false
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		results, err := s.Discovery.Run(ctx)
		if err != nil {
			s.Logger.Warn().Err(err).Msg("discovery run failed")
			return
		}
		s.mu.Lock()
		s.lastDiscoveryRun = results
		s.mu.Unlock()
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

var errDiscoveryUnconfigured = httpError("discovery is not configured on this server")

func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.discoveryRunning
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

func (s *Server) handleDiscoveryResults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	results := s.lastDiscoveryRun
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleDiscoveryHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.Events.Query(r.Context(), 100, eventlog.QueryFilter{Phase: "discovery"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDiscoveryClear(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastDiscoveryRun = nil
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- analysis / dossiers / scorecards ---

func (s *Server) handleAnalysisDeep(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	if s.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errPipelineUnconfigured)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	go func() {
		defer cancel()
		if err := s.Pipeline.Run(ctx, []string{ticker}); err != nil {
			s.Logger.Warn().Err(err).Str("ticker", ticker).Msg("deep analysis failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "ticker": ticker})
}

var errPipelineUnconfigured = httpError("pipeline is not configured on this server")

type deepBatchRequest struct {
	Tickers []string `json:"tickers"`
}

func (s *Server) handleAnalysisDeepBatch(w http.ResponseWriter, r *http.Request) {
	var req deepBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errPipelineUnconfigured)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	go func() {
		defer cancel()
		if err := s.Pipeline.Run(ctx, req.Tickers); err != nil {
			s.Logger.Warn().Err(err).Msg("deep batch analysis failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "tickers": req.Tickers})
}

func (s *Server) handleGetDossier(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	d, err := s.Tables.LatestDossier(r.Context(), ticker)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetScorecard(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.PathValue("ticker"))
	sc, err := s.Tables.LatestScorecard(r.Context(), ticker)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// --- portfolio ---

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	port, err := s.Trader.Portfolio(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, port)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.Trader.Positions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Tables.AllOrders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.Tables.AllTriggers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, triggers)
}

func (s *Server) handlePortfolioHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 90)
	history, err := s.Tables.SnapshotHistory(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// --- bot loop ---

func (s *Server) handleBotRunLoop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.loopRunning = true
	s.mu.Unlock()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleBotLoopStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.loopRunning
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

// --- scheduler ---

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"configured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"configured": true, "market_open": s.Scheduler.IsMarketOpen(time.Now())})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errSchedulerUnconfigured)
		return
	}
	go func() {
		if err := s.Scheduler.Run(context.Background()); err != nil {
			s.Logger.Info().Err(err).Msg("scheduler stopped")
		}
	}()
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

var errSchedulerUnconfigured = httpError("scheduler is not configured on this server")

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested; cancel the root context to fully stop"})
}

func (s *Server) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	job := r.PathValue("job")
	if s.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errSchedulerUnconfigured)
		return
	}
	err := s.Scheduler.Trigger(r.Context(), func(ctx context.Context, date string) error {
		s.Logger.Info().Str("job", job).Str("date", date).Msg("manual job trigger")
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered", "job": job})
}

// --- pipeline events ---

func (s *Server) handlePipelineEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	filter := eventlog.QueryFilter{
		Phase:  r.URL.Query().Get("phase"),
		Symbol: r.URL.Query().Get("ticker"),
		RunID:  r.URL.Query().Get("run_id"),
	}
	events, err := s.Events.Query(r.Context(), limit, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
