package store

import (
	"context"
	"encoding/json"
	"time"

	"autoresearch/pkg/models"
)

// Table name constants, one per spec.md §3 entity plus the trading and
// bookkeeping tables added by §4-K/L and the event log (§4-B, its own
// file in package eventlog uses the same Store).
const (
	TablePriceHistory     = "price_history"
	TableFundamentals     = "fundamentals"
	TableFinancials       = "financial_statements"
	TableBalanceSheet     = "balance_sheet"
	TableCashFlow         = "cash_flows"
	TableAnalystData      = "analyst_data"
	TableInsiderSummary   = "insider_summary"
	TableEarningsCalendar = "earnings_calendar"
	TableTechnicals       = "technicals"
	TableRiskMetrics      = "risk_metrics"
	TableNews             = "news_articles"
	TableTranscripts      = "transcripts"
	TableWatchlist        = "watchlist"
	TableScorecards       = "quant_scorecards"
	TableDossiers         = "ticker_dossiers"
	TablePositions        = "positions"
	TableOrders           = "orders"
	TableTriggers         = "price_triggers"
	TableSnapshots        = "portfolio_snapshots"
)

// AllTables lists every table name of the Tables façade below, for
// EnsureTable at startup. The event log's pipeline_events table (package
// eventlog) is not in this list.
var AllTables = []string{
	TablePriceHistory, TableFundamentals, TableFinancials, TableBalanceSheet,
	TableCashFlow, TableAnalystData, TableInsiderSummary, TableEarningsCalendar,
	TableTechnicals, TableRiskMetrics, TableNews, TableTranscripts,
	TableWatchlist, TableScorecards, TableDossiers, TablePositions,
	TableOrders, TableTriggers, TableSnapshots,
}

// Tables is a typed façade over Store for every collected-data and
// trading entity in the data model. It is the only thing most callers
// need; Store itself stays generic.
type Tables struct {
	S *Store
}

func NewTables(s *Store) *Tables { return &Tables{S: s} }

func dateKey(symbol string, t time.Time) string {
	return symbol + "|" + t.Format("2006-01-02")
}

func yearKey(symbol string, year int) string {
	return symbol + "|" + time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).Format("2006")
}

// --- Price history -----------------------------------------------------

func (t *Tables) PutPriceHistory(ctx context.Context, row models.OHLCV) error {
	return t.S.Upsert(ctx, TablePriceHistory, dateKey(row.Symbol, row.Date), row)
}

func (t *Tables) PriceHistory(ctx context.Context, symbol string, limit int) ([]models.OHLCV, error) {
	raws, err := t.S.QueryPrefix(ctx, TablePriceHistory, symbol+"|", limit)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.OHLCV](raws)
}

func (t *Tables) LatestPrice(ctx context.Context, symbol string) (models.OHLCV, error) {
	raw, err := t.S.LatestPrefix(ctx, TablePriceHistory, symbol+"|")
	if err != nil {
		return models.OHLCV{}, err
	}
	var row models.OHLCV
	if err := json.Unmarshal(raw, &row); err != nil {
		return models.OHLCV{}, &ErrStore{Op: "LatestPrice/unmarshal", Err: err}
	}
	return row, nil
}

// --- Fundamentals --------------------------------------------------------

func (t *Tables) PutFundamentals(ctx context.Context, row models.Fundamentals) error {
	return t.S.Upsert(ctx, TableFundamentals, dateKey(row.Symbol, row.SnapshotDate), row)
}

func (t *Tables) LatestFundamentals(ctx context.Context, symbol string) (models.Fundamentals, error) {
	raw, err := t.S.LatestPrefix(ctx, TableFundamentals, symbol+"|")
	if err != nil {
		return models.Fundamentals{}, err
	}
	var row models.Fundamentals
	err = json.Unmarshal(raw, &row)
	return row, err
}

// --- Financial statements / balance sheet / cash flow (multi-year) -----

func (t *Tables) PutFinancialStatement(ctx context.Context, row models.FinancialStatementRow) error {
	return t.S.Upsert(ctx, TableFinancials, yearKey(row.Symbol, row.Year), row)
}

func (t *Tables) FinancialHistory(ctx context.Context, symbol string) ([]models.FinancialStatementRow, error) {
	raws, err := t.S.QueryPrefix(ctx, TableFinancials, symbol+"|", 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.FinancialStatementRow](raws)
}

func (t *Tables) PutBalanceSheet(ctx context.Context, row models.BalanceSheetRow) error {
	return t.S.Upsert(ctx, TableBalanceSheet, yearKey(row.Symbol, row.Year), row)
}

func (t *Tables) BalanceSheetHistory(ctx context.Context, symbol string) ([]models.BalanceSheetRow, error) {
	raws, err := t.S.QueryPrefix(ctx, TableBalanceSheet, symbol+"|", 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.BalanceSheetRow](raws)
}

func (t *Tables) PutCashFlow(ctx context.Context, row models.CashFlowRow) error {
	return t.S.Upsert(ctx, TableCashFlow, yearKey(row.Symbol, row.Year), row)
}

func (t *Tables) CashFlowHistory(ctx context.Context, symbol string) ([]models.CashFlowRow, error) {
	raws, err := t.S.QueryPrefix(ctx, TableCashFlow, symbol+"|", 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.CashFlowRow](raws)
}

// --- Analyst / insider / earnings calendar ------------------------------

func (t *Tables) PutAnalystData(ctx context.Context, row models.AnalystData) error {
	return t.S.Upsert(ctx, TableAnalystData, dateKey(row.Symbol, row.SnapshotDate), row)
}

func (t *Tables) LatestAnalystData(ctx context.Context, symbol string) (models.AnalystData, error) {
	raw, err := t.S.LatestPrefix(ctx, TableAnalystData, symbol+"|")
	if err != nil {
		return models.AnalystData{}, err
	}
	var row models.AnalystData
	err = json.Unmarshal(raw, &row)
	return row, err
}

func (t *Tables) PutInsiderSummary(ctx context.Context, row models.InsiderSummary) error {
	return t.S.Upsert(ctx, TableInsiderSummary, dateKey(row.Symbol, row.SnapshotDate), row)
}

func (t *Tables) LatestInsiderSummary(ctx context.Context, symbol string) (models.InsiderSummary, error) {
	raw, err := t.S.LatestPrefix(ctx, TableInsiderSummary, symbol+"|")
	if err != nil {
		return models.InsiderSummary{}, err
	}
	var row models.InsiderSummary
	err = json.Unmarshal(raw, &row)
	return row, err
}

func (t *Tables) PutEarningsCalendar(ctx context.Context, row models.EarningsCalendarEntry) error {
	return t.S.Upsert(ctx, TableEarningsCalendar, dateKey(row.Symbol, row.SnapshotDate), row)
}

func (t *Tables) LatestEarningsCalendar(ctx context.Context, symbol string) (models.EarningsCalendarEntry, error) {
	raw, err := t.S.LatestPrefix(ctx, TableEarningsCalendar, symbol+"|")
	if err != nil {
		return models.EarningsCalendarEntry{}, err
	}
	var row models.EarningsCalendarEntry
	err = json.Unmarshal(raw, &row)
	return row, err
}

// --- Technicals / risk metrics ------------------------------------------

func (t *Tables) PutTechnicals(ctx context.Context, row models.Technicals) error {
	return t.S.Upsert(ctx, TableTechnicals, dateKey(row.Symbol, row.Date), row)
}

func (t *Tables) RecentTechnicals(ctx context.Context, symbol string, limit int) ([]models.Technicals, error) {
	raws, err := t.S.QueryPrefix(ctx, TableTechnicals, symbol+"|", 0)
	if err != nil {
		return nil, err
	}
	rows, err := decodeAll[models.Technicals](raws)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

func (t *Tables) LatestTechnicals(ctx context.Context, symbol string) (models.Technicals, error) {
	raw, err := t.S.LatestPrefix(ctx, TableTechnicals, symbol+"|")
	if err != nil {
		return models.Technicals{}, err
	}
	var row models.Technicals
	err = json.Unmarshal(raw, &row)
	return row, err
}

func (t *Tables) PutRiskMetrics(ctx context.Context, row models.RiskMetrics) error {
	return t.S.Upsert(ctx, TableRiskMetrics, dateKey(row.Symbol, row.Date), row)
}

func (t *Tables) LatestRiskMetrics(ctx context.Context, symbol string) (models.RiskMetrics, error) {
	raw, err := t.S.LatestPrefix(ctx, TableRiskMetrics, symbol+"|")
	if err != nil {
		return models.RiskMetrics{}, err
	}
	var row models.RiskMetrics
	err = json.Unmarshal(raw, &row)
	return row, err
}

// --- News / transcripts --------------------------------------------------

func (t *Tables) PutNewsArticle(ctx context.Context, row models.NewsArticle) error {
	return t.S.Upsert(ctx, TableNews, row.ContentHash, row)
}

func (t *Tables) NewsForSymbol(ctx context.Context, symbol string, limit int) ([]models.NewsArticle, error) {
	raws, err := t.S.QueryPrefix(ctx, TableNews, "", 0)
	if err != nil {
		return nil, err
	}
	all, err := decodeAll[models.NewsArticle](raws)
	if err != nil {
		return nil, err
	}
	var out []models.NewsArticle
	for _, a := range all {
		if a.Symbol == symbol {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *Tables) PutTranscript(ctx context.Context, row models.Transcript) error {
	return t.S.Upsert(ctx, TableTranscripts, row.VideoID, row)
}

func (t *Tables) TranscriptsForSymbol(ctx context.Context, symbol string, limit int) ([]models.Transcript, error) {
	raws, err := t.S.QueryPrefix(ctx, TableTranscripts, "", 0)
	if err != nil {
		return nil, err
	}
	all, err := decodeAll[models.Transcript](raws)
	if err != nil {
		return nil, err
	}
	var out []models.Transcript
	for _, tr := range all {
		if tr.Symbol == symbol {
			out = append(out, tr)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Watchlist ------------------------------------------------------------

func (t *Tables) PutWatchlistEntry(ctx context.Context, e models.WatchlistEntry) error {
	return t.S.Upsert(ctx, TableWatchlist, e.Symbol, e)
}

func (t *Tables) GetWatchlistEntry(ctx context.Context, symbol string) (models.WatchlistEntry, error) {
	var e models.WatchlistEntry
	err := t.S.Get(ctx, TableWatchlist, symbol, &e)
	return e, err
}

func (t *Tables) AllWatchlistEntries(ctx context.Context) ([]models.WatchlistEntry, error) {
	raws, err := t.S.QueryPrefix(ctx, TableWatchlist, "", 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.WatchlistEntry](raws)
}

// --- Scorecards / Dossiers -------------------------------------------------

func (t *Tables) PutScorecard(ctx context.Context, sc models.QuantScorecard) error {
	return t.S.Upsert(ctx, TableScorecards, sc.Symbol+"|"+sc.RunID, sc)
}

func (t *Tables) LatestScorecard(ctx context.Context, symbol string) (models.QuantScorecard, error) {
	raw, err := t.S.LatestPrefix(ctx, TableScorecards, symbol+"|")
	if err != nil {
		return models.QuantScorecard{}, err
	}
	var sc models.QuantScorecard
	err = json.Unmarshal(raw, &sc)
	return sc, err
}

func (t *Tables) PutDossier(ctx context.Context, d models.TickerDossier) error {
	pk := d.Symbol + "|" + d.GeneratedAt.Format(time.RFC3339Nano)
	return t.S.Upsert(ctx, TableDossiers, pk, d)
}

func (t *Tables) LatestDossier(ctx context.Context, symbol string) (models.TickerDossier, error) {
	raw, err := t.S.LatestPrefix(ctx, TableDossiers, symbol+"|")
	if err != nil {
		return models.TickerDossier{}, err
	}
	var d models.TickerDossier
	err = json.Unmarshal(raw, &d)
	return d, err
}

// --- Trading: positions / orders / triggers / snapshots --------------------

func (t *Tables) PutPosition(ctx context.Context, p models.Position) error {
	return t.S.Upsert(ctx, TablePositions, p.Symbol, p)
}

func (t *Tables) DeletePosition(ctx context.Context, symbol string) error {
	_, err := t.S.pool.Exec(ctx, "DELETE FROM "+TablePositions+" WHERE pk = $1", symbol)
	if err != nil {
		return &ErrStore{Op: "DeletePosition", Err: err}
	}
	return nil
}

func (t *Tables) GetPosition(ctx context.Context, symbol string) (models.Position, error) {
	var p models.Position
	err := t.S.Get(ctx, TablePositions, symbol, &p)
	return p, err
}

func (t *Tables) AllPositions(ctx context.Context) ([]models.Position, error) {
	raws, err := t.S.QueryPrefix(ctx, TablePositions, "", 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Position](raws)
}

func (t *Tables) PutOrder(ctx context.Context, o models.Order) error {
	return t.S.Upsert(ctx, TableOrders, o.ID, o)
}

func (t *Tables) AllOrders(ctx context.Context) ([]models.Order, error) {
	raws, err := t.S.QueryPrefix(ctx, TableOrders, "", 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Order](raws)
}

func (t *Tables) PutTrigger(ctx context.Context, tr models.PriceTrigger) error {
	return t.S.Upsert(ctx, TableTriggers, tr.ID, tr)
}

func (t *Tables) AllTriggers(ctx context.Context) ([]models.PriceTrigger, error) {
	raws, err := t.S.QueryPrefix(ctx, TableTriggers, "", 0)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.PriceTrigger](raws)
}

func (t *Tables) PutSnapshot(ctx context.Context, snap models.PortfolioSnapshot) error {
	return t.S.Upsert(ctx, TableSnapshots, snap.Timestamp.Format(time.RFC3339Nano), snap)
}

func (t *Tables) SnapshotHistory(ctx context.Context, limit int) ([]models.PortfolioSnapshot, error) {
	raws, err := t.S.QueryPrefix(ctx, TableSnapshots, "", limit)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.PortfolioSnapshot](raws)
}

func decodeAll[T any](raws [][]byte) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &ErrStore{Op: "decode", Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}
