package quant

import (
	"math"
	"testing"
	"time"

	"autoresearch/pkg/models"
)

func makeCandle(symbol string, day int, close float64, volume int64) models.OHLCV {
	return models.OHLCV{
		Symbol: symbol,
		Date:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day),
		Open:   close,
		High:   close * 1.01,
		Low:    close * 0.99,
		Close:  close,
		Volume: volume,
	}
}

func TestComputeMissingInputFlagsOnShortHistory(t *testing.T) {
	in := Input{Symbol: "NVDA", Prices: []models.OHLCV{makeCandle("NVDA", 0, 100, 1000)}}
	sc := Compute(in)
	if !containsFlag(sc.Flags, "missing_input") {
		t.Errorf("expected missing_input flag, got %+v", sc.Flags)
	}
	if sc.ZScore20d != nil {
		t.Error("expected nil ZScore20d for single-point history")
	}
}

func TestComputeZScoreAndBollinger(t *testing.T) {
	var prices []models.OHLCV
	for i := 0; i < 20; i++ {
		prices = append(prices, makeCandle("NVDA", i, 100, 1_000_000))
	}
	// Last point spikes well above the flat window.
	prices = append(prices, makeCandle("NVDA", 20, 130, 1_000_000))

	sc := Compute(Input{Symbol: "NVDA", Prices: prices})
	if sc.ZScore20d == nil {
		t.Fatal("expected non-nil ZScore20d")
	}
	if *sc.ZScore20d <= 2 {
		t.Errorf("expected a high positive z-score, got %v", *sc.ZScore20d)
	}
	if !containsFlag(sc.Flags, "z_score_high") {
		t.Errorf("expected z_score_high flag, got %+v", sc.Flags)
	}
}

func TestMaxDrawdown(t *testing.T) {
	closes := []float64{100, 120, 60, 80}
	dd := maxDrawdown(closes)
	want := (60.0 - 120.0) / 120.0
	if math.Abs(dd-want) > 1e-9 {
		t.Errorf("maxDrawdown = %v, want %v", dd, want)
	}
}

func TestDrawdownExceeds20PctFlag(t *testing.T) {
	var prices []models.OHLCV
	for i, c := range []float64{100, 110, 120, 130, 90, 85} {
		prices = append(prices, makeCandle("NVDA", i, c, 1000))
	}
	sc := Compute(Input{Symbol: "NVDA", Prices: prices})
	if !containsFlag(sc.Flags, "drawdown_exceeds_20pct") {
		t.Errorf("expected drawdown_exceeds_20pct flag, got %+v", sc.Flags)
	}
}

func TestHistoricalVaRCVaR(t *testing.T) {
	returns := []float64{-0.10, -0.05, -0.02, 0.01, 0.02, 0.03, 0.04, 0.05, 0.06, 0.07}
	v95, cv95 := historicalVaRCVaR(returns, 0.95)
	if v95 == nil || cv95 == nil {
		t.Fatal("expected non-nil VaR/CVaR")
	}
	if *v95 != -0.10 {
		t.Errorf("VaR95 = %v, want -0.10", *v95)
	}
}

func TestMomentumFactorRequiresFullYearPlusSkip(t *testing.T) {
	short := make([]float64, 100)
	for i := range short {
		short[i] = 100
	}
	if momentumFactor(short) != nil {
		t.Error("expected nil momentum for short history")
	}

	long := make([]float64, 300)
	for i := range long {
		long[i] = 100 + float64(i)
	}
	mom := momentumFactor(long)
	if mom == nil {
		t.Fatal("expected non-nil momentum for long history")
	}
}

func TestInsiderFlags(t *testing.T) {
	in := Input{
		Symbol: "NVDA",
		Prices: twoYearFlatPrices("NVDA"),
		Insider: &models.InsiderSummary{Net90DayValue: 600_000},
	}
	sc := Compute(in)
	if !containsFlag(sc.Flags, "insider_buying_spike") {
		t.Errorf("expected insider_buying_spike, got %+v", sc.Flags)
	}

	in.Insider = &models.InsiderSummary{Net90DayValue: -600_000}
	sc = Compute(in)
	if !containsFlag(sc.Flags, "insider_selling_spike") {
		t.Errorf("expected insider_selling_spike, got %+v", sc.Flags)
	}
}

func TestEarningsInNDaysFlag(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Input{
		Symbol:      "NVDA",
		GeneratedAt: now,
		Prices:      twoYearFlatPrices("NVDA"),
		Earnings:    &models.EarningsCalendarEntry{NextEarningsDate: now.AddDate(0, 0, 3)},
	}
	sc := Compute(in)
	if !containsFlag(sc.Flags, "earnings_in_n_days") {
		t.Errorf("expected earnings_in_n_days, got %+v", sc.Flags)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	prices := twoYearFlatPrices("NVDA")
	a := Compute(Input{Symbol: "NVDA", Prices: prices})
	b := Compute(Input{Symbol: "NVDA", Prices: prices})
	if !floatPtrEqual(a.Sharpe, b.Sharpe) || !floatPtrEqual(a.MaxDrawdown, b.MaxDrawdown) {
		t.Error("expected identical results for identical input")
	}
}

func twoYearFlatPrices(symbol string) []models.OHLCV {
	var prices []models.OHLCV
	for i := 0; i < 500; i++ {
		prices = append(prices, makeCandle(symbol, i, 100+float64(i%5), 1_000_000))
	}
	return prices
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
