// Package quant is the Layer-1 analysis stage (spec.md §4-G): pure-math
// statistics over collected price/fundamental data, zero LLM calls,
// deterministic anomaly flags.
package quant

import (
	"math"
	"sort"
	"time"

	"autoresearch/pkg/models"
)

const (
	tradingDaysPerYear = 252
	riskFreeRate       = 0.04 // annualized, used for Sharpe/Sortino/earnings-yield-gap
)

// Input bundles everything the Quant Engine reads from the Store for one
// symbol/run. Callers assemble this from store.Tables queries; the
// engine itself does no I/O, matching §4-G's "zero LLM calls" and
// Store-read-only contract.
type Input struct {
	Symbol      string
	RunID       string
	GeneratedAt time.Time

	// Price history ordered oldest-first, ideally >= 1 trading year.
	Prices []models.OHLCV

	Fundamentals    *models.Fundamentals
	BalanceSheet    *models.BalanceSheetRow
	PriorBalance    *models.BalanceSheetRow // prior fiscal year, for Piotroski deltas
	Financials      *models.FinancialStatementRow
	PriorFinancials *models.FinancialStatementRow
	CashFlow        *models.CashFlowRow
	Insider         *models.InsiderSummary
	Earnings        *models.EarningsCalendarEntry
	SMA50           *float64

	// KellyFraction scales the full-Kelly position-sizing estimate
	// (config.RiskParams.KellyFraction, default 0.5 per the spec's
	// Open Question decision). Zero falls back to 0.5.
	KellyFraction float64
}

// Compute produces a QuantScorecard from Input. Missing inputs leave the
// corresponding fields nil and append a "missing_input" flag rather than
// failing; the function never errors.
func Compute(in Input) models.QuantScorecard {
	sc := models.QuantScorecard{
		Symbol:      in.Symbol,
		RunID:       in.RunID,
		GeneratedAt: in.GeneratedAt,
	}

	closes := closesOf(in.Prices)
	volumes := volumesOf(in.Prices)

	if len(closes) < 2 {
		sc.Flags = append(sc.Flags, "missing_input")
		return sc
	}

	returns := dailyReturns(closes)

	if len(closes) >= 20 {
		window := closes[len(closes)-20:]
		z := zScore(closes[len(closes)-1], window)
		sc.ZScore20d = &z
		zr := robustZScore(closes[len(closes)-1], window)
		sc.ZScore20dRobust = &zr

		mean, sd := meanStdDev(window)
		if sd > 0 {
			upper := mean + 2*sd
			lower := mean - 2*sd
			pctB := (closes[len(closes)-1] - lower) / (upper - lower)
			sc.BollingerPctB = &pctB
		}
	} else {
		sc.Flags = append(sc.Flags, "missing_input")
	}

	pr := percentileRank(closes, closes[len(closes)-1])
	sc.PercentileRankPrice = &pr
	if len(volumes) > 0 {
		pv := percentileRank(volumes, volumes[len(volumes)-1])
		sc.PercentileRankVolume = &pv
	}

	if sharpe := sharpeRatio(returns); sharpe != nil {
		sc.Sharpe = sharpe
	}
	if sortino := sortinoRatio(returns); sortino != nil {
		sc.Sortino = sortino
	}
	mdd := maxDrawdown(closes)
	sc.MaxDrawdown = &mdd
	if calmar := calmarRatio(returns, mdd); calmar != nil {
		sc.Calmar = calmar
	}
	if omega := omegaRatio(returns, 0); omega != nil {
		sc.Omega = omega
	}
	kellyFraction := in.KellyFraction
	if kellyFraction == 0 {
		kellyFraction = 0.5
	}
	if kelly := halfKelly(returns, kellyFraction); kelly != nil {
		sc.HalfKelly = kelly
	}
	if v95, cv95 := historicalVaRCVaR(returns, 0.95); v95 != nil {
		sc.VaR95 = v95
		sc.CVaR95 = cv95
	}
	if mom := momentumFactor(closes); mom != nil {
		sc.MomentumFactor = mom
	}
	if h := hurstExponent(returns); h != nil {
		sc.Hurst = h
	}
	if in.SMA50 != nil && *in.SMA50 > 0 {
		mr := (closes[len(closes)-1] - *in.SMA50) / *in.SMA50
		sc.MeanReversionScore = &mr
	} else {
		sc.Flags = append(sc.Flags, "missing_input")
	}

	if len(in.Prices) > 0 {
		vwap := vwapOf(in.Prices)
		if vwap > 0 {
			dev := (closes[len(closes)-1] - vwap) / vwap
			sc.VWAPDeviation = &dev
		}
	}

	if in.Fundamentals != nil {
		gap := in.Fundamentals.EarningsYield - riskFreeRate
		sc.EarningsYieldGap = &gap
	} else {
		sc.Flags = append(sc.Flags, "missing_input")
	}

	if z := altmanZ(in); z != nil {
		sc.AltmanZ = z
	}
	if f := piotroskiF(in); f != nil {
		sc.PiotroskiF = f
	}

	sc.Flags = append(sc.Flags, anomalyFlags(sc, in)...)
	return sc
}

func closesOf(rows []models.OHLCV) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Close
	}
	return out
}

func volumesOf(rows []models.OHLCV) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = float64(r.Volume)
	}
	return out
}

func dailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

func meanStdDev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(xs)))
	return mean, stddev
}

// zScore computes the standard z-score of x against the population in
// window (population, not sample, std-dev).
func zScore(x float64, window []float64) float64 {
	mean, sd := meanStdDev(window)
	if sd == 0 {
		return 0
	}
	return (x - mean) / sd
}

// robustZScore computes the MAD-based z-score: 0.6745*(x-median)/MAD.
func robustZScore(x float64, window []float64) float64 {
	med := median(window)
	deviations := make([]float64, len(window))
	for i, w := range window {
		deviations[i] = math.Abs(w - med)
	}
	mad := median(deviations)
	if mad == 0 {
		return 0
	}
	return 0.6745 * (x - med) / mad
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentileRank returns the fraction (0-100) of values in xs that x is
// greater than or equal to.
func percentileRank(xs []float64, x float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	count := 0
	for _, v := range xs {
		if v <= x {
			count++
		}
	}
	return 100 * float64(count) / float64(len(xs))
}

func sharpeRatio(returns []float64) *float64 {
	if len(returns) < 2 {
		return nil
	}
	mean, sd := meanStdDev(returns)
	if sd == 0 {
		return nil
	}
	dailyRF := riskFreeRate / tradingDaysPerYear
	annualized := (mean - dailyRF) / sd * math.Sqrt(tradingDaysPerYear)
	return &annualized
}

func sortinoRatio(returns []float64) *float64 {
	if len(returns) < 2 {
		return nil
	}
	mean, _ := meanStdDev(returns)
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		v := math.Inf(1)
		return &v
	}
	var sq float64
	for _, d := range downside {
		sq += d * d
	}
	downsideDev := math.Sqrt(sq / float64(len(returns)))
	if downsideDev == 0 {
		return nil
	}
	dailyRF := riskFreeRate / tradingDaysPerYear
	annualized := (mean - dailyRF) / downsideDev * math.Sqrt(tradingDaysPerYear)
	return &annualized
}

func maxDrawdown(closes []float64) float64 {
	if len(closes) == 0 {
		return 0
	}
	peak := closes[0]
	maxDD := 0.0
	for _, c := range closes {
		if c > peak {
			peak = c
		}
		if peak > 0 {
			dd := (c - peak) / peak
			if dd < maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func calmarRatio(returns []float64, maxDD float64) *float64 {
	if len(returns) == 0 || maxDD == 0 {
		return nil
	}
	mean, _ := meanStdDev(returns)
	annualizedReturn := mean * tradingDaysPerYear
	calmar := annualizedReturn / math.Abs(maxDD)
	return &calmar
}

func omegaRatio(returns []float64, threshold float64) *float64 {
	if len(returns) == 0 {
		return nil
	}
	var gains, losses float64
	for _, r := range returns {
		if r > threshold {
			gains += r - threshold
		} else {
			losses += threshold - r
		}
	}
	if losses == 0 {
		v := math.Inf(1)
		return &v
	}
	omega := gains / losses
	return &omega
}

// halfKelly computes fraction * the full Kelly estimate f* = mean/variance.
// fraction is config.RiskParams.KellyFraction, 0.5 by default.
func halfKelly(returns []float64, fraction float64) *float64 {
	if len(returns) < 2 {
		return nil
	}
	mean, sd := meanStdDev(returns)
	variance := sd * sd
	if variance == 0 {
		return nil
	}
	full := mean / variance
	scaled := full * fraction
	return &scaled
}

// historicalVaRCVaR computes the historical (empirical) VaR and CVaR at
// the given confidence level, expressed as negative returns.
func historicalVaRCVaR(returns []float64, confidence float64) (*float64, *float64) {
	if len(returns) == 0 {
		return nil, nil
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	varValue := sorted[idx]

	tail := sorted[:idx+1]
	var sum float64
	for _, t := range tail {
		sum += t
	}
	cvar := sum / float64(len(tail))
	return &varValue, &cvar
}

// momentumFactor is the 12-month return with a 1-month skip
// (Jegadeesh-Titman): return from t-252 to t-21.
func momentumFactor(closes []float64) *float64 {
	const yearLag = 252
	const skip = 21
	if len(closes) <= yearLag {
		return nil
	}
	start := closes[len(closes)-1-yearLag]
	end := closes[len(closes)-1-skip]
	if start == 0 {
		return nil
	}
	mom := end/start - 1
	return &mom
}

// hurstExponent estimates the Hurst exponent via rescaled-range (R/S)
// analysis over a small set of sub-period lags.
func hurstExponent(returns []float64) *float64 {
	if len(returns) < 20 {
		return nil
	}
	lags := []int{}
	for _, l := range []int{10, 20, 40, 80} {
		if l < len(returns) {
			lags = append(lags, l)
		}
	}
	if len(lags) < 2 {
		return nil
	}

	var logLags, logRS []float64
	for _, lag := range lags {
		rs := avgRescaledRange(returns, lag)
		if rs <= 0 {
			continue
		}
		logLags = append(logLags, math.Log(float64(lag)))
		logRS = append(logRS, math.Log(rs))
	}
	if len(logLags) < 2 {
		return nil
	}
	slope := linearRegressionSlope(logLags, logRS)
	return &slope
}

func avgRescaledRange(returns []float64, lag int) float64 {
	n := len(returns) / lag
	if n == 0 {
		return 0
	}
	var total float64
	count := 0
	for i := 0; i < n; i++ {
		chunk := returns[i*lag : (i+1)*lag]
		mean, sd := meanStdDev(chunk)
		if sd == 0 {
			continue
		}
		cum := 0.0
		maxC, minC := 0.0, 0.0
		for j, r := range chunk {
			cum += r - mean
			if j == 0 || cum > maxC {
				maxC = cum
			}
			if j == 0 || cum < minC {
				minC = cum
			}
		}
		rRange := maxC - minC
		total += rRange / sd
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func linearRegressionSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func vwapOf(rows []models.OHLCV) float64 {
	var pv, v float64
	for _, r := range rows {
		typical := (r.High + r.Low + r.Close) / 3
		pv += typical * float64(r.Volume)
		v += float64(r.Volume)
	}
	if v == 0 {
		return 0
	}
	return pv / v
}

// altmanZ computes the classic 5-factor Altman Z-Score for public
// manufacturing firms. Requires balance sheet + financials + fundamentals.
func altmanZ(in Input) *float64 {
	if in.BalanceSheet == nil || in.Financials == nil || in.Fundamentals == nil {
		return nil
	}
	bs, fin, fund := in.BalanceSheet, in.Financials, in.Fundamentals
	if bs.TotalAssets == 0 {
		return nil
	}
	workingCapital := bs.CurrentAssets - bs.CurrentLiabilities
	x1 := workingCapital / bs.TotalAssets
	x2 := bs.RetainedEarnings / bs.TotalAssets
	x3 := fin.OperatingIncome / bs.TotalAssets
	x4 := fund.MarketCap / maxFloat(bs.TotalLiabilities, 1)
	x5 := fin.Revenue / bs.TotalAssets

	z := 1.2*x1 + 1.4*x2 + 3.3*x3 + 0.6*x4 + 1.0*x5
	return &z
}

// piotroskiF computes a best-effort Piotroski F-Score (0-9) from the
// subset of the 9 criteria this repo's collected tables can evaluate.
func piotroskiF(in Input) *int {
	if in.BalanceSheet == nil || in.Financials == nil || in.CashFlow == nil {
		return nil
	}
	score := 0
	bs, fin, cf := in.BalanceSheet, in.Financials, in.CashFlow

	if fin.NetIncome > 0 {
		score++
	}
	if cf.OperatingCashFlow > 0 {
		score++
	}
	if cf.OperatingCashFlow > fin.NetIncome {
		score++
	}
	if bs.TotalDebt >= 0 && in.PriorBalance != nil && bs.TotalDebt <= in.PriorBalance.TotalDebt {
		score++
	}
	if bs.CurrentLiabilities > 0 && in.PriorBalance != nil && in.PriorBalance.CurrentLiabilities > 0 {
		currentRatio := bs.CurrentAssets / bs.CurrentLiabilities
		priorRatio := in.PriorBalance.CurrentAssets / in.PriorBalance.CurrentLiabilities
		if currentRatio > priorRatio {
			score++
		}
	}
	if in.PriorFinancials != nil && in.PriorFinancials.Revenue > 0 {
		grossMarginNow := fin.GrossProfit / maxFloat(fin.Revenue, 1)
		grossMarginPrior := in.PriorFinancials.GrossProfit / maxFloat(in.PriorFinancials.Revenue, 1)
		if grossMarginNow > grossMarginPrior {
			score++
		}
		assetTurnoverNow := fin.Revenue / maxFloat(bs.TotalAssets, 1)
		assetTurnoverPrior := in.PriorFinancials.Revenue / maxFloat(bs.TotalAssets, 1)
		if assetTurnoverNow > assetTurnoverPrior {
			score++
		}
	}
	return &score
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// anomalyFlags emits the deterministic flags named in spec.md §4-G.
func anomalyFlags(sc models.QuantScorecard, in Input) []string {
	var flags []string

	if sc.ZScore20d != nil && math.Abs(*sc.ZScore20d) > 2 {
		flags = append(flags, "z_score_high")
	}
	if sc.BollingerPctB != nil {
		if *sc.BollingerPctB > 1 {
			flags = append(flags, "price_above_upper_band")
		} else if *sc.BollingerPctB < 0 {
			flags = append(flags, "price_below_lower_band")
		}
	}
	if sc.PercentileRankVolume != nil && *sc.PercentileRankVolume > 95 {
		flags = append(flags, "volume_spike_95th")
	}
	if sc.MaxDrawdown != nil && *sc.MaxDrawdown < -0.20 {
		flags = append(flags, "drawdown_exceeds_20pct")
	}
	if sc.Sortino != nil && *sc.Sortino < 0 {
		flags = append(flags, "negative_sortino")
	}
	if in.Insider != nil {
		if in.Insider.Net90DayValue > 500_000 {
			flags = append(flags, "insider_buying_spike")
		} else if in.Insider.Net90DayValue < -500_000 {
			flags = append(flags, "insider_selling_spike")
		}
	}
	if in.Earnings != nil && !in.Earnings.NextEarningsDate.IsZero() {
		days := in.Earnings.NextEarningsDate.Sub(in.GeneratedAt).Hours() / 24
		if days >= 0 && days <= 5 {
			flags = append(flags, "earnings_in_n_days")
		}
	}
	return flags
}
