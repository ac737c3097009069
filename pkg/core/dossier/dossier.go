// Package dossier is the Layer-4 analysis stage (spec.md §4-J): one LLM
// call combining the scorecard, the 5 QAPairs, and a compact portfolio
// context into an executive summary, bull/bear cases, catalysts, and a
// conviction score, with a token-budget guard that drops the
// lowest-confidence QAPairs until the prompt fits; once none remain the
// call is made even if the prompt is still over budget.
package dossier

import (
	"context"
	"encoding/json"
	"fmt"

	"autoresearch/pkg/core/llmclient"
	"autoresearch/pkg/models"
)

// PortfolioContext is the compact cash/positions summary injected into
// the synthesis prompt.
type PortfolioContext struct {
	Cash              float64
	OpenPositionCount int
	PositionsSummary  string
}

const basePrompt = `You are an equity research synthesist. Given a quantitative scorecard, a set of question/answer pairs, and the current portfolio context, produce a dossier. Respond with JSON: {"executive_summary": "3-5 sentences", "bull_case": "2-3 sentences", "bear_case": "2-3 sentences", "key_catalysts": ["..."], "conviction_score": 0.0-1.0, "signal_summary": "one line"}. key_catalysts must have at most 5 items.`

const aggressiveStance = ` Weight near-term catalysts and momentum heavily; a strong bull case with thinner supporting evidence should still earn a high conviction score.`

const researchDrivenStance = ` Weight the weight of evidence over narrative; require corroboration across multiple QAPairs before assigning a high conviction score.`

// systemPrompt renders the synthesis system prompt for the given
// trading.RiskConfig.StrategistMode ("aggressive" or "research_driven",
// defaulting to research_driven for any other value).
func systemPrompt(strategistMode string) string {
	if strategistMode == "aggressive" {
		return basePrompt + aggressiveStance
	}
	return basePrompt + researchDrivenStance
}

// confidenceRank orders QAPair confidence ascending for the token-budget
// drop order (lowest confidence dropped first).
var confidenceRank = map[models.Confidence]int{
	models.ConfidenceLow:    0,
	models.ConfidenceMedium: 1,
	models.ConfidenceHigh:   2,
}

// Synthesizer runs Layer 4.
type Synthesizer struct {
	Client         *llmclient.Client
	Model          string
	TokenBudget    int    // estimated input tokens ceiling; 0 disables the guard
	StrategistMode string // trading.RiskConfig.StrategistMode; "" behaves as research_driven
}

func New(client *llmclient.Client, model string, tokenBudget int) *Synthesizer {
	return &Synthesizer{Client: client, Model: model, TokenBudget: tokenBudget}
}

type llmDossier struct {
	ExecutiveSummary string   `json:"executive_summary"`
	BullCase         string   `json:"bull_case"`
	BearCase         string   `json:"bear_case"`
	KeyCatalysts     []string `json:"key_catalysts"`
	ConvictionScore  float64  `json:"conviction_score"`
	SignalSummary    string   `json:"signal_summary"`
}

// Synthesize produces the dossier for one ticker. The token-budget guard
// drops QAPairs (and their originating question) in ascending confidence
// order until the rendered prompt fits TokenBudget or no QAPairs remain.
func (s *Synthesizer) Synthesize(ctx context.Context, symbol string, scorecard models.QuantScorecard, questions []models.Question, qaPairs []models.QAPair, portfolio PortfolioContext) (models.TickerDossier, error) {
	qaPairs = append([]models.QAPair(nil), qaPairs...)
	questions = append([]models.Question(nil), questions...)

	for {
		user := renderPrompt(scorecard, questions, qaPairs, portfolio)
		if s.TokenBudget == 0 || llmclient.EstimateTokens(user) <= s.TokenBudget || len(qaPairs) == 0 {
			break
		}
		qaPairs, questions = dropLeastValuable(qaPairs, questions)
	}

	totalTokens := llmclient.EstimateTokens(renderPrompt(scorecard, questions, qaPairs, portfolio))

	result, err := s.Client.Chat(ctx, systemPrompt(s.StrategistMode), renderPrompt(scorecard, questions, qaPairs, portfolio), llmclient.ChatOptions{
		Model:      s.Model,
		ExpectJSON: true,
	})
	if err != nil {
		return models.TickerDossier{}, fmt.Errorf("dossier synthesis failed for %s: %w", symbol, err)
	}

	var parsed llmDossier
	if err := json.Unmarshal([]byte(result.Content), &parsed); err != nil {
		return models.TickerDossier{}, fmt.Errorf("dossier synthesis for %s returned malformed JSON: %w", symbol, err)
	}

	catalysts := parsed.KeyCatalysts
	if len(catalysts) > 5 {
		catalysts = catalysts[:5]
	}

	conviction := parsed.ConvictionScore
	if conviction < 0 {
		conviction = 0
	}
	if conviction > 1 {
		conviction = 1
	}

	return models.TickerDossier{
		Symbol:           symbol,
		Scorecard:        scorecard,
		QAPairs:          qaPairs,
		ExecutiveSummary: parsed.ExecutiveSummary,
		BullCase:         parsed.BullCase,
		BearCase:         parsed.BearCase,
		KeyCatalysts:     catalysts,
		ConvictionScore:  conviction,
		SignalSummary:    parsed.SignalSummary,
		TotalTokens:      totalTokens,
	}, nil
}

// dropLeastValuable drops the single lowest-confidence QAPair and its
// originating question.
func dropLeastValuable(qaPairs []models.QAPair, questions []models.Question) ([]models.QAPair, []models.Question) {
	if len(qaPairs) == 0 {
		return qaPairs, questions
	}

	worst := 0
	for i := 1; i < len(qaPairs); i++ {
		if confidenceRank[qaPairs[i].Confidence] < confidenceRank[qaPairs[worst].Confidence] {
			worst = i
		}
	}

	droppedQuestion := qaPairs[worst].Question
	newQA := append(qaPairs[:worst:worst], qaPairs[worst+1:]...)

	newQuestions := questions
	for i, q := range questions {
		if q.Text == droppedQuestion {
			newQuestions = append(questions[:i:i], questions[i+1:]...)
			break
		}
	}

	return newQA, newQuestions
}

func renderPrompt(scorecard models.QuantScorecard, questions []models.Question, qaPairs []models.QAPair, portfolio PortfolioContext) string {
	payload := struct {
		Scorecard models.QuantScorecard `json:"scorecard"`
		Questions []models.Question    `json:"questions"`
		QAPairs   []models.QAPair       `json:"qa_pairs"`
		Portfolio PortfolioContext      `json:"portfolio"`
	}{scorecard, questions, qaPairs, portfolio}

	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}

// conviction bands (spec.md §4-J), exposed for downstream components
// (watchlist, signal router) that need the same thresholds.
const (
	BandStrongSellMax = 0.25
	BandLeanSellMax   = 0.40
	BandHoldMax       = 0.60
	BandLeanBuyMax    = 0.75
)

// ConvictionBand labels conviction per §4-J's table.
func ConvictionBand(conviction float64) string {
	switch {
	case conviction < BandStrongSellMax:
		return "strong_sell"
	case conviction < BandLeanSellMax:
		return "lean_sell"
	case conviction <= BandHoldMax:
		return "hold"
	case conviction <= BandLeanBuyMax:
		return "lean_buy"
	default:
		return "strong_buy"
	}
}

