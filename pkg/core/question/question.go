// Package question is the Layer-2 analysis stage (spec.md §4-H): one LLM
// call producing exactly 5 typed follow-up questions, with a deterministic
// template fallback keyed by the scorecard's anomaly flags.
package question

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"autoresearch/pkg/core/llmclient"
	"autoresearch/pkg/models"
)

// ErrLayer2Failed is returned only when both the LLM call and the
// deterministic fallback fail to produce 5 usable questions.
type ErrLayer2Failed struct {
	Symbol string
	Reason string
}

func (e *ErrLayer2Failed) Error() string {
	return fmt.Sprintf("question: layer 2 failed for %s: %s", e.Symbol, e.Reason)
}

const requiredCount = 5
const minDistinctSources = 3

// systemPrompt instructs the LLM on the exact output contract.
const systemPrompt = `You generate exactly 5 follow-up research questions from a quantitative scorecard. Respond with a JSON array of exactly 5 objects, each with "question", "target_source" (one of news, transcripts, fundamentals, technicals, insider), and "priority" (one of high, medium, low). Return JSON only.`

// Generator produces the 5 Layer-2 questions for one ticker.
type Generator struct {
	Client *llmclient.Client
	Model  string
}

// New builds a Generator.
func New(client *llmclient.Client, model string) *Generator {
	return &Generator{Client: client, Model: model}
}

// llmQuestion mirrors the JSON shape the LLM is asked to emit.
type llmQuestion struct {
	Question     string `json:"question"`
	TargetSource string `json:"target_source"`
	Priority     string `json:"priority"`
}

// Generate runs the single LLM call, falling back to deterministic
// templates when the LLM returns fewer than 5 well-formed questions.
// Returns ErrLayer2Failed only if both the LLM and the fallback produce
// fewer than 5 together.
func (g *Generator) Generate(ctx context.Context, scorecard models.QuantScorecard) ([]models.Question, error) {
	questions := g.fromLLM(ctx, scorecard)

	if len(questions) < requiredCount {
		questions = fillFromFallback(questions, scorecard)
	}

	if len(questions) < requiredCount {
		return nil, &ErrLayer2Failed{Symbol: scorecard.Symbol, Reason: "LLM and fallback together produced fewer than 5 questions"}
	}
	questions = questions[:requiredCount]

	if distinctSources(questions) < minDistinctSources {
		questions = diversifySources(questions, scorecard)
	}

	return questions, nil
}

func (g *Generator) fromLLM(ctx context.Context, scorecard models.QuantScorecard) []models.Question {
	if g.Client == nil {
		return nil
	}
	payload, err := json.Marshal(scorecard)
	if err != nil {
		return nil
	}

	result, err := g.Client.Chat(ctx, systemPrompt, string(payload), llmclient.ChatOptions{
		Model:      g.Model,
		ExpectJSON: true,
	})
	if err != nil {
		return nil
	}

	var raw []llmQuestion
	if err := json.Unmarshal([]byte(result.Content), &raw); err != nil {
		return nil
	}

	out := make([]models.Question, 0, len(raw))
	for _, r := range raw {
		q, ok := toQuestion(r)
		if ok {
			out = append(out, q)
		}
	}
	return out
}

func toQuestion(r llmQuestion) (models.Question, bool) {
	ts := models.TargetSource(r.TargetSource)
	switch ts {
	case models.TargetNews, models.TargetTranscripts, models.TargetFundamentals, models.TargetTechnicals, models.TargetInsider:
	default:
		return models.Question{}, false
	}
	p := models.Priority(r.Priority)
	switch p {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		p = models.PriorityMedium
	}
	if r.Question == "" {
		return models.Question{}, false
	}
	return models.Question{Text: r.Question, TargetSource: ts, Priority: p}, true
}

// fallbackTemplate describes one flag-triggered fallback question.
type fallbackTemplate struct {
	flag     string
	question string
	target   models.TargetSource
	priority models.Priority
}

// fallbackTemplates maps anomaly flags to deterministic questions,
// ordered so the highest-signal flags are consulted first.
var fallbackTemplates = []fallbackTemplate{
	{"volume_spike_95th", "What event caused the recent volume spike?", models.TargetNews, models.PriorityHigh},
	{"z_score_high", "What explains the recent sharp price deviation from its 20-day average?", models.TargetTechnicals, models.PriorityHigh},
	{"price_above_upper_band", "Is the current rally supported by fundamentals or is it overextended?", models.TargetFundamentals, models.PriorityMedium},
	{"price_below_lower_band", "Is the recent decline a fundamentals-driven repricing or an overreaction?", models.TargetFundamentals, models.PriorityMedium},
	{"drawdown_exceeds_20pct", "What drove the recent drawdown and has the underlying thesis changed?", models.TargetNews, models.PriorityHigh},
	{"negative_sortino", "What downside scenarios are analysts and management flagging?", models.TargetTranscripts, models.PriorityMedium},
	{"insider_buying_spike", "What is driving the recent insider buying activity?", models.TargetInsider, models.PriorityHigh},
	{"insider_selling_spike", "What is driving the recent insider selling activity?", models.TargetInsider, models.PriorityHigh},
	{"earnings_in_n_days", "What are the key metrics the market expects from the upcoming earnings report?", models.TargetTranscripts, models.PriorityHigh},
	{"missing_input", "What data gaps exist for this ticker and how should they be addressed before trading?", models.TargetFundamentals, models.PriorityLow},
}

// genericFallbacks pad out the question count when flag-triggered
// templates run dry.
var genericFallbacks = []fallbackTemplate{
	{"", "What is management's stated outlook for the next two quarters?", models.TargetTranscripts, models.PriorityMedium},
	{"", "How has the company's competitive position changed recently?", models.TargetNews, models.PriorityMedium},
	{"", "What do current valuation multiples imply relative to peers?", models.TargetFundamentals, models.PriorityMedium},
	{"", "What do the latest technical indicators suggest about near-term direction?", models.TargetTechnicals, models.PriorityLow},
	{"", "Has insider activity signaled a change in sentiment?", models.TargetInsider, models.PriorityLow},
}

func fillFromFallback(existing []models.Question, scorecard models.QuantScorecard) []models.Question {
	flagSet := make(map[string]struct{}, len(scorecard.Flags))
	for _, f := range scorecard.Flags {
		flagSet[f] = struct{}{}
	}

	seen := make(map[string]struct{}, len(existing))
	for _, q := range existing {
		seen[q.Text] = struct{}{}
	}

	out := append([]models.Question(nil), existing...)
	for _, tmpl := range fallbackTemplates {
		if len(out) >= requiredCount {
			break
		}
		if _, flagged := flagSet[tmpl.flag]; !flagged {
			continue
		}
		if _, dup := seen[tmpl.question]; dup {
			continue
		}
		out = append(out, models.Question{Text: tmpl.question, TargetSource: tmpl.target, Priority: tmpl.priority})
		seen[tmpl.question] = struct{}{}
	}

	for _, tmpl := range genericFallbacks {
		if len(out) >= requiredCount {
			break
		}
		if _, dup := seen[tmpl.question]; dup {
			continue
		}
		out = append(out, models.Question{Text: tmpl.question, TargetSource: tmpl.target, Priority: tmpl.priority})
		seen[tmpl.question] = struct{}{}
	}

	return out
}

func distinctSources(questions []models.Question) int {
	set := make(map[models.TargetSource]struct{})
	for _, q := range questions {
		set[q.TargetSource] = struct{}{}
	}
	return len(set)
}

// diversifySources swaps questions from the most over-represented
// sources, lowest priority first, for generic questions targeting the
// sources not yet present, until every target source is covered.
func diversifySources(questions []models.Question, scorecard models.QuantScorecard) []models.Question {
	allSources := []models.TargetSource{
		models.TargetNews, models.TargetTranscripts, models.TargetFundamentals,
		models.TargetTechnicals, models.TargetInsider,
	}

	present := make(map[models.TargetSource]int)
	for _, q := range questions {
		present[q.TargetSource]++
	}

	missing := make([]models.TargetSource, 0)
	for _, s := range allSources {
		if present[s] == 0 {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return questions
	}

	// Replace lowest-priority questions from over-represented sources,
	// least important first (stable order preserved otherwise).
	priorityRank := map[models.Priority]int{models.PriorityLow: 0, models.PriorityMedium: 1, models.PriorityHigh: 2}
	replaceable := append([]int(nil), indicesSortedByReplaceability(questions, present, priorityRank)...)

	out := append([]models.Question(nil), questions...)
	for i := 0; i < len(replaceable) && len(missing) > 0; i++ {
		idx := replaceable[i]
		target := missing[0]
		missing = missing[1:]
		out[idx] = models.Question{
			Text:         genericQuestionFor(target),
			TargetSource: target,
			Priority:     models.PriorityMedium,
		}
	}
	return out
}

func indicesSortedByReplaceability(questions []models.Question, present map[models.TargetSource]int, priorityRank map[models.Priority]int) []int {
	idx := make([]int, len(questions))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		qa, qb := questions[idx[a]], questions[idx[b]]
		if present[qa.TargetSource] != present[qb.TargetSource] {
			return present[qa.TargetSource] > present[qb.TargetSource]
		}
		return priorityRank[qa.Priority] < priorityRank[qb.Priority]
	})
	return idx
}

func genericQuestionFor(source models.TargetSource) string {
	switch source {
	case models.TargetNews:
		return "What recent news has moved sentiment on this ticker?"
	case models.TargetTranscripts:
		return "What has management said recently about forward guidance?"
	case models.TargetFundamentals:
		return "How do current fundamentals compare to historical norms?"
	case models.TargetTechnicals:
		return "What do the technical indicators suggest about trend strength?"
	case models.TargetInsider:
		return "What does recent insider activity suggest about sentiment?"
	default:
		return "What additional context is available on this ticker?"
	}
}
