// Package rag is the Layer-3 analysis stage (spec.md §4-I): per-question
// source routing, chunking, BM25 ranking, and one LLM answer-extraction
// call per question.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"autoresearch/pkg/core/llmclient"
	"autoresearch/pkg/models"
)

const (
	chunkSize    = 1500
	chunkOverlap = 200
	topK         = 3
)

// BM25 parameters, standard defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Retriever fetches the raw text for one target source. Implementations
// are Store-backed; this package is storage-agnostic.
type Retriever interface {
	Retrieve(ctx context.Context, symbol string, source models.TargetSource) (string, error)
}

const answerSystemPrompt = `You answer a research question using only the provided text excerpts. If the excerpts do not contain enough information, say so explicitly rather than guessing. Respond with JSON: {"answer": "...", "confidence": "high"|"medium"|"low"}.`

// Engine runs Layer 3 for one ticker's 5 questions.
type Engine struct {
	Retriever Retriever
	Client    *llmclient.Client
	Model     string
}

func New(retriever Retriever, client *llmclient.Client, model string) *Engine {
	return &Engine{Retriever: retriever, Client: client, Model: model}
}

// Answer runs source routing, chunking, BM25 ranking, and LLM answer
// extraction for each question independently. Returns one QAPair per
// question in input order (5 for Layer 2's 5 questions); a question with
// empty retrieval yields confidence=low, answer="no data available".
func (e *Engine) Answer(ctx context.Context, symbol string, questions []models.Question) []models.QAPair {
	out := make([]models.QAPair, len(questions))
	for i, q := range questions {
		out[i] = e.answerOne(ctx, symbol, q)
	}
	return out
}

func (e *Engine) answerOne(ctx context.Context, symbol string, q models.Question) models.QAPair {
	text, err := e.Retriever.Retrieve(ctx, symbol, q.TargetSource)
	if err != nil || strings.TrimSpace(text) == "" {
		return models.QAPair{
			Question:   q.Text,
			Answer:     "no data available",
			Source:     q.TargetSource,
			Confidence: models.ConfidenceLow,
		}
	}

	chunks := Chunk(text)
	ranked := RankBM25(chunks, q.Text, topK)
	if len(ranked) == 0 {
		return models.QAPair{
			Question:   q.Text,
			Answer:     "no data available",
			Source:     q.TargetSource,
			Confidence: models.ConfidenceLow,
		}
	}

	answer, confidence := e.extractAnswer(ctx, q.Text, ranked)
	return models.QAPair{
		Question:   q.Text,
		Answer:     answer,
		Source:     q.TargetSource,
		Confidence: confidence,
	}
}

type llmAnswer struct {
	Answer     string `json:"answer"`
	Confidence string `json:"confidence"`
}

func (e *Engine) extractAnswer(ctx context.Context, question string, chunks []string) (string, models.Confidence) {
	if e.Client == nil {
		return "no data available", models.ConfidenceLow
	}
	user := fmt.Sprintf("Question: %s\n\nExcerpts:\n%s", question, strings.Join(chunks, "\n---\n"))
	result, err := e.Client.Chat(ctx, answerSystemPrompt, user, llmclient.ChatOptions{Model: e.Model, ExpectJSON: true})
	if err != nil {
		return "no data available", models.ConfidenceLow
	}

	var parsed llmAnswer
	if err := json.Unmarshal([]byte(result.Content), &parsed); err != nil || parsed.Answer == "" {
		return "no data available", models.ConfidenceLow
	}

	conf := models.Confidence(parsed.Confidence)
	switch conf {
	case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
	default:
		conf = models.ConfidenceMedium
	}
	return parsed.Answer, conf
}

// Chunk splits text into ~chunkSize-character sliding windows with
// ~chunkOverlap overlap.
func Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	step := chunkSize - chunkOverlap
	for start := 0; start < len(text); start += step {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}

// RankBM25 scores chunks against query using BM25 over a
// whitespace-lowercased tokenization and returns the top n by score.
func RankBM25(chunks []string, query string, n int) []string {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([][]string, len(chunks))
	var totalLen int
	for i, c := range chunks {
		docs[i] = tokenize(c)
		totalLen += len(docs[i])
	}
	avgLen := float64(totalLen) / float64(len(docs))

	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]struct{})
		for _, tok := range doc {
			if _, ok := seen[tok]; !ok {
				df[tok]++
				seen[tok] = struct{}{}
			}
		}
	}

	queryTokens := tokenize(query)
	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(docs))
	for i, doc := range docs {
		tf := make(map[string]int)
		for _, tok := range doc {
			tf[tok]++
		}
		var score float64
		dl := float64(len(doc))
		for _, qt := range queryTokens {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			n := float64(df[qt])
			idf := math.Log(1 + (float64(len(docs))-n+0.5)/(n+0.5))
			denom := f + bm25K1*(1-bm25B+bm25B*dl/avgLen)
			score += idf * (f * (bm25K1 + 1)) / denom
		}
		scores[i] = scored{idx: i, score: score}
	}

	// Stable sort, descending by score, ties broken by original order.
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && scores[j].score > scores[j-1].score; j-- {
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}

	if n > len(scores) {
		n = len(scores)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = chunks[scores[i].idx]
	}
	return out
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
