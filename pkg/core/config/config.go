// Package config loads the repo's four declarative configuration
// surfaces (spec.md §6): LLM config and risk params as YAML
// (gopkg.in/yaml.v2, matching the teacher's config/models.yaml
// loading), source lists as Hjson (hjson-go/v4), and free-form strategy
// markdown validated (not templated) with goldmark. Secrets (LLM API
// keys, DATABASE_URL) load from .env via joho/godotenv.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/hjson/hjson-go/v4"
	"github.com/joho/godotenv"
	"github.com/yuin/goldmark"
	yaml "gopkg.in/yaml.v2"

	"autoresearch/pkg/core/trading"
)

// LLMConfig is the provider/model configuration §6 names.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	ContextSize int     `yaml:"context_size"`
	Temperature float64 `yaml:"temperature"`
}

// RiskParams is the risk-parameter configuration §6 names, mapped onto
// trading.RiskConfig plus the starting cash balance the Paper Trader
// seeds from.
type RiskParams struct {
	StartingBalance           float64 `yaml:"starting_balance"`
	MaxPositionPct            float64 `yaml:"max_position_pct"`
	MaxPortfolioAllocationPct float64 `yaml:"max_portfolio_allocation_pct"`
	MaxOrdersPerDay           int     `yaml:"max_orders_per_day"`
	DailyLossLimitPct         float64 `yaml:"daily_loss_limit_pct"`
	BuyThreshold              float64 `yaml:"buy_threshold"`
	SellThreshold             float64 `yaml:"sell_threshold"`
	RebuyCooldownDays         int     `yaml:"rebuy_cooldown_days"`
	TrailingStopPctDefault    float64 `yaml:"trailing_stop_pct_default"`

	// StrategistMode and KellyFraction resolve two Open Questions
	// SPEC_FULL.md records a decision for.
	StrategistMode string  `yaml:"strategist_mode"`
	KellyFraction  float64 `yaml:"kelly_fraction"`
}

// ToRiskConfig converts the loaded params into trading.RiskConfig,
// falling back to DefaultRiskConfig's values for any zero field so a
// partial YAML file still produces sane defaults.
func (p RiskParams) ToRiskConfig() trading.RiskConfig {
	d := trading.DefaultRiskConfig()
	rc := trading.RiskConfig{
		BuyThreshold:              orDefault(p.BuyThreshold, d.BuyThreshold),
		SellThreshold:             orDefault(p.SellThreshold, d.SellThreshold),
		MaxPositionPct:            orDefault(p.MaxPositionPct, d.MaxPositionPct),
		MaxPositionShares:         d.MaxPositionShares,
		MaxPortfolioAllocationPct: orDefault(p.MaxPortfolioAllocationPct, d.MaxPortfolioAllocationPct),
		MaxOrdersPerDay:           orDefaultInt(p.MaxOrdersPerDay, d.MaxOrdersPerDay),
		DailyLossLimitPct:         orDefault(p.DailyLossLimitPct, d.DailyLossLimitPct),
		RebuyCooldownDays:         orDefaultInt(p.RebuyCooldownDays, d.RebuyCooldownDays),
		MinConvictionFloor:        d.MinConvictionFloor,
		StrategistMode:            orDefaultString(p.StrategistMode, d.StrategistMode),
	}
	return rc
}

func orDefaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// SourceLists is the Hjson-backed trusted-channel/forum/denylist
// configuration §6 names.
type SourceLists struct {
	TrustedTranscriptChannels []string `json:"trusted_transcript_channels"`
	PriorityForums            []string `json:"priority_forums"`
	TrendingForums            []string `json:"trending_forums"`
	DenylistTokens            []string `json:"denylist_tokens"`
}

// LoadLLMConfig reads an LLM config YAML file.
func LoadLLMConfig(path string) (LLMConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LLMConfig{}, fmt.Errorf("config: reading LLM config %s: %w", path, err)
	}
	var cfg LLMConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return LLMConfig{}, fmt.Errorf("config: parsing LLM config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadRiskParams reads a risk-parameter config YAML file.
func LoadRiskParams(path string) (RiskParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RiskParams{}, fmt.Errorf("config: reading risk params %s: %w", path, err)
	}
	var params RiskParams
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return RiskParams{}, fmt.Errorf("config: parsing risk params %s: %w", path, err)
	}
	return params, nil
}

// LoadSourceLists reads an Hjson source-list file.
func LoadSourceLists(path string) (SourceLists, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SourceLists{}, fmt.Errorf("config: reading source lists %s: %w", path, err)
	}
	var lists SourceLists
	if err := hjson.Unmarshal(raw, &lists); err != nil {
		return SourceLists{}, fmt.Errorf("config: parsing source lists %s: %w", path, err)
	}
	return lists, nil
}

// LoadStrategy reads the free-form strategy markdown and validates it
// parses as well-formed Markdown; the parsed AST is discarded; only the
// raw text is handed to the prompt layer, per spec.md §6's "free-form
// markdown, consumed only by LLM prompts."
func LoadStrategy(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: reading strategy markdown %s: %w", path, err)
	}
	var discard bytes.Buffer
	if err := goldmark.Convert(raw, &discard); err != nil {
		return "", fmt.Errorf("config: strategy markdown %s is not valid Markdown: %w", path, err)
	}
	return string(raw), nil
}

// LoadEnv loads process secrets (LLM API keys, DATABASE_URL) from a
// .env file, matching the teacher's cmd/api/main.go bootstrap. A
// missing .env is not an error — the process may instead get secrets
// from the real environment (e.g. in production).
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
