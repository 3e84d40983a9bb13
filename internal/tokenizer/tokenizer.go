// Package tokenizer implements the Tokenizer Registry (C1): model name
// to tokenizer dispatch, token counting, and the tiered confidence model
// (0 exact, 1 approximation, 2 heuristic) from §4.1.
//
// Grounded on Sergey-Bar-Alfred's services/gateway/provider/tokenizer.go
// (TokenCounter/TokenStrategy per-provider dispatch and chars-per-token
// estimation ratios) for the strategy-selection shape, and on tokenhub's
// router.EstimateTokens (internal/router/engine.go) for the heuristic
// fallback formula. The exact tier is new: it uses
// github.com/pkoukk/tiktoken-go for real BPE counts on the OpenAI model
// family, which neither teacher needed because neither shipped an exact
// encoder.
package tokenizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkoukk/tiktoken-go"
)

// Tier mirrors the confidence levels from §3 CostEstimate and §4.1.
const (
	TierExact         = 0
	TierApproximation = 1
	TierHeuristic     = 2
)

// Tokenizer is the capability set from §4.1: count_tokens, tier, name.
type Tokenizer interface {
	CountTokens(text string) (uint32, error)
	Tier() int
	Name() string
}

// TokenizerError wraps a backing encoder failure. Per §7 it is never
// fatal at request time — the Registry always degrades to the
// heuristic tokenizer when a non-fallback tokenizer errors.
type TokenizerError struct {
	Tokenizer string
	Err       error
}

func (e *TokenizerError) Error() string {
	return fmt.Sprintf("tokenizer %q: %v", e.Tokenizer, e.Err)
}

func (e *TokenizerError) Unwrap() error { return e.Err }

// heuristicTokenizer implements the guaranteed-never-fail fallback:
// ceil(max(1, len(text)/4) * 1.15), which §4.1 requires to be ≥ any
// exact count on English text.
type heuristicTokenizer struct{}

func (heuristicTokenizer) Name() string { return "heuristic" }
func (heuristicTokenizer) Tier() int    { return TierHeuristic }

func (heuristicTokenizer) CountTokens(text string) (uint32, error) {
	raw := float64(len(text)) / 4
	if raw < 1 {
		raw = 1
	}
	return uint32(math.Ceil(raw * 1.15)), nil
}

// approximationTokenizer proxies a family's token count via a related
// exact encoding, inflated by a small safety margin so tier 1 never
// undercounts tier 0 on the same text (§4.1 safety property: exact ≤
// approximation ≤ heuristic). Anthropic's Claude family is documented in
// §4.1 as using the cl100k family as its proxy.
type approximationTokenizer struct {
	name     string
	proxy    *tiktoken.Tiktoken
	marginPc float64 // e.g. 0.05 for a 5% conservative bump
}

func (t *approximationTokenizer) Name() string { return t.name }
func (t *approximationTokenizer) Tier() int     { return TierApproximation }

func (t *approximationTokenizer) CountTokens(text string) (uint32, error) {
	if t.proxy == nil {
		return 0, &TokenizerError{Tokenizer: t.name, Err: fmt.Errorf("proxy encoder unavailable")}
	}
	n := len(t.proxy.Encode(text, nil, nil))
	scaled := math.Ceil(float64(n) * (1 + t.marginPc))
	return uint32(scaled), nil
}

// exactTokenizer wraps a real BPE encoder (tier 0) for one model family.
type exactTokenizer struct {
	name string
	enc  *tiktoken.Tiktoken
}

func (t *exactTokenizer) Name() string { return t.name }
func (t *exactTokenizer) Tier() int    { return TierExact }

func (t *exactTokenizer) CountTokens(text string) (uint32, error) {
	if t.enc == nil {
		return 0, &TokenizerError{Tokenizer: t.name, Err: fmt.Errorf("encoder unavailable")}
	}
	return uint32(len(t.enc.Encode(text, nil, nil))), nil
}

// NewExactOpenAI builds the exact (tier 0) tokenizer for the OpenAI
// gpt-4/gpt-4-turbo/gpt-4o/gpt-3.5 family, all of which share the
// cl100k_base encoding.
func NewExactOpenAI() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, &TokenizerError{Tokenizer: "openai-cl100k", Err: err}
	}
	return &exactTokenizer{name: "openai-cl100k", enc: enc}, nil
}

// NewApproximationClaude builds the tier-1 proxy tokenizer for Anthropic
// Claude models, using cl100k as the nearest available encoding with a
// conservative margin (§4.1: "Anthropic Claude uses the cl100k family as
// proxy").
func NewApproximationClaude() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, &TokenizerError{Tokenizer: "claude-cl100k-proxy", Err: err}
	}
	return &approximationTokenizer{name: "claude-cl100k-proxy", proxy: enc, marginPc: 0.05}, nil
}

// Heuristic returns the tier-2 fallback tokenizer. It never errors.
func Heuristic() Tokenizer { return heuristicTokenizer{} }

// route binds a compiled glob pattern to the tokenizer it dispatches to.
type route struct {
	pattern glob.Glob
	tok     Tokenizer
}

// Recorder receives per-call telemetry so the Registry stays decoupled
// from any specific metrics backend (internal/metrics implements this).
type Recorder interface {
	ObserveTokenCountDuration(tier int, d time.Duration)
	IncTokenCountTier(tier int, model string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveTokenCountDuration(int, time.Duration) {}
func (noopRecorder) IncTokenCountTier(int, string)                {}

// Registry is the ordered (GlobMatcher, Tokenizer) list plus fallback
// from §4.1. It is immutable after Compile and freely shared (§5).
type Registry struct {
	routes   []route
	fallback Tokenizer
	logger   *slog.Logger
	recorder Recorder
}

// Option configures optional Registry behavior.
type Option func(*Registry)

// WithLogger attaches a logger used to warn on tokenizer fallback.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithRecorder attaches telemetry per §6.5's
// nexus_token_count_tier_total / nexus_token_count_duration_seconds.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// Binding pairs a model-name glob pattern with the tokenizer that should
// handle matching models, in priority order.
type Binding struct {
	Pattern   string
	Tokenizer Tokenizer
}

// Compile builds a Registry from ordered bindings and a fallback
// tokenizer (typically Heuristic()). get_tokenizer dispatch is
// O(patterns), matching §4.1's stated complexity.
func Compile(bindings []Binding, fallback Tokenizer, opts ...Option) (*Registry, error) {
	if fallback == nil {
		fallback = Heuristic()
	}
	r := &Registry{fallback: fallback, logger: slog.Default(), recorder: noopRecorder{}}
	for _, b := range bindings {
		g, err := glob.Compile(b.Pattern)
		if err != nil {
			return nil, fmt.Errorf("tokenizer registry: compile pattern %q: %w", b.Pattern, err)
		}
		r.routes = append(r.routes, route{pattern: g, tok: b.Tokenizer})
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// GetTokenizer returns the first matching tokenizer for model, else the
// fallback. Must never fail, per §4.1.
func (r *Registry) GetTokenizer(model string) Tokenizer {
	for _, rt := range r.routes {
		if rt.pattern.Match(model) {
			return rt.tok
		}
	}
	return r.fallback
}

// CountTokens dispatches to the resolved tokenizer, times the call, and
// records tier-labeled telemetry. If the resolved tokenizer errors, it
// logs a warning and retries with the heuristic tokenizer — count_tokens
// itself never returns a TokenizerError to the caller (§4.1 failure
// model, §7 "never fatal at request time").
func (r *Registry) CountTokens(ctx context.Context, model, text string) (uint32, int) {
	tok := r.GetTokenizer(model)
	start := time.Now()
	n, err := tok.CountTokens(text)
	tier := tok.Tier()
	r.recorder.ObserveTokenCountDuration(tier, time.Since(start))

	if err != nil {
		r.logger.WarnContext(ctx, "tokenizer fallback to heuristic",
			"model", model, "tokenizer", tok.Name(), "error", err)
		n, _ = r.fallback.CountTokens(text)
		tier = r.fallback.Tier()
	}
	r.recorder.IncTokenCountTier(tier, model)
	return n, tier
}
