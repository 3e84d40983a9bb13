package tokenizer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeTokenizer lets tests exercise Registry dispatch and the
// error-triggers-heuristic-fallback path without depending on a real
// BPE encoder (and the network fetch tiktoken-go needs the first time
// it loads an encoding).
type fakeTokenizer struct {
	name    string
	tier    int
	count   uint32
	failErr error
}

func (f fakeTokenizer) Name() string { return f.name }
func (f fakeTokenizer) Tier() int    { return f.tier }
func (f fakeTokenizer) CountTokens(text string) (uint32, error) {
	if f.failErr != nil {
		return 0, f.failErr
	}
	return f.count, nil
}

func TestHeuristicTokenizer_NeverErrors(t *testing.T) {
	h := Heuristic()
	texts := []string{"", "a", strings.Repeat("word ", 1000)}
	for _, text := range texts {
		if _, err := h.CountTokens(text); err != nil {
			t.Errorf("heuristic tokenizer errored on input of length %d: %v", len(text), err)
		}
	}
}

func TestHeuristicTokenizer_EmptyTextCountsAtLeastOne(t *testing.T) {
	h := Heuristic()
	n, _ := h.CountTokens("")
	if n < 1 {
		t.Errorf("expected at least 1 token for empty text, got %d", n)
	}
}

func TestHeuristicTokenizer_TierIsHeuristic(t *testing.T) {
	if Heuristic().Tier() != TierHeuristic {
		t.Errorf("expected Heuristic()'s tier to be TierHeuristic, got %d", Heuristic().Tier())
	}
}

// §4.1's safety property: exact <= approximation <= heuristic for the
// same text, approximated here by checking the heuristic count against
// a rough exact-ish count (chars/4 without the margin tiktoken would add)
// stays conservative (an overcount, never an undercount).
func TestHeuristicTokenizer_OvercountsRelativeToNaiveCharDivision(t *testing.T) {
	text := strings.Repeat("hello world ", 50)
	naive := uint32(len(text) / 4)
	n, _ := Heuristic().CountTokens(text)
	if n < naive {
		t.Errorf("expected heuristic count (%d) to be >= naive chars/4 (%d)", n, naive)
	}
}

func TestTokenizerError_UnwrapsUnderlyingError(t *testing.T) {
	base := errors.New("boom")
	te := &TokenizerError{Tokenizer: "test", Err: base}
	if !errors.Is(te, base) {
		t.Error("expected TokenizerError to unwrap to the underlying error")
	}
	if !strings.Contains(te.Error(), "test") || !strings.Contains(te.Error(), "boom") {
		t.Errorf("expected error message to mention tokenizer name and cause, got %q", te.Error())
	}
}

func TestCompile_NilFallbackDefaultsToHeuristic(t *testing.T) {
	r, err := Compile(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok := r.GetTokenizer("anything")
	if tok.Name() != "heuristic" {
		t.Errorf("expected nil fallback to default to heuristic, got %s", tok.Name())
	}
}

func TestCompile_InvalidGlobPatternErrors(t *testing.T) {
	_, err := Compile([]Binding{{Pattern: "[invalid", Tokenizer: Heuristic()}}, nil)
	if err == nil {
		t.Fatal("expected an error compiling an invalid glob pattern")
	}
}

func TestGetTokenizer_DispatchesFirstMatchingPatternInOrder(t *testing.T) {
	openai := fakeTokenizer{name: "openai", tier: TierExact, count: 10}
	claude := fakeTokenizer{name: "claude", tier: TierApproximation, count: 12}

	r, err := Compile([]Binding{
		{Pattern: "gpt-*", Tokenizer: openai},
		{Pattern: "claude-*", Tokenizer: claude},
	}, Heuristic())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := r.GetTokenizer("gpt-4").Name(); got != "openai" {
		t.Errorf("expected gpt-4 to dispatch to openai, got %s", got)
	}
	if got := r.GetTokenizer("claude-3-opus").Name(); got != "claude" {
		t.Errorf("expected claude-3-opus to dispatch to claude, got %s", got)
	}
	if got := r.GetTokenizer("unknown-model").Name(); got != "heuristic" {
		t.Errorf("expected an unmatched model to dispatch to the fallback, got %s", got)
	}
}

func TestGetTokenizer_FirstMatchWinsOverLaterPatterns(t *testing.T) {
	first := fakeTokenizer{name: "first", tier: TierExact}
	second := fakeTokenizer{name: "second", tier: TierExact}

	r, err := Compile([]Binding{
		{Pattern: "gpt-*", Tokenizer: first},
		{Pattern: "gpt-4*", Tokenizer: second},
	}, Heuristic())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.GetTokenizer("gpt-4-turbo").Name(); got != "first" {
		t.Errorf("expected the first matching pattern to win, got %s", got)
	}
}

func TestCountTokens_UsesResolvedTokenizerAndTier(t *testing.T) {
	claude := fakeTokenizer{name: "claude", tier: TierApproximation, count: 42}
	r, err := Compile([]Binding{{Pattern: "claude-*", Tokenizer: claude}}, Heuristic())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, tier := r.CountTokens(context.Background(), "claude-3", "hello")
	if n != 42 {
		t.Errorf("expected 42 tokens, got %d", n)
	}
	if tier != TierApproximation {
		t.Errorf("expected TierApproximation, got %d", tier)
	}
}

// §7: a resolved tokenizer's failure must never surface as an error to
// the caller — CountTokens retries with the heuristic tokenizer and
// reports its tier instead.
func TestCountTokens_FallsBackToHeuristicOnTokenizerError(t *testing.T) {
	broken := fakeTokenizer{name: "broken", tier: TierExact, failErr: errors.New("encoder unavailable")}
	r, err := Compile([]Binding{{Pattern: "gpt-*", Tokenizer: broken}}, Heuristic())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, tier := r.CountTokens(context.Background(), "gpt-4", "hello world")
	if tier != TierHeuristic {
		t.Errorf("expected fallback to TierHeuristic tier, got %d", tier)
	}
	if n == 0 {
		t.Error("expected a nonzero heuristic token count on fallback")
	}
}

func TestCountTokens_RecordsTelemetryPerCall(t *testing.T) {
	rec := &fakeRecorder{durations: make(map[int]int), tiers: make(map[string]int)}
	r, err := Compile(nil, Heuristic(), WithRecorder(rec))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.CountTokens(context.Background(), "anything", "hello")

	if rec.durations[TierHeuristic] != 1 {
		t.Errorf("expected one duration observation for TierHeuristic, got %d", rec.durations[TierHeuristic])
	}
	if rec.tiers["anything"] != 1 {
		t.Errorf("expected one tier increment for model 'anything', got %d", rec.tiers["anything"])
	}
}

type fakeRecorder struct {
	durations map[int]int
	tiers     map[string]int
}

func (f *fakeRecorder) ObserveTokenCountDuration(tier int, d time.Duration) {
	f.durations[tier]++
}

func (f *fakeRecorder) IncTokenCountTier(tier int, model string) {
	f.tiers[model]++
}
