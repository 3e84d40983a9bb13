// Package policy implements the Policy Matcher (C3): ordered glob
// patterns over model names, compiled once at startup into an immutable,
// thread-safe matcher.
//
// Grounded on the glob-matching shape used across the retrieval pack for
// path/pattern routing (99souls/ariadne, dillib/finopsbridge), using
// github.com/gobwas/glob for `*`/`?` pattern compilation, combined with
// tokenhub's TrafficPolicy-shaped config fields from internal/router
// (Policy.Mode/MaxBudgetUSD/MinWeight) generalized to the richer
// TrafficPolicy contract in §3/§6.1.
package policy

import (
	"fmt"
	"log/slog"

	"github.com/gobwas/glob"
)

// Privacy is the restriction level a TrafficPolicy imposes.
type Privacy string

const (
	Unrestricted Privacy = "unrestricted"
	Restricted   Privacy = "restricted"
)

// TrafficPolicy is one rule from §3/§6.1. MaxCostPerRequest and MinTier
// are optional; FallbackAllowed defaults true.
type TrafficPolicy struct {
	ModelPattern       string
	Privacy            Privacy
	MaxCostPerRequest  *float64
	MinTier            *uint8
	FallbackAllowed    bool
}

// Matcher is the compiled PolicyMatcher from §4.3: immutable after
// Compile, safe for concurrent FindPolicy calls from every pipeline
// worker.
type Matcher struct {
	patterns []compiledPolicy
}

type compiledPolicy struct {
	glob   glob.Glob
	policy TrafficPolicy
	index  int
}

// Compile builds a Matcher from ordered policies. Precedence is
// configuration order: FindPolicy returns the lowest-index matching
// pattern (§3 "first pattern in configuration order that matches wins").
//
// At compile time it warns (via logger, not an error — overlap is legal,
// just worth flagging) on any pair (i, j>i) whose patterns could both
// match a literal model name drawn from a small probe set, per §4.3.
func Compile(policies []TrafficPolicy, logger *slog.Logger) (*Matcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{patterns: make([]compiledPolicy, 0, len(policies))}
	for i, p := range policies {
		g, err := glob.Compile(p.ModelPattern)
		if err != nil {
			return nil, fmt.Errorf("policy matcher: compile pattern %q at index %d: %w", p.ModelPattern, i, err)
		}
		if p.Privacy == "" {
			p.Privacy = Unrestricted
		}
		m.patterns = append(m.patterns, compiledPolicy{glob: g, policy: p, index: i})
	}
	warnOverlaps(m.patterns, logger)
	return m, nil
}

// warnOverlaps probes every pair of compiled patterns against a small
// set of representative model-name shapes and logs when both patterns in
// a pair match the same probe — a cheap, best-effort overlap signal, not
// a formal glob-intersection proof.
func warnOverlaps(patterns []compiledPolicy, logger *slog.Logger) {
	probes := []string{"gpt-4", "gpt-4-turbo", "gpt-4o", "gpt-3.5-turbo", "claude-3-opus", "llama3:70b", "llama3", "mistral-large"}
	for i := 0; i < len(patterns); i++ {
		for j := i + 1; j < len(patterns); j++ {
			for _, probe := range probes {
				if patterns[i].glob.Match(probe) && patterns[j].glob.Match(probe) {
					logger.Warn("policy patterns overlap",
						"pattern_a", patterns[i].policy.ModelPattern, "index_a", i,
						"pattern_b", patterns[j].policy.ModelPattern, "index_b", j,
						"example", probe)
					break
				}
			}
		}
	}
}

// FindPolicy returns the policy bound to the lowest-index pattern that
// matches model, or false if none match.
func (m *Matcher) FindPolicy(model string) (TrafficPolicy, bool) {
	for _, p := range m.patterns {
		if p.glob.Match(model) {
			return p.policy, true
		}
	}
	return TrafficPolicy{}, false
}
