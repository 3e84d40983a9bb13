// Package scorer implements the Backend Scorer (C8): scores surviving
// candidates, selects the best, detects the Loading special case, and
// emits the final RoutingDecision.
//
// Grounded on tokenhub's router.scoreModels / router.modeWeightProfiles
// (internal/router/engine.go) — the same multi-objective shape (cost,
// latency, a weight/priority term, normalized and combined) — generalized
// from tokenhub's mode-keyed weight profiles into the fixed formula §4.8
// specifies, since the control plane here has no Thompson-sampling
// bandit layer to feed.
package scorer

import (
	"fmt"
	"math"
	"sort"

	"github.com/jordanhubbard/nexus/internal/intent"
)

// TierPenalty is the numeric deprioritization factor applied in
// Flexible mode to under-tier candidates. §9 Open Question 2 leaves this
// unspecified beyond "deprioritize"; 0.25 is the value this
// implementation picks and documents.
const TierPenalty = 0.25

// Candidate is one surviving backend as the Scorer sees it — the fields
// from §3's Backend plus the live counters §4.8's formula needs.
type Candidate struct {
	ID             string
	Type           string // "local" | "cloud"
	PrivacyZone    string
	CapabilityTier uint8
	Load           uint32
	LatencyEMAMs   uint32
	Priority       float64
	QualityScore   float64
	Health         string // "healthy" | "unhealthy" | "loading"
	LoadingETAMs   uint32
}

// score computes base_score/adjusted from §4.8 for one candidate given
// the intent's budget status and tier enforcement mode.
func score(c Candidate, ri *intent.RoutingIntent) float64 {
	loadFactor := float64(c.Load) / (float64(c.Load) + 1)
	latencyMs := float64(c.LatencyEMAMs)
	if latencyMs < 1 {
		latencyMs = 1
	}
	latencyTerm := 1 / latencyMs
	quality := c.QualityScore
	if quality == 0 {
		quality = 1
	}

	base := c.Priority * (1 - loadFactor) * latencyTerm * quality

	adjusted := base
	if ri.BudgetStatus == intent.BudgetSoftLimit && c.Type == "cloud" {
		adjusted *= 0.5
	}
	if ri.TierMode == intent.TierFlexible && ri.MinCapTier != nil && c.CapabilityTier < *ri.MinCapTier {
		adjusted *= TierPenalty
	}

	if math.IsNaN(adjusted) || math.IsInf(adjusted, 0) {
		return math.Inf(-1)
	}
	return adjusted
}

// Score implements §4.8's decision emission given the intent (already
// carrying the final candidate_agents, excluded_agents, rejection
// provenance, budget status, and tier mode from the five prior stages)
// and the live Candidate snapshots for the surviving candidates.
func Score(ri *intent.RoutingIntent, candidates []Candidate) intent.Decision {
	if len(ri.CandidateAgents) == 0 {
		return intent.Decision{
			Kind:             intent.DecisionReject,
			RejectionReasons: append([]intent.RejectionReason{}, ri.RejectionReasons...),
		}
	}

	byID := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	type scored struct {
		c Candidate
		s float64
	}
	ranked := make([]scored, 0, len(ri.CandidateAgents))
	for _, id := range ri.CandidateAgents {
		c, ok := byID[id]
		if !ok {
			continue
		}
		ranked = append(ranked, scored{c: c, s: score(c, ri)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.s != b.s {
			return a.s > b.s // higher score first
		}
		if a.c.Priority != b.c.Priority {
			return a.c.Priority > b.c.Priority // tie-break 1: higher priority
		}
		if a.c.LatencyEMAMs != b.c.LatencyEMAMs {
			return a.c.LatencyEMAMs < b.c.LatencyEMAMs // tie-break 2: lower latency
		}
		return a.c.ID < b.c.ID // tie-break 3: lexicographic id
	})

	if len(ranked) == 0 {
		return intent.Decision{
			Kind:             intent.DecisionReject,
			RejectionReasons: append([]intent.RejectionReason{}, ri.RejectionReasons...),
		}
	}

	winner := ranked[0]
	if winner.c.Health == "loading" {
		anyHealthy := false
		for _, r := range ranked {
			if r.c.Health == "healthy" {
				anyHealthy = true
				break
			}
		}
		if !anyHealthy {
			d := intent.Decision{
				Kind:            intent.DecisionQueue,
				QueueReason:     "agent_loading:" + winner.c.ID,
				EstimatedWaitMs: winner.c.LoadingETAMs,
			}
			if len(ranked) > 1 {
				d.FallbackAgent = ranked[1].c.ID
				d.HasFallbackAgent = true
			}
			return d
		}
	}

	return intent.Decision{
		Kind:         intent.DecisionRoute,
		AgentID:      winner.c.ID,
		Model:        ri.ResolvedModel,
		Reason:       routeReason(winner.c.ID, winner.s),
		CostEstimate: ri.CostEstimate,
	}
}

func routeReason(id string, s float64) string {
	return fmt.Sprintf("highest_score:%s:%.3f", id, s)
}
