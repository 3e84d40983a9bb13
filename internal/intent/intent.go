// Package intent defines RoutingIntent, the per-request clipboard that
// flows through the reconciler pipeline (see internal/pipeline).
package intent

import "time"

// PrivacyZone mirrors registry.PrivacyZone without importing the registry
// package, so intent stays a leaf dependency of the pipeline.
type PrivacyZone string

const (
	PrivacyOpen       PrivacyZone = "open"
	PrivacyRestricted PrivacyZone = "restricted"
)

// TierMode selects how the TierReconciler enforces a policy's min_tier.
type TierMode string

const (
	TierStrict   TierMode = "strict"
	TierFlexible TierMode = "flexible"
)

// BudgetStatus is the tri-state budget classification computed by the
// Budget Tracker and consumed by BudgetReconciler/Scorer.
type BudgetStatus int

const (
	BudgetNormal BudgetStatus = iota
	BudgetSoftLimit
	BudgetHardLimit
)

func (s BudgetStatus) String() string {
	switch s {
	case BudgetNormal:
		return "normal"
	case BudgetSoftLimit:
		return "soft_limit"
	case BudgetHardLimit:
		return "hard_limit"
	default:
		return "unknown"
	}
}

// CostEstimate carries the token counts and priced cost for one request.
// TokenCountTier follows the Tokenizer Registry convention: 0 exact,
// 1 approximation, 2 heuristic.
type CostEstimate struct {
	InputTokens           uint32
	EstimatedOutputTokens uint32
	CostUSD               float64
	TokenCountTier        int
}

// Requirements captures what RequestAnalyzer infers from the raw request.
type Requirements struct {
	Vision          bool
	Tools           bool
	JSONMode        bool
	EstimatedTokens uint32
	MaxTokens       uint32
}

// RejectionReason records why a candidate was excluded, or — when
// AgentID is empty — why no candidates were ever seeded (e.g. an alias
// chain that failed to resolve).
type RejectionReason struct {
	AgentID         string
	Reconciler      string
	Reason          string
	SuggestedAction string
}

// RoutingIntent is built fresh per request by the pipeline executor and
// mutated in place by each reconciler stage. It is never shared across
// requests and never read concurrently.
type RoutingIntent struct {
	RequestID       string
	RequestedModel  string
	ResolvedModel   string
	Requirements    Requirements
	PrivacyZone     *PrivacyZone
	MinCapTier      *uint8
	TierMode        TierMode
	BudgetStatus    BudgetStatus
	CostEstimate    CostEstimate
	CandidateAgents []string
	ExcludedAgents  []string
	RejectionReasons []RejectionReason
	RouteReason     string

	// Decision is filled in by the SchedulerReconciler stage (§4.8) and
	// read back by the pipeline executor once all stages complete.
	Decision Decision

	// MaxCostOverride carries a per-request "@@nexus max_cost=..."
	// directive (a supplemental feature, not part of the distilled
	// data model). It is recorded for provenance only: no stage reads
	// it, and no per-request cost limit is enforced.
	MaxCostOverride *float64

	StartedAt time.Time
}

// New creates a RoutingIntent seeded with the given candidate set.
// TierMode defaults to Strict per §4.7 stage 4.
func New(requestID, requestedModel string, seedCandidates []string) *RoutingIntent {
	candidates := make([]string, len(seedCandidates))
	copy(candidates, seedCandidates)
	return &RoutingIntent{
		RequestID:       requestID,
		RequestedModel:  requestedModel,
		ResolvedModel:   requestedModel,
		TierMode:        TierStrict,
		CandidateAgents: candidates,
		ExcludedAgents:  []string{},
		RejectionReasons: []RejectionReason{},
		StartedAt:       time.Now(),
	}
}

// ExcludeAgent is the only sanctioned way for a reconciler to remove a
// candidate (§4.6). It is idempotent: excluding an id already excluded
// only appends another RejectionReason, never duplicates the id itself,
// preserving P2 (disjointness) and P1 (monotonicity).
func (ri *RoutingIntent) ExcludeAgent(id, reconciler, reason, suggestedAction string) {
	for i, c := range ri.CandidateAgents {
		if c == id {
			ri.CandidateAgents = append(ri.CandidateAgents[:i], ri.CandidateAgents[i+1:]...)
			break
		}
	}
	alreadyExcluded := false
	for _, e := range ri.ExcludedAgents {
		if e == id {
			alreadyExcluded = true
			break
		}
	}
	if !alreadyExcluded {
		ri.ExcludedAgents = append(ri.ExcludedAgents, id)
	}
	ri.RejectionReasons = append(ri.RejectionReasons, RejectionReason{
		AgentID:         id,
		Reconciler:      reconciler,
		Reason:          reason,
		SuggestedAction: suggestedAction,
	})
}

// Reject records a rejection that is not tied to any specific candidate
// (e.g. an unresolved alias chain, where candidate_agents was never
// seeded). It does not touch ExcludedAgents, so P3 (accountability) is
// unaffected — accountability only constrains ids that ARE excluded.
func (ri *RoutingIntent) Reject(reconciler, reason, suggestedAction string) {
	ri.RejectionReasons = append(ri.RejectionReasons, RejectionReason{
		Reconciler:      reconciler,
		Reason:          reason,
		SuggestedAction: suggestedAction,
	})
}

// HasCandidate reports whether id is still a live candidate.
func (ri *RoutingIntent) HasCandidate(id string) bool {
	for _, c := range ri.CandidateAgents {
		if c == id {
			return true
		}
	}
	return false
}

// DecisionKind tags the RoutingDecision union variant (§3).
type DecisionKind int

const (
	DecisionNone DecisionKind = iota
	DecisionRoute
	DecisionQueue
	DecisionReject
)

// Decision is the tagged union RoutingDecision from §3: exactly one of
// Route/Queue/Reject is populated, selected by Kind.
type Decision struct {
	Kind DecisionKind

	// Route fields.
	AgentID      string
	Model        string
	Reason       string
	CostEstimate CostEstimate

	// Queue fields.
	QueueReason      string
	EstimatedWaitMs  uint32
	FallbackAgent    string
	HasFallbackAgent bool

	// Reject fields.
	RejectionReasons []RejectionReason
}
