package pipeline

import (
	"context"

	"github.com/jordanhubbard/nexus/internal/intent"
)

// PolicyMatcher is the subset of the Policy Matcher contract (C3) the
// pipeline consumes.
type PolicyMatcher interface {
	FindPolicy(model string) (Policy, bool)
}

// Policy mirrors policy.TrafficPolicy; redeclared here for the same leaf
// reason as BackendSnapshot above.
type Policy struct {
	ModelPattern      string
	Privacy           string // "unrestricted" | "restricted"
	MaxCostPerRequest *float64
	MinTier           *uint8
	FallbackAllowed   bool
}

// PrivacyReconciler is stage 2 (§4.7).
type PrivacyReconciler struct {
	Policies PolicyMatcher
	Backends BackendSource
	Recorder Recorder
}

func (p *PrivacyReconciler) Name() string { return "PrivacyReconciler" }

func (p *PrivacyReconciler) Reconcile(ctx context.Context, ri *intent.RoutingIntent) error {
	if p.Policies == nil {
		return nil
	}
	policy, ok := p.Policies.FindPolicy(ri.ResolvedModel)
	if !ok || policy.Privacy != "restricted" {
		return nil
	}

	restricted := intent.PrivacyRestricted
	ri.PrivacyZone = &restricted

	for _, id := range append([]string{}, ri.CandidateAgents...) {
		snap, found := p.Backends.Snapshot(id)
		if found && snap.PrivacyZone == "restricted" {
			continue
		}
		// unknown privacy zone is treated as Open too (§3 invariant),
		// so a missing snapshot is excluded exactly like an Open one.
		ri.ExcludeAgent(id, p.Name(),
			"candidate violates privacy constraint: policy requires a restricted-zone backend",
			"deploy an on-prem agent for this model or relax the policy to unrestricted")
		p.recorder().IncReconcilerExclusion(p.Name(), "privacy_constraint")
	}
	return nil
}

func (p *PrivacyReconciler) recorder() Recorder {
	if p.Recorder == nil {
		return noopRecorder{}
	}
	return p.Recorder
}
