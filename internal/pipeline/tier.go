package pipeline

import (
	"context"

	"github.com/jordanhubbard/nexus/internal/intent"
)

// TierReconciler is stage 4 (§4.7).
type TierReconciler struct {
	Policies PolicyMatcher
	Backends BackendSource
	Recorder Recorder
}

func (t *TierReconciler) Name() string { return "TierReconciler" }

func (t *TierReconciler) Reconcile(ctx context.Context, ri *intent.RoutingIntent) error {
	if t.Policies == nil {
		return nil
	}
	policy, ok := t.Policies.FindPolicy(ri.ResolvedModel)
	if !ok || policy.MinTier == nil {
		return nil
	}
	minTier := *policy.MinTier
	ri.MinCapTier = &minTier

	if ri.TierMode == intent.TierFlexible {
		// Flexible mode never excludes; the Scorer applies tier_penalty
		// and the Annotator warns on an under-tier selection.
		return nil
	}

	for _, id := range append([]string{}, ri.CandidateAgents...) {
		snap, found := t.Backends.Snapshot(id)
		tier := uint8(0) // absent capability tier defaults to 0 (§9)
		if found {
			tier = snap.CapabilityTier
		}
		if tier < minTier {
			ri.ExcludeAgent(id, t.Name(),
				"capability tier below policy minimum",
				"route to a higher-tier backend or send X-Nexus-Flexible to allow a penalized fallback")
			t.recorder().IncReconcilerExclusion(t.Name(), "below_min_tier")
		}
	}
	return nil
}

func (t *TierReconciler) recorder() Recorder {
	if t.Recorder == nil {
		return noopRecorder{}
	}
	return t.Recorder
}
