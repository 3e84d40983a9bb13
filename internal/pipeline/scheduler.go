package pipeline

import (
	"context"

	"github.com/jordanhubbard/nexus/internal/intent"
	"github.com/jordanhubbard/nexus/internal/scorer"
)

// SchedulerReconciler is stage 6 (§4.7): delegates to the Backend
// Scorer and writes the decision outcome onto the intent.
type SchedulerReconciler struct {
	Backends BackendSource
}

func (s *SchedulerReconciler) Name() string { return "SchedulerReconciler" }

func (s *SchedulerReconciler) Reconcile(ctx context.Context, ri *intent.RoutingIntent) error {
	candidates := make([]scorer.Candidate, 0, len(ri.CandidateAgents))
	for _, id := range ri.CandidateAgents {
		snap, ok := s.Backends.Snapshot(id)
		if !ok {
			continue
		}
		candidates = append(candidates, scorer.Candidate{
			ID:             snap.ID,
			Type:           snap.Type,
			PrivacyZone:    snap.PrivacyZone,
			CapabilityTier: snap.CapabilityTier,
			Load:           snap.Load,
			LatencyEMAMs:   snap.LatencyEMAMs,
			Priority:       snap.Priority,
			QualityScore:   snap.QualityScore,
			Health:         snap.Health,
			LoadingETAMs:   snap.LoadingETAMs,
		})
	}
	ri.Decision = scorer.Score(ri, candidates)
	if ri.Decision.Kind == intent.DecisionRoute {
		ri.RouteReason = ri.Decision.Reason
	}
	return nil
}
