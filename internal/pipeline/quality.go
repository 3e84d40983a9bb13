package pipeline

import (
	"context"

	"github.com/jordanhubbard/nexus/internal/intent"
)

// QualityReconciler is stage 5 (§4.7): a reserved pass-through. Future
// work will add error-rate/TTFT filtering here; for now it must compile
// and sit in the pipeline order unchanged so adding it later never
// reshuffles the other five stages' indices.
type QualityReconciler struct{}

func (q *QualityReconciler) Name() string { return "QualityReconciler" }

func (q *QualityReconciler) Reconcile(ctx context.Context, ri *intent.RoutingIntent) error {
	return nil
}
