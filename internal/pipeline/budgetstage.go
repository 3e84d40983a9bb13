package pipeline

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/nexus/internal/intent"
)

// PricingTable is the subset of the Pricing Table contract (C2) the
// pipeline consumes.
type PricingTable interface {
	EstimateCost(model string, inputTokens, outputTokens uint32) (float64, bool)
}

// BudgetStatusSource is the subset of the Budget Tracker contract (C5)
// the pipeline consumes: a snapshot and the config needed to classify it.
type BudgetStatusSource interface {
	Snapshot() BudgetMetrics
	Config() BudgetConfig
}

// BudgetMetrics mirrors budget.Metrics.
type BudgetMetrics struct {
	CurrentMonthSpendingUSD float64
	MonthKey                string
}

// BudgetConfig mirrors budget.Config.
type BudgetConfig struct {
	MonthlyLimitUSD            *float64
	SoftLimitPercent           float64
	HardLimitAction            string // "warn" | "block_cloud" | "block_all"
	ReconciliationIntervalSecs uint64
}

// ComputeBudgetStatus implements §4.5 compute_status purely as a
// function of state — duplicated here (rather than imported from
// internal/budget) so the pipeline package has no dependency on the
// budget package's concrete types, only on the two small interfaces
// above.
func ComputeBudgetStatus(m BudgetMetrics, cfg BudgetConfig) intent.BudgetStatus {
	if cfg.MonthlyLimitUSD == nil {
		return intent.BudgetNormal
	}
	limit := *cfg.MonthlyLimitUSD
	soft := limit * cfg.SoftLimitPercent / 100
	switch {
	case m.CurrentMonthSpendingUSD >= limit:
		return intent.BudgetHardLimit
	case m.CurrentMonthSpendingUSD >= soft:
		return intent.BudgetSoftLimit
	default:
		return intent.BudgetNormal
	}
}

// BudgetReconciler is stage 3 (§4.7).
type BudgetReconciler struct {
	Pricing  PricingTable
	Budget   BudgetStatusSource
	Backends BackendSource
	Recorder Recorder
}

func (b *BudgetReconciler) Name() string { return "BudgetReconciler" }

func (b *BudgetReconciler) Reconcile(ctx context.Context, ri *intent.RoutingIntent) error {
	cost := 0.0
	if b.Pricing != nil {
		if c, known := b.Pricing.EstimateCost(ri.ResolvedModel, ri.CostEstimate.InputTokens, ri.CostEstimate.EstimatedOutputTokens); known {
			cost = c
		}
	}
	ri.CostEstimate.CostUSD = cost

	if b.Budget == nil {
		return nil
	}
	snapshot := b.Budget.Snapshot()
	cfg := b.Budget.Config()
	status := ComputeBudgetStatus(snapshot, cfg)
	ri.BudgetStatus = status

	switch status {
	case intent.BudgetNormal, intent.BudgetSoftLimit:
		// no exclusions; SoftLimit de-preference happens in the Scorer.
		return nil
	case intent.BudgetHardLimit:
		switch cfg.HardLimitAction {
		case "warn", "":
			// audit log only, no exclusions.
			return nil
		case "block_cloud":
			b.excludeByType(ri, "cloud", fmt.Sprintf("hard budget limit reached ($%.2f): cloud backends blocked", snapshot.CurrentMonthSpendingUSD))
		case "block_all":
			for _, id := range append([]string{}, ri.CandidateAgents...) {
				ri.ExcludeAgent(id, b.Name(),
					fmt.Sprintf("hard budget limit reached ($%.2f): all backends blocked", snapshot.CurrentMonthSpendingUSD),
					"raise routing.budget.monthly_limit_usd or wait for month rollover")
				b.recorder().IncReconcilerExclusion(b.Name(), "hard_limit_block_all")
			}
		}
	}
	return nil
}

func (b *BudgetReconciler) excludeByType(ri *intent.RoutingIntent, typ, reason string) {
	for _, id := range append([]string{}, ri.CandidateAgents...) {
		snap, ok := b.Backends.Snapshot(id)
		if !ok || snap.Type != typ {
			continue
		}
		ri.ExcludeAgent(id, b.Name(), reason, "retry on a local backend or raise the monthly budget")
		b.recorder().IncReconcilerExclusion(b.Name(), "hard_limit_block_cloud")
	}
}

func (b *BudgetReconciler) recorder() Recorder {
	if b.Recorder == nil {
		return noopRecorder{}
	}
	return b.Recorder
}
