// Package annotate implements the Response Annotator (C9): the boundary
// contract that turns a successful RoutingDecision/RoutingIntent into
// the X-Nexus-* response headers (§4.9). It is explicitly outside the
// core's routing logic — HTTP transport is a non-goal of the core per
// §1 — but every header rule in §4.9 is implemented here so whatever
// thin transport layer exists (internal/httpapi) has something correct
// to call.
//
// Grounded on tokenhub's handlers_chat.go, which sets
// `X-Negotiated-Model` on its chat response after routing; this
// generalizes that single-header pattern into the full §4.9 header set.
package annotate

import (
	"fmt"
	"net/http"

	"github.com/jordanhubbard/nexus/internal/intent"
)

// Annotate writes the X-Nexus-* headers for a successful Route decision
// onto h, per §4.9. It is a no-op for Queue/Reject decisions — those are
// carried in the response body per §6.4, not in headers.
func Annotate(h http.Header, ri *intent.RoutingIntent, requestedModel string, backendType, privacyZone string) {
	if ri == nil || ri.Decision.Kind != intent.DecisionRoute {
		return
	}
	d := ri.Decision

	h.Set("X-Nexus-Route-Reason", d.Reason)
	if backendType != "" {
		h.Set("X-Nexus-Backend-Type", backendType)
	}
	if privacyZone != "" {
		h.Set("X-Nexus-Privacy-Zone", privacyZone)
	}
	if ri.ResolvedModel != requestedModel {
		h.Set("X-Nexus-Fallback-Model", ri.ResolvedModel)
	}

	if d.CostEstimate.CostUSD > 0 && h.Get("X-Nexus-Cost-Estimated") == "" {
		h.Set("X-Nexus-Cost-Estimated", fmt.Sprintf("%.4f", d.CostEstimate.CostUSD))
	}

	if ri.BudgetStatus != intent.BudgetNormal {
		h.Set("X-Nexus-Budget-Status", ri.BudgetStatus.String())
	}
}

// AnnotateBudget adds the budget-utilization headers when the budget
// status is not Normal (§4.9). Split from Annotate because computing
// utilization/remaining needs the monthly limit, which the core doesn't
// carry on RoutingIntent itself — callers supply it from the Budget
// Tracker's config.
func AnnotateBudget(h http.Header, ri *intent.RoutingIntent, currentSpendingUSD float64, monthlyLimitUSD *float64) {
	if ri == nil || ri.BudgetStatus == intent.BudgetNormal || monthlyLimitUSD == nil || *monthlyLimitUSD <= 0 {
		return
	}
	limit := *monthlyLimitUSD
	utilization := currentSpendingUSD / limit * 100
	remaining := limit - currentSpendingUSD
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-Nexus-Budget-Utilization", fmt.Sprintf("%.1f", utilization))
	h.Set("X-Nexus-Budget-Remaining", fmt.Sprintf("%.2f", remaining))
}

// Warning adds a non-§4.9-listed but teacher-idiomatic warning header
// when TierReconciler ran in Flexible mode and the final selection was
// under-tier — described in §4.7 stage 4 ("Annotator adds a `warning`
// header if the final selection is under-tier").
func Warning(h http.Header, ri *intent.RoutingIntent, selectedTier uint8) {
	if ri == nil || ri.Decision.Kind != intent.DecisionRoute || ri.TierMode != intent.TierFlexible || ri.MinCapTier == nil {
		return
	}
	if selectedTier < *ri.MinCapTier {
		h.Set("X-Nexus-Warning", fmt.Sprintf("selected backend capability tier %d is below policy minimum %d", selectedTier, *ri.MinCapTier))
	}
}
