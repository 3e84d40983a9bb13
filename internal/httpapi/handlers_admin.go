package httpapi

import (
	"net/http"
	"time"

	"github.com/jordanhubbard/nexus/internal/tsdb"
)

// BackendsHandler exposes a read-only snapshot of the Backend Registry
// for operator introspection (§4.4's Snapshot operation, surfaced over
// HTTP).
func BackendsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := d.Registry.AllBackendIDs()
		out := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			snap, ok := d.Registry.Snapshot(id)
			if !ok {
				continue
			}
			out = append(out, map[string]any{
				"id":              snap.ID,
				"type":            snap.Type,
				"privacy_zone":    snap.PrivacyZone,
				"capability_tier": snap.CapabilityTier,
				"models":          snap.Models,
				"load":            snap.Load,
				"latency_ema_ms":  snap.LatencyEMAMs,
				"health":          snap.Health.String(),
				"loading_eta_ms":  snap.LoadingETAMs,
				"priority":        snap.Priority,
				"quality_score":   snap.QualityScore,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"backends": out})
	}
}

// BudgetHandler exposes the Budget Tracker's current snapshot and
// computed status (§4.5).
func BudgetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Tracker == nil {
			writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
			return
		}
		snap := d.Tracker.Snapshot()
		cfg := d.Tracker.Config()
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled":                true,
			"month_key":              snap.MonthKey,
			"current_month_spending": snap.CurrentMonthSpendingUSD,
			"monthly_limit_usd":      cfg.MonthlyLimitUSD,
			"soft_limit_percent":     cfg.SoftLimitPercent,
			"hard_limit_action":      cfg.HardLimitAction,
		})
	}
}

// BudgetHistoryHandler returns the last 7 days of recorded monthly
// spending, a trend view over the Budget Tracker's single current
// snapshot (internal/tsdb).
func BudgetHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			writeJSON(w, http.StatusOK, map[string]any{"series": []any{}})
			return
		}
		series, err := d.History.Query(r.Context(), tsdb.QueryParams{
			Metric: "budget_spending_usd",
			Start:  time.Now().Add(-7 * 24 * time.Hour),
			End:    time.Now(),
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to query history"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"series": series})
	}
}

// StatsHandler exposes rolling-window request aggregates (request count,
// error rate, latency, cost, tokens) by model and by backend, an
// operator-facing summary layered on top of the per-stage Prometheus
// counters (internal/stats).
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Stats == nil {
			writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled":       true,
			"global":        d.Stats.Global(),
			"by_model":      d.Stats.Summary(),
			"by_backend":    d.Stats.SummaryByAgent(),
			"snapshot_count": d.Stats.SnapshotCount(),
		})
	}
}

// AuditHandler surfaces recent rejection history from the audit sink,
// nil-safe since audit persistence is best-effort (internal/auditlog).
func AuditHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Audit == nil {
			writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
			return
		}
		entries, err := d.Audit.Recent(r.Context(), 100)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to read audit log"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}
