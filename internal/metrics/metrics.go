// Package metrics implements the §6.5 telemetry contract via a
// prometheus.Registry, adapted from tokenhub's internal/metrics.Registry
// (same one-registry-per-process shape and promhttp.Handler exposition),
// retargeted from tokenhub's request/cost counters onto the exact
// counter/histogram/gauge names §6.5 specifies for the reconciler
// pipeline, the tokenizer registry, and the budget tracker.
//
// Registry implements the small Recorder interfaces declared by
// internal/tokenizer, internal/pipeline, and internal/budget, so those
// packages stay decoupled from prometheus while still getting a real
// metrics backend wired in by internal/app.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide metrics sink. Per §9's design note
// ("the metrics sink is process-wide... tests must tolerate a one-shot
// global install"), New always builds against a fresh
// prometheus.Registry rather than the global default registry, so
// multiple Registry instances can coexist in the same test binary.
type Registry struct {
	reg *prometheus.Registry

	ReconcilerExclusionsTotal *prometheus.CounterVec
	BudgetEventsTotal         *prometheus.CounterVec
	TokenCountTierTotal       *prometheus.CounterVec

	ReconcilerDuration *prometheus.HistogramVec
	TokenCountDuration *prometheus.HistogramVec
	CostPerRequest     prometheus.Histogram

	BudgetSpendingUSD    prometheus.Gauge
	BudgetUtilizationPct prometheus.Gauge
	BudgetStatusGauge    prometheus.Gauge
	BudgetLimitUSD       prometheus.Gauge

	// Reconciliation-loop dispatch health, an enrichment beyond §6.5
	// that mirrors tokenhub's TemporalUp/TemporalCircuitState gauges.
	TemporalUp            prometheus.Gauge
	TemporalCircuitState  prometheus.Gauge
	TemporalFallbackTotal prometheus.Counter

	// RateLimitRejectionsTotal feeds internal/ratelimit.WithCounter,
	// the same counter-injection pattern tokenhub's rate limiter uses.
	RateLimitRejectionsTotal prometheus.Counter
}

// New builds a Registry with every metric from §6.5 pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		ReconcilerExclusionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_reconciler_exclusions_total",
			Help: "Total candidate exclusions by reconciler stage and reason",
		}, []string{"reconciler", "reason"}),
		BudgetEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_budget_events_total",
			Help: "Total budget tracker events by type",
		}, []string{"event_type"}),
		TokenCountTierTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_token_count_tier_total",
			Help: "Total token-count calls by confidence tier and model",
		}, []string{"tier", "model"}),
		ReconcilerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_reconciler_duration_seconds",
			Help:    "Reconciler stage execution duration",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}, []string{"reconciler"}),
		TokenCountDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_token_count_duration_seconds",
			Help:    "Token counting duration by confidence tier",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}, []string{"tier"}),
		CostPerRequest: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexus_cost_per_request_usd",
			Help:    "Estimated USD cost per routed request",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
		}),
		BudgetSpendingUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_budget_spending_usd",
			Help: "Current month spending in USD",
		}),
		BudgetUtilizationPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_budget_utilization_percent",
			Help: "Current month spending as a percentage of the monthly limit",
		}),
		BudgetStatusGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_budget_status",
			Help: "Budget status ordinal (0=normal, 1=soft_limit, 2=hard_limit)",
		}),
		BudgetLimitUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_budget_limit_usd",
			Help: "Configured monthly budget limit in USD",
		}),
		TemporalUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_temporal_up",
			Help: "Whether the reconciliation loop's Temporal dispatch is connected (1=up, 0=down/disabled)",
		}),
		TemporalCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_temporal_circuit_state",
			Help: "Reconciliation loop's Temporal circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		TemporalFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_temporal_fallback_total",
			Help: "Total reconciliation ticks that fell back to the local ticker due to the circuit breaker",
		}),
		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_rate_limit_rejections_total",
			Help: "Total HTTP requests rejected by the /v1 rate limiter",
		}),
	}
	reg.MustRegister(
		m.ReconcilerExclusionsTotal, m.BudgetEventsTotal, m.TokenCountTierTotal,
		m.ReconcilerDuration, m.TokenCountDuration, m.CostPerRequest,
		m.BudgetSpendingUSD, m.BudgetUtilizationPct, m.BudgetStatusGauge, m.BudgetLimitUSD,
		m.TemporalUp, m.TemporalCircuitState, m.TemporalFallbackTotal, m.RateLimitRejectionsTotal,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// --- internal/pipeline.Recorder ---

func (m *Registry) ObserveReconcilerDuration(reconciler string, d time.Duration) {
	m.ReconcilerDuration.WithLabelValues(reconciler).Observe(d.Seconds())
}

func (m *Registry) IncReconcilerExclusion(reconciler, reason string) {
	m.ReconcilerExclusionsTotal.WithLabelValues(reconciler, reason).Inc()
}

func (m *Registry) ObserveCostPerRequest(usd float64) {
	m.CostPerRequest.Observe(usd)
}

// --- internal/tokenizer.Recorder ---

func (m *Registry) ObserveTokenCountDuration(tier int, d time.Duration) {
	m.TokenCountDuration.WithLabelValues(tierLabel(tier)).Observe(d.Seconds())
}

func (m *Registry) IncTokenCountTier(tier int, model string) {
	m.TokenCountTierTotal.WithLabelValues(tierLabel(tier), model).Inc()
}

func tierLabel(tier int) string {
	switch tier {
	case 0:
		return "0"
	case 1:
		return "1"
	default:
		return "2"
	}
}

// --- internal/budget.Recorder ---

func (m *Registry) SetBudgetSpending(usd float64)    { m.BudgetSpendingUSD.Set(usd) }
func (m *Registry) SetBudgetUtilization(pct float64) { m.BudgetUtilizationPct.Set(pct) }
func (m *Registry) SetBudgetStatus(status int)       { m.BudgetStatusGauge.Set(float64(status)) }
func (m *Registry) SetBudgetLimit(usd float64)       { m.BudgetLimitUSD.Set(usd) }
func (m *Registry) IncBudgetEvent(eventType string)  { m.BudgetEventsTotal.WithLabelValues(eventType).Inc() }

// --- internal/reconcileloop.Recorder ---

func (m *Registry) SetTemporalUp(up bool) {
	if up {
		m.TemporalUp.Set(1)
	} else {
		m.TemporalUp.Set(0)
	}
}

func (m *Registry) SetTemporalCircuitState(s int)  { m.TemporalCircuitState.Set(float64(s)) }
func (m *Registry) IncTemporalFallback()           { m.TemporalFallbackTotal.Inc() }
