// Package budget implements the Budget Tracker (C5): a process-wide,
// concurrently-readable spending accumulator keyed by the literal string
// "global" (§4.5), plus the background Reconciliation Loop.
//
// Grounded on tokenhub's internal/apikey.BudgetChecker (the cached-read
// pattern over a backing store) and its 30s TTL cache, generalized here
// from a per-API-key DB-backed cache into the single in-memory
// process-wide cell §4.5/§9 specify ("conceptually a single cell, but a
// keyed concurrent map is retained for future per-tenant extension").
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HardLimitAction selects what BudgetReconciler does once spending
// reaches the hard limit (§6.1/§4.7 stage 3).
type HardLimitAction string

const (
	ActionWarn       HardLimitAction = "warn"
	ActionBlockCloud HardLimitAction = "block_cloud"
	ActionBlockAll   HardLimitAction = "block_all"
)

// Status is the tri-state classification from §3.
type Status int

const (
	Normal Status = iota
	SoftLimit
	HardLimit
)

func (s Status) String() string {
	switch s {
	case Normal:
		return "normal"
	case SoftLimit:
		return "soft_limit"
	case HardLimit:
		return "hard_limit"
	default:
		return "unknown"
	}
}

// Config is BudgetConfig from §3. A nil MonthlyLimitUSD disables all
// budget logic (zero-config contract, §6.1).
type Config struct {
	MonthlyLimitUSD            *float64
	SoftLimitPercent           float64
	HardLimitAction            HardLimitAction
	ReconciliationIntervalSecs uint64
}

// DefaultConfig returns the §3 documented defaults for every field
// except MonthlyLimitUSD, which stays nil (no enforcement) until an
// operator opts in.
func DefaultConfig() Config {
	return Config{
		MonthlyLimitUSD:            nil,
		SoftLimitPercent:           75.0,
		HardLimitAction:            ActionWarn,
		ReconciliationIntervalSecs: 60,
	}
}

// Metrics is BudgetMetrics from §3: the one instance keyed "global".
type Metrics struct {
	CurrentMonthSpendingUSD float64
	LastReconciliationTime  time.Time
	MonthKey                string
}

func currentMonthKey(now time.Time) string {
	u := now.UTC()
	return fmt.Sprintf("%04d-%02d", u.Year(), u.Month())
}

// cell is the fine-grained-locked record for the single "global" key
// (and, in principle, any future per-tenant key).
type cell struct {
	mu      sync.Mutex
	metrics Metrics
}

// Recorder receives reconciliation-tick telemetry, decoupling Tracker
// from any specific metrics backend (§6.5 gauges).
type Recorder interface {
	SetBudgetSpending(usd float64)
	SetBudgetUtilization(pct float64)
	SetBudgetStatus(status int)
	SetBudgetLimit(usd float64)
	IncBudgetEvent(eventType string)
}

type noopRecorder struct{}

func (noopRecorder) SetBudgetSpending(float64)    {}
func (noopRecorder) SetBudgetUtilization(float64) {}
func (noopRecorder) SetBudgetStatus(int)          {}
func (noopRecorder) SetBudgetLimit(float64)       {}
func (noopRecorder) IncBudgetEvent(string)        {}

// Tracker is the Budget Tracker from §4.5: a process-wide concurrent map
// keyed "global", with snapshot reads that copy the entry under its
// per-entry mutex and addition-only writes.
type Tracker struct {
	cfg      Config
	cells    sync.Map // string -> *cell
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time // overridable for tests (month rollover, §8 S7)
}

// Option configures optional Tracker behavior.
type Option func(*Tracker)

// WithRecorder attaches telemetry.
func WithRecorder(r Recorder) Option { return func(t *Tracker) { t.recorder = r } }

// WithLogger attaches a logger for tick/rollover logging.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithClock overrides the wall clock, used by tests to exercise month
// rollover (§8 S7) deterministically.
func WithClock(fn func() time.Time) Option { return func(t *Tracker) { t.now = fn } }

// NewTracker constructs a Tracker. The "global" cell is lazily created
// on first RecordSpending or Snapshot call.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{cfg: cfg, recorder: noopRecorder{}, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

const globalKey = "global"

func (t *Tracker) getOrCreate(key string) *cell {
	now := t.now()
	v, _ := t.cells.LoadOrStore(key, &cell{metrics: Metrics{MonthKey: currentMonthKey(now)}})
	return v.(*cell)
}

// RecordSpending adds cost_usd to the current month's spending, resetting
// first if the wall-clock month has rolled over since the last write —
// "this handles the case where the first request of a new month beats
// the loop" (§4.5).
func (t *Tracker) RecordSpending(costUSD float64) {
	c := t.getOrCreate(globalKey)
	c.mu.Lock()
	defer c.mu.Unlock()

	nowKey := currentMonthKey(t.now())
	if c.metrics.MonthKey != nowKey {
		t.logger.Info("budget month rollover", "from", c.metrics.MonthKey, "to", nowKey)
		c.metrics.MonthKey = nowKey
		c.metrics.CurrentMonthSpendingUSD = 0
		t.recorder.IncBudgetEvent("month_rollover")
	}
	c.metrics.CurrentMonthSpendingUSD += costUSD
}

// Snapshot returns an atomic copy of the global BudgetMetrics.
func (t *Tracker) Snapshot() Metrics {
	c := t.getOrCreate(globalKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// ComputeStatus implements compute_status(snapshot, config) -> BudgetStatus
// from §4.5: purely a function of state, no hysteresis.
func ComputeStatus(snapshot Metrics, cfg Config) Status {
	if cfg.MonthlyLimitUSD == nil {
		return Normal
	}
	limit := *cfg.MonthlyLimitUSD
	soft := limit * cfg.SoftLimitPercent / 100
	spent := snapshot.CurrentMonthSpendingUSD
	switch {
	case spent >= limit:
		return HardLimit
	case spent >= soft:
		return SoftLimit
	default:
		return Normal
	}
}

// Config returns the Tracker's budget configuration, consulted by
// BudgetReconciler alongside Snapshot/ComputeStatus.
func (t *Tracker) Config() Config { return t.cfg }

// Tick runs one reconciliation pass: detect month rollover, push
// spending/utilization/status gauges. Exposed standalone (distinct from
// Run) so it can be driven either by the local ticker or by a Temporal
// workflow invocation (internal/reconcileloop).
func (t *Tracker) Tick(ctx context.Context) error {
	c := t.getOrCreate(globalKey)
	c.mu.Lock()
	now := t.now()
	nowKey := currentMonthKey(now)
	if c.metrics.MonthKey != nowKey {
		t.logger.InfoContext(ctx, "budget month rollover", "from", c.metrics.MonthKey, "to", nowKey)
		c.metrics.MonthKey = nowKey
		c.metrics.CurrentMonthSpendingUSD = 0
		t.recorder.IncBudgetEvent("month_rollover")
	}
	c.metrics.LastReconciliationTime = now
	snapshot := c.metrics
	c.mu.Unlock()

	status := ComputeStatus(snapshot, t.cfg)
	t.recorder.SetBudgetSpending(snapshot.CurrentMonthSpendingUSD)
	t.recorder.SetBudgetStatus(int(status))
	if t.cfg.MonthlyLimitUSD != nil && *t.cfg.MonthlyLimitUSD > 0 {
		t.recorder.SetBudgetLimit(*t.cfg.MonthlyLimitUSD)
		t.recorder.SetBudgetUtilization(snapshot.CurrentMonthSpendingUSD / *t.cfg.MonthlyLimitUSD * 100)
	}
	t.logger.DebugContext(ctx, "budget tick", "month_key", snapshot.MonthKey,
		"spending_usd", snapshot.CurrentMonthSpendingUSD, "status", status.String())
	return nil
}

// Run is the Reconciliation Loop (§4.5/§9): a single long-running
// cooperative task, ticking every ReconciliationIntervalSecs, cancellable
// via ctx. time.Ticker naturally gives skip-missed-tick semantics — a
// slow consumer collapses pending ticks into one instead of queuing them.
// Run blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	interval := time.Duration(t.cfg.ReconciliationIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("budget reconciliation loop stopped")
			return
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil {
				t.logger.Warn("budget reconciliation tick failed", "error", err)
			}
		}
	}
}
