// Package reconcileloop drives the Budget Tracker's reconciliation
// tick, optionally dispatching it through Temporal instead of ticking
// it locally. It is grounded on tokenhub's internal/temporal.Manager
// (client.Dial + worker.New + RegisterWorkflow/RegisterActivity
// lifecycle) for the Temporal half, and on
// tokenhub's Temporal circuit-breaker wiring in internal/app.NewServer
// (New/WithThreshold/WithCooldown/WithOnStateChange, gauge push on
// state change) for the fallback half. When Temporal is disabled, not
// reachable, or the breaker is open, the loop falls back to calling
// Tick directly — the Budget Tracker's invariants (P7 monotonicity,
// no duplicate postings) hold either way since Tick is idempotent
// within a tick period.
package reconcileloop

import (
	"context"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/nexus/internal/circuitbreaker"
)

// Ticker is the thing being reconciled; internal/budget.Tracker
// satisfies this.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Recorder reports reconciliation-loop dispatch health, satisfied by
// internal/metrics.Registry.
type Recorder interface {
	SetTemporalUp(up bool)
	SetTemporalCircuitState(s int)
	IncTemporalFallback()
}

type noopRecorder struct{}

func (noopRecorder) SetTemporalUp(bool)          {}
func (noopRecorder) SetTemporalCircuitState(int) {}
func (noopRecorder) IncTemporalFallback()        {}

// Config configures Temporal dispatch. Empty HostPort disables
// Temporal entirely and the loop always ticks locally.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
	Interval  time.Duration
}

// Loop owns the reconciliation ticker, the optional Temporal
// client/worker, and the circuit breaker gating dispatch between them.
type Loop struct {
	ticker   Ticker
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	breaker  *circuitbreaker.Breaker

	temporalClient client.Client
	temporalWorker worker.Worker
}

// Option configures a Loop.
type Option func(*Loop)

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithLogger installs a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New builds a Loop. If cfg.HostPort is set, it attempts to dial
// Temporal and register a worker; a dial failure is logged and the
// loop falls back to local ticking permanently (Temporal stays nil).
func New(ticker Ticker, cfg Config, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	l := &Loop{
		ticker:   ticker,
		cfg:      cfg,
		logger:   slog.Default(),
		recorder: noopRecorder{},
	}
	for _, o := range opts {
		o(l)
	}
	l.breaker = circuitbreaker.New(
		circuitbreaker.WithThreshold(3),
		circuitbreaker.WithCooldown(30*time.Second),
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			l.logger.Warn("reconciliation loop circuit breaker state change",
				slog.String("from", from.String()), slog.String("to", to.String()))
			l.recorder.SetTemporalCircuitState(int(to))
		}),
	)

	if cfg.HostPort == "" {
		return l
	}

	c, err := client.Dial(client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace})
	if err != nil {
		l.logger.Warn("reconciliation loop: temporal dial failed, ticking locally", slog.String("error", err.Error()))
		return l
	}
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(TickWorkflow)
	w.RegisterActivity(l.tickActivity)
	if err := w.Start(); err != nil {
		l.logger.Warn("reconciliation loop: temporal worker start failed, ticking locally", slog.String("error", err.Error()))
		c.Close()
		return l
	}
	l.temporalClient = c
	l.temporalWorker = w
	l.recorder.SetTemporalUp(true)
	return l
}

// tickActivity is the Temporal activity wrapping Ticker.Tick.
func (l *Loop) tickActivity(ctx context.Context) error {
	return l.ticker.Tick(ctx)
}

// TickWorkflow is the Temporal workflow definition that calls the
// tick activity with a short timeout.
func TickWorkflow(ctx workflow.Context) error {
	ao := workflow.ActivityOptions{StartToCloseTimeout: 30 * time.Second}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var activityName string = "tickActivity"
	return workflow.ExecuteActivity(ctx, activityName).Get(ctx, nil)
}

// Run ticks on cfg.Interval until ctx is cancelled. Each tick either
// dispatches through Temporal (if available and the breaker allows)
// or calls Tick directly.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	if l.temporalClient != nil && l.breaker.Allow() {
		wo := client.StartWorkflowOptions{TaskQueue: l.cfg.TaskQueue}
		run, err := l.temporalClient.ExecuteWorkflow(ctx, wo, TickWorkflow)
		if err == nil {
			err = run.Get(ctx, nil)
		}
		if err != nil {
			l.logger.Warn("reconciliation loop: temporal dispatch failed, falling back", slog.String("error", err.Error()))
			l.breaker.RecordFailure()
			l.recorder.IncTemporalFallback()
			if tickErr := l.ticker.Tick(ctx); tickErr != nil {
				l.logger.Warn("reconciliation loop: fallback tick failed", slog.String("error", tickErr.Error()))
			}
			return
		}
		l.breaker.RecordSuccess()
		return
	}
	if l.temporalClient != nil {
		l.recorder.IncTemporalFallback()
	}
	if err := l.ticker.Tick(ctx); err != nil {
		l.logger.Warn("reconciliation loop: tick failed", slog.String("error", err.Error()))
	}
}

// Stop releases the Temporal worker and client, if any.
func (l *Loop) Stop() {
	if l.temporalWorker != nil {
		l.temporalWorker.Stop()
	}
	if l.temporalClient != nil {
		l.temporalClient.Close()
		l.recorder.SetTemporalUp(false)
	}
}
