// Package pipeline implements the Reconciler Pipeline (C7), the core of
// the core: six ordered stages that transform a parsed request into a
// RoutingDecision by mutating a shared RoutingIntent.
//
// Grounded on tokenhub's internal/router.Engine — its eligibleModels
// (candidate filtering) and scoreModels (multi-objective scoring)
// functions are the direct ancestors of the Scorer stage, generalized
// here from a single monolithic function into the fixed six-stage
// pipeline §4.7 specifies, so each policy layer (privacy, budget, tier)
// gets its own reviewable, independently testable reconciler instead of
// one function doing everything.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordanhubbard/nexus/internal/intent"
)

// Message is one chat-completion message, enough of the OpenAI wire
// shape for RequestAnalyzer to detect vision/tools/json_mode.
type Message struct {
	Role       string
	Content    string
	HasImage   bool // true if any content part is an image_url part
}

// ResponseFormat mirrors the OpenAI response_format field.
type ResponseFormat struct {
	Type string // "json_object" enables json_mode
}

// Headers is the subset of request-level headers the pipeline consumes
// (§6.2).
type Headers struct {
	Strict   bool // X-Nexus-Strict
	Flexible bool // X-Nexus-Flexible
}

// Request is the parsed chat-completion request entering the pipeline
// (§2 Flow: "{model, messages, stream?, max_tokens?}").
type Request struct {
	RequestID string
	Model     string
	Messages  []Message
	Stream    bool
	MaxTokens *uint32
	Tools     []any
	Format    *ResponseFormat
	Headers   Headers
}

// Reconciler is the capability set from §4.6/§4.7: name() and
// reconcile(&mut RoutingIntent) -> Result<(), PipelineError>.
type Reconciler interface {
	Name() string
	Reconcile(ctx context.Context, ri *intent.RoutingIntent) error
}

// Recorder receives per-stage telemetry (§6.5): exclusions and duration,
// decoupling the pipeline from any specific metrics backend.
type Recorder interface {
	ObserveReconcilerDuration(reconciler string, d time.Duration)
	IncReconcilerExclusion(reconciler, reason string)
	ObserveCostPerRequest(usd float64)
}

type noopRecorder struct{}

func (noopRecorder) ObserveReconcilerDuration(string, time.Duration) {}
func (noopRecorder) IncReconcilerExclusion(string, string)           {}
func (noopRecorder) ObserveCostPerRequest(float64)                   {}

// BackendSource is the subset of the Backend Registry contract (§4.4)
// the pipeline needs. Implemented by *registry.Registry; declared here
// as an interface so stages depend on behavior, not on the registry
// package's concrete type.
type BackendSource interface {
	AllBackendIDs() []string
	GetBackendsForModel(model string) []BackendSnapshot
	GetLoadingBackendsForModel(model string) []BackendSnapshot
	Snapshot(id string) (BackendSnapshot, bool)
}

// BackendSnapshot mirrors registry.BackendSnapshot; redeclared here to
// keep pipeline a leaf consumer rather than importing registry's
// concrete types into every stage signature. internal/app is
// responsible for adapting *registry.Registry to BackendSource.
type BackendSnapshot struct {
	ID             string
	Type           string // "local" | "cloud"
	PrivacyZone    string // "open" | "restricted"
	CapabilityTier uint8
	Models         []string
	Load           uint32
	LatencyEMAMs   uint32
	Health         string // "healthy" | "unhealthy" | "loading"
	LoadingETAMs   uint32
	Priority       float64
	QualityScore   float64
}

// Pipeline is the fixed six-stage executor (§4.7).
type Pipeline struct {
	stages   []Reconciler
	recorder Recorder
	logger   *slog.Logger
}

// Option configures optional Pipeline behavior.
type Option func(*Pipeline)

// WithRecorder attaches telemetry.
func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// New builds the Pipeline with stages in the fixed §4.7 order:
// RequestAnalyzer, PrivacyReconciler, BudgetReconciler, TierReconciler,
// QualityReconciler, SchedulerReconciler.
func New(analyzer *RequestAnalyzer, privacy *PrivacyReconciler, budget *BudgetReconciler,
	tier *TierReconciler, quality *QualityReconciler, scheduler *SchedulerReconciler, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages: []Reconciler{analyzer, privacy, budget, tier, quality, scheduler},
		recorder: noopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs every stage in fixed order against a fresh RoutingIntent
// (RequestAnalyzer performs the candidate seeding described in §4.7
// stage 1), short-circuiting on the first PipelineInternalError (§4.7
// "on the first Err, the executor short-circuits"). On success it
// returns the intent — including the Decision written by
// SchedulerReconciler — for callers (e.g. the Annotator) that need the
// full provenance.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*intent.RoutingIntent, error) {
	ri := intent.New(req.RequestID, req.Model, nil)
	ctx = withRequest(ctx, req)

	for _, stage := range p.stages {
		start := time.Now()
		err := stage.Reconcile(ctx, ri)
		p.recorder.ObserveReconcilerDuration(stage.Name(), time.Since(start))
		if err != nil {
			p.logger.ErrorContext(ctx, "pipeline stage failed", "reconciler", stage.Name(), "error", err)
			return ri, fmt.Errorf("pipeline: stage %s: %w", stage.Name(), err)
		}
	}

	if ri.CostEstimate.CostUSD > 0 {
		p.recorder.ObserveCostPerRequest(ri.CostEstimate.CostUSD)
	}
	return ri, nil
}

// requestKey is an unexported context key carrying the original Request
// so downstream stages (which only receive *intent.RoutingIntent per the
// §4.6 Reconciler capability set) can still reach the raw messages they
// need without widening that interface.
type requestKeyType struct{}

var requestKey = requestKeyType{}

func withRequest(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

func requestFromContext(ctx context.Context) (Request, bool) {
	req, ok := ctx.Value(requestKey).(Request)
	return req, ok
}
