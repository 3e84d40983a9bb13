package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "modernc.org/sqlite"

	"github.com/jordanhubbard/nexus/internal/adminauth"
	"github.com/jordanhubbard/nexus/internal/auditlog"
	"github.com/jordanhubbard/nexus/internal/budget"
	"github.com/jordanhubbard/nexus/internal/events"
	"github.com/jordanhubbard/nexus/internal/httpapi"
	"github.com/jordanhubbard/nexus/internal/idempotency"
	"github.com/jordanhubbard/nexus/internal/logging"
	"github.com/jordanhubbard/nexus/internal/metrics"
	"github.com/jordanhubbard/nexus/internal/pipeline"
	"github.com/jordanhubbard/nexus/internal/policy"
	"github.com/jordanhubbard/nexus/internal/pricing"
	"github.com/jordanhubbard/nexus/internal/ratelimit"
	"github.com/jordanhubbard/nexus/internal/reconcileloop"
	"github.com/jordanhubbard/nexus/internal/registry"
	"github.com/jordanhubbard/nexus/internal/stats"
	"github.com/jordanhubbard/nexus/internal/tokenizer"
	"github.com/jordanhubbard/nexus/internal/tracing"
	"github.com/jordanhubbard/nexus/internal/tsdb"
)

// Server owns the wired Pipeline, its supporting components, and the
// HTTP mux — the Nexus analogue of tokenhub's internal/app.Server.
type Server struct {
	cfg Config

	r *chi.Mux

	logger      *slog.Logger
	metrics     *metrics.Registry
	bus         *events.Bus
	registry    *registry.Registry
	tracker     *budget.Tracker
	audit       *auditlog.Sink // nil if audit DB failed to open
	loop        *reconcileloop.Loop
	policyStore *policyMatcherAdapter

	historyDB *sql.DB // nil if budget history recording is unavailable
	limiter   *ratelimit.Limiter
	idemCache *idempotency.Cache
	stats     *stats.Collector

	tracingShutdown func(context.Context) error

	stopLoop context.CancelFunc

	httpServer *http.Server
}

// backendSourceAdapter adapts *registry.Registry to pipeline.BackendSource,
// converting registry.BackendSnapshot to pipeline's leaf-package redeclaration.
type backendSourceAdapter struct{ r *registry.Registry }

func (a backendSourceAdapter) AllBackendIDs() []string { return a.r.AllBackendIDs() }

func (a backendSourceAdapter) GetBackendsForModel(model string) []pipeline.BackendSnapshot {
	snaps := a.r.GetBackendsForModel(model)
	out := make([]pipeline.BackendSnapshot, len(snaps))
	for i, s := range snaps {
		out[i] = toPipelineSnapshot(s)
	}
	return out
}

func (a backendSourceAdapter) GetLoadingBackendsForModel(model string) []pipeline.BackendSnapshot {
	snaps := a.r.GetLoadingBackendsForModel(model)
	out := make([]pipeline.BackendSnapshot, len(snaps))
	for i, s := range snaps {
		out[i] = toPipelineSnapshot(s)
	}
	return out
}

func (a backendSourceAdapter) Snapshot(id string) (pipeline.BackendSnapshot, bool) {
	s, ok := a.r.Snapshot(id)
	if !ok {
		return pipeline.BackendSnapshot{}, false
	}
	return toPipelineSnapshot(s), true
}

func toPipelineSnapshot(s registry.BackendSnapshot) pipeline.BackendSnapshot {
	return pipeline.BackendSnapshot{
		ID:             s.ID,
		Type:           string(s.Type),
		PrivacyZone:    string(s.PrivacyZone),
		CapabilityTier: s.CapabilityTier,
		Models:         s.Models,
		Load:           s.Load,
		LatencyEMAMs:   s.LatencyEMAMs,
		Health:         s.Health.String(),
		LoadingETAMs:   s.LoadingETAMs,
		Priority:       s.Priority,
		QualityScore:   s.QualityScore,
	}
}

// policyMatcherAdapter adapts *policy.Matcher to pipeline.PolicyMatcher,
// holding it behind an atomic.Pointer so Reload (SIGHUP) can swap in a
// recompiled Matcher without touching the Pipeline's stage structs or
// racing an in-flight request.
type policyMatcherAdapter struct{ m atomic.Pointer[policy.Matcher] }

func (a *policyMatcherAdapter) store(m *policy.Matcher) { a.m.Store(m) }

func (a *policyMatcherAdapter) FindPolicy(model string) (pipeline.Policy, bool) {
	p, ok := a.m.Load().FindPolicy(model)
	if !ok {
		return pipeline.Policy{}, false
	}
	return pipeline.Policy{
		ModelPattern:      p.ModelPattern,
		Privacy:           string(p.Privacy),
		MaxCostPerRequest: p.MaxCostPerRequest,
		MinTier:           p.MinTier,
		FallbackAllowed:   p.FallbackAllowed,
	}, true
}

// budgetStatusAdapter adapts *budget.Tracker to pipeline.BudgetStatusSource.
type budgetStatusAdapter struct{ t *budget.Tracker }

func (a budgetStatusAdapter) Snapshot() pipeline.BudgetMetrics {
	m := a.t.Snapshot()
	return pipeline.BudgetMetrics{CurrentMonthSpendingUSD: m.CurrentMonthSpendingUSD, MonthKey: m.MonthKey}
}

func (a budgetStatusAdapter) Config() pipeline.BudgetConfig {
	c := a.t.Config()
	return pipeline.BudgetConfig{
		MonthlyLimitUSD:            c.MonthlyLimitUSD,
		SoftLimitPercent:           c.SoftLimitPercent,
		HardLimitAction:            string(c.HardLimitAction),
		ReconciliationIntervalSecs: c.ReconciliationIntervalSecs,
	}
}

// historyTicker wraps the Budget Tracker's Tick with a tsdb write, so
// every reconciliation tick also appends a trend point — adapted from
// tokenhub's tsdbPruneLoop/heartbeatLoop pattern of piggybacking
// secondary bookkeeping on an existing periodic loop rather than
// running a second ticker.
type historyTicker struct {
	tracker *budget.Tracker
	history *tsdb.Store
}

func (h historyTicker) Tick(ctx context.Context) error {
	if err := h.tracker.Tick(ctx); err != nil {
		return err
	}
	if h.history != nil {
		snap := h.tracker.Snapshot()
		h.history.Write(tsdb.Point{Metric: "budget_spending_usd", Value: snap.CurrentMonthSpendingUSD})
	}
	return nil
}

func openHistoryStore(dsn string) (*sql.DB, *tsdb.Store, error) {
	if dsn == "" {
		return nil, nil, nil
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("budget history: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("budget history: sqlite pragmas: %w", err)
	}
	store, err := tsdb.New(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("budget history: init: %w", err)
	}
	return db, store, nil
}

// NewServer builds every core component from cfg and wires them into a
// Pipeline, then mounts the HTTP boundary.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)
	m := metrics.New()
	bus := events.NewBus()

	reg := registry.New()
	for _, b := range cfg.Routing.Backends {
		zone := registry.PrivacyOpen
		if b.Privacy == "restricted" {
			zone = registry.PrivacyRestricted
		}
		typ := registry.TypeLocal
		if b.Type == "cloud" {
			typ = registry.TypeCloud
		}
		reg.Register(registry.BackendConfig{
			ID:             b.ID,
			Type:           typ,
			PrivacyZone:    zone,
			CapabilityTier: b.CapabilityTier,
			Models:         b.Models,
			Priority:       b.Priority,
			QualityScore:   b.QualityScore,
		})
	}
	logger.Info("backend registry bootstrapped", slog.Int("backends", len(cfg.Routing.Backends)))

	policies := make([]policy.TrafficPolicy, 0, len(cfg.Routing.Policies))
	for _, p := range cfg.Routing.Policies {
		policies = append(policies, policy.TrafficPolicy{
			ModelPattern:      p.ModelPattern,
			Privacy:           policy.Privacy(p.Privacy),
			MaxCostPerRequest: p.MaxCostPerRequest,
			MinTier:           p.MinTier,
			FallbackAllowed:   p.FallbackAllowed == nil || *p.FallbackAllowed,
		})
	}
	matcher, err := policy.Compile(policies, logger)
	if err != nil {
		return nil, err
	}
	policyStore := &policyMatcherAdapter{}
	policyStore.store(matcher)

	pricingTable := pricing.DefaultTable()

	budgetCfg := budget.DefaultConfig()
	if cfg.Routing.Budget != nil {
		b := cfg.Routing.Budget
		if b.MonthlyLimitUSD != nil {
			budgetCfg.MonthlyLimitUSD = b.MonthlyLimitUSD
		}
		if b.SoftLimitPercent != nil {
			budgetCfg.SoftLimitPercent = *b.SoftLimitPercent
		}
		if b.HardLimitAction != "" {
			budgetCfg.HardLimitAction = budget.HardLimitAction(b.HardLimitAction)
		}
		if b.ReconciliationIntervalSecs != nil {
			budgetCfg.ReconciliationIntervalSecs = *b.ReconciliationIntervalSecs
		}
	}
	tracker := budget.NewTracker(budgetCfg, budget.WithRecorder(m), budget.WithLogger(logger))

	tokRegistry, err := tokenizer.Compile(defaultTokenizerBindings(), tokenizer.Heuristic(),
		tokenizer.WithLogger(logger), tokenizer.WithRecorder(m))
	if err != nil {
		return nil, err
	}

	backends := backendSourceAdapter{r: reg}

	p := pipeline.New(
		&pipeline.RequestAnalyzer{Aliases: cfg.Routing.Aliases, Backends: backends, Tokens: tokRegistry},
		&pipeline.PrivacyReconciler{Policies: policyStore, Backends: backends, Recorder: m},
		&pipeline.BudgetReconciler{Pricing: pricingTable, Budget: budgetStatusAdapter{t: tracker}, Backends: backends, Recorder: m},
		&pipeline.TierReconciler{Policies: policyStore, Backends: backends, Recorder: m},
		&pipeline.QualityReconciler{},
		&pipeline.SchedulerReconciler{Backends: backends},
		pipeline.WithRecorder(m), pipeline.WithLogger(logger),
	)

	var audit *auditlog.Sink
	if cfg.AuditDBPath != "" {
		audit, err = auditlog.Open(cfg.AuditDBPath, logger)
		if err != nil {
			logger.Warn("audit log unavailable, rejections will not be persisted", slog.String("error", err.Error()))
		}
	}

	historyDB, history, err := openHistoryStore(cfg.BudgetHistoryDBPath)
	if err != nil {
		logger.Warn("budget history unavailable", slog.String("error", err.Error()))
	}

	loopCfg := reconcileloop.Config{Interval: time.Duration(budgetCfg.ReconciliationIntervalSecs) * time.Second}
	if cfg.TemporalEnabled {
		loopCfg.HostPort = cfg.TemporalHostPort
		loopCfg.Namespace = cfg.TemporalNS
		loopCfg.TaskQueue = cfg.TemporalQueue
	}
	loop := reconcileloop.New(historyTicker{tracker: tracker, history: history}, loopCfg,
		reconcileloop.WithRecorder(m), reconcileloop.WithLogger(logger))

	var limiter *ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
			ratelimit.WithCounter(m.RateLimitRejectionsTotal))
	}

	var idemCache *idempotency.Cache
	if cfg.IdempotencyTTLSecs > 0 {
		idemCache = idempotency.New(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, 10000)
	}

	statsCollector := stats.NewCollector()

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: "nexus",
	})
	if err != nil {
		logger.Warn("tracing setup failed, continuing without spans", slog.String("error", err.Error()))
		tracingShutdown = func(context.Context) error { return nil }
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	go loop.Run(loopCtx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Nexus-Strict", "X-Nexus-Flexible"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	deps := httpapi.Dependencies{
		Pipeline: p,
		Registry: reg,
		Tracker:  tracker,
		Metrics:  m,
		EventBus:    bus,
		Audit:       audit,
		History:     history,
		Stats:       statsCollector,
		RateLimiter: limiter,
		Idempotency: idemCache,
		Logger:      logger,
		AdminAuth: func(next http.Handler) http.Handler {
			return adminauth.Middleware(cfg.AdminTokenHash, logger)(next)
		},
	}
	httpapi.MountRoutes(r, deps)

	s := &Server{
		cfg:         cfg,
		r:           r,
		logger:      logger,
		metrics:     m,
		bus:         bus,
		registry:    reg,
		tracker:     tracker,
		audit:       audit,
		loop:        loop,
		policyStore: policyStore,
		historyDB:       historyDB,
		limiter:         limiter,
		idemCache:       idemCache,
		stats:           statsCollector,
		tracingShutdown: tracingShutdown,
		stopLoop:        cancel,
	}
	return s, nil
}

// Reload recompiles the traffic policy table from newCfg and swaps it
// into the running Pipeline without restarting the process. Backend
// bootstrap, budget limits, and Temporal settings are process-lifetime
// config (§6.1 treats them as startup-only) and require a restart to
// change.
func (s *Server) Reload(newCfg Config) error {
	policies := make([]policy.TrafficPolicy, 0, len(newCfg.Routing.Policies))
	for _, p := range newCfg.Routing.Policies {
		policies = append(policies, policy.TrafficPolicy{
			ModelPattern:      p.ModelPattern,
			Privacy:           policy.Privacy(p.Privacy),
			MaxCostPerRequest: p.MaxCostPerRequest,
			MinTier:           p.MinTier,
			FallbackAllowed:   p.FallbackAllowed == nil || *p.FallbackAllowed,
		})
	}
	matcher, err := policy.Compile(policies, s.logger)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	s.policyStore.store(matcher)
	s.logger.Info("configuration reloaded", slog.Int("policies", len(policies)))
	return nil
}

// defaultTokenizerBindings wires the exact (OpenAI) and approximation
// (Anthropic) tokenizer tiers onto the model-family globs §4.1
// documents; unmatched models fall through to the heuristic fallback.
func defaultTokenizerBindings() []tokenizer.Binding {
	var bindings []tokenizer.Binding
	if openai, err := tokenizer.NewExactOpenAI(); err == nil {
		bindings = append(bindings,
			tokenizer.Binding{Pattern: "gpt-*", Tokenizer: openai},
			tokenizer.Binding{Pattern: "gpt4*", Tokenizer: openai},
		)
	}
	if claude, err := tokenizer.NewApproximationClaude(); err == nil {
		bindings = append(bindings, tokenizer.Binding{Pattern: "claude-*", Tokenizer: claude})
	}
	return bindings
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so Close can drain in-flight
// requests.
func (s *Server) SetHTTPServer(srv *http.Server) { s.httpServer = srv }

// Close drains in-flight HTTP requests, stops the reconciliation loop,
// and closes the audit sink.
func (s *Server) Close() error {
	if s.httpServer != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}
	s.stopLoop()
	s.loop.Stop()
	if s.tracingShutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Warn("tracing shutdown error", slog.String("error", err.Error()))
		}
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.idemCache != nil {
		s.idemCache.Stop()
	}
	if s.historyDB != nil {
		if err := s.historyDB.Close(); err != nil {
			s.logger.Warn("budget history DB close error", slog.String("error", err.Error()))
		}
	}
	if s.audit != nil {
		return s.audit.Close()
	}
	return nil
}
