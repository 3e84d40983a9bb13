package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/nexus/internal/annotate"
	"github.com/jordanhubbard/nexus/internal/auditlog"
	"github.com/jordanhubbard/nexus/internal/events"
	"github.com/jordanhubbard/nexus/internal/intent"
	"github.com/jordanhubbard/nexus/internal/pipeline"
	"github.com/jordanhubbard/nexus/internal/stats"
	"github.com/jordanhubbard/nexus/internal/tracing"
)

// wireMessage is the OpenAI-compatible chat message shape on the wire.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

// chatCompletionsRequest is the subset of the OpenAI chat-completions
// request body the core pipeline consumes (§2 Flow).
type chatCompletionsRequest struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	Stream         bool                `json:"stream"`
	MaxTokens      *uint32             `json:"max_tokens"`
	Tools          []any               `json:"tools"`
	ResponseFormat *wireResponseFormat `json:"response_format"`
}

// ChatCompletionsHandler runs a parsed request through the pipeline and
// maps the resulting RoutingDecision onto an HTTP response: 200 with
// X-Nexus-* headers for Route, 503 with a retry-after body for Queue,
// 503 with rejection detail for Reject (§6.4), and 500 for a
// PipelineInternalError.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body chatCompletionsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if body.Model == "" || len(body.Messages) == 0 {
			http.Error(w, `{"error":"model and messages are required"}`, http.StatusBadRequest)
			return
		}

		req := pipeline.Request{
			RequestID: middleware.GetReqID(r.Context()),
			Model:     body.Model,
			Stream:    body.Stream,
			MaxTokens: body.MaxTokens,
			Tools:     body.Tools,
			Headers: pipeline.Headers{
				Strict:   r.Header.Get("X-Nexus-Strict") == "true",
				Flexible: r.Header.Get("X-Nexus-Flexible") == "true",
			},
		}
		if body.ResponseFormat != nil {
			req.Format = &pipeline.ResponseFormat{Type: body.ResponseFormat.Type}
		}
		for _, m := range body.Messages {
			pm := pipeline.Message{Role: m.Role}
			switch c := m.Content.(type) {
			case string:
				pm.Content = c
			case []any:
				for _, part := range c {
					partMap, ok := part.(map[string]any)
					if !ok {
						continue
					}
					if partMap["type"] == "image_url" {
						pm.HasImage = true
					}
					if text, ok := partMap["text"].(string); ok {
						pm.Content += text
					}
				}
			}
			req.Messages = append(req.Messages, pm)
		}

		start := time.Now()
		ri, err := d.Pipeline.Execute(r.Context(), req)
		if err != nil {
			d.Logger.ErrorContext(r.Context(), "pipeline execution failed", "error", err, "request_id", req.RequestID)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal routing error"})
			return
		}
		elapsed := time.Since(start)

		switch ri.Decision.Kind {
		case intent.DecisionRoute:
			handleRoute(r.Context(), w, d, req, ri, elapsed)
		case intent.DecisionQueue:
			handleQueue(r.Context(), w, ri)
		default:
			handleReject(r.Context(), w, d, req, ri, elapsed)
		}
	}
}

func recordStats(d Dependencies, ri *intent.RoutingIntent, elapsed time.Duration, success bool) {
	if d.Stats == nil {
		return
	}
	dec := ri.Decision
	d.Stats.Record(stats.Snapshot{
		ModelID:      ri.ResolvedModel,
		AgentID:      dec.AgentID,
		LatencyMs:    float64(elapsed.Microseconds()) / 1000.0,
		CostUSD:      dec.CostEstimate.CostUSD,
		Success:      success,
		InputTokens:  dec.CostEstimate.InputTokens,
		OutputTokens: dec.CostEstimate.EstimatedOutputTokens,
	})
}

func handleRoute(ctx context.Context, w http.ResponseWriter, d Dependencies, req pipeline.Request, ri *intent.RoutingIntent, elapsed time.Duration) {
	dec := ri.Decision
	tracing.AnnotateDecision(ctx, ri.ResolvedModel, "route", dec.AgentID, dec.CostEstimate.CostUSD)
	backendType, privacyZone := "", ""
	if snap, ok := d.Registry.Snapshot(dec.AgentID); ok {
		backendType = string(snap.Type)
		privacyZone = string(snap.PrivacyZone)
	}
	annotate.Annotate(w.Header(), ri, req.Model, backendType, privacyZone)
	if d.Tracker != nil {
		m := d.Tracker.Snapshot()
		cfg := d.Tracker.Config()
		annotate.AnnotateBudget(w.Header(), ri, m.CurrentMonthSpendingUSD, cfg.MonthlyLimitUSD)
	}
	if snap, ok := d.Registry.Snapshot(dec.AgentID); ok {
		annotate.Warning(w.Header(), ri, snap.CapabilityTier)
	}
	if d.EventBus != nil {
		d.EventBus.Publish(routeEvent(ri))
	}
	recordStats(d, ri, elapsed, true)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":    dec.AgentID,
		"model":       dec.Model,
		"reason":      dec.Reason,
		"cost_usd":    dec.CostEstimate.CostUSD,
		"input_tokens":  dec.CostEstimate.InputTokens,
		"output_tokens": dec.CostEstimate.EstimatedOutputTokens,
	})
}

func handleQueue(ctx context.Context, w http.ResponseWriter, ri *intent.RoutingIntent) {
	dec := ri.Decision
	tracing.AnnotateDecision(ctx, ri.ResolvedModel, "queue", "", 0)
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":             "queued",
		"reason":             dec.QueueReason,
		"estimated_wait_ms":  dec.EstimatedWaitMs,
		"fallback_agent_id":  dec.FallbackAgent,
		"has_fallback_agent": dec.HasFallbackAgent,
	})
}

func handleReject(ctx context.Context, w http.ResponseWriter, d Dependencies, req pipeline.Request, ri *intent.RoutingIntent, elapsed time.Duration) {
	dec := ri.Decision
	tracing.AnnotateDecision(ctx, ri.ResolvedModel, "reject", "", 0)
	if d.Audit != nil {
		for _, rr := range dec.RejectionReasons {
			d.Audit.Record(auditlog.Entry{
				RequestID:       req.RequestID,
				RequestedModel:  req.Model,
				ResolvedModel:   ri.ResolvedModel,
				Reconciler:      rr.Reconciler,
				AgentID:         rr.AgentID,
				Reason:          rr.Reason,
				SuggestedAction: rr.SuggestedAction,
			})
		}
	}
	if d.EventBus != nil {
		d.EventBus.Publish(routeEvent(ri))
	}
	recordStats(d, ri, elapsed, false)
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":  "rejected",
		"reasons": dec.RejectionReasons,
	})
}

func routeEvent(ri *intent.RoutingIntent) events.Event {
	kind := "reject"
	agentID, cost, reason := "", 0.0, ri.RouteReason
	switch ri.Decision.Kind {
	case intent.DecisionRoute:
		kind = "route"
		agentID = ri.Decision.AgentID
		cost = ri.Decision.CostEstimate.CostUSD
		reason = ri.Decision.Reason
	case intent.DecisionQueue:
		kind = "queue"
		reason = ri.Decision.QueueReason
	}
	return events.Event{
		Type:           events.EventRouteDecision,
		RequestID:      ri.RequestID,
		RequestedModel: ri.RequestedModel,
		ResolvedModel:  ri.ResolvedModel,
		DecisionKind:   kind,
		AgentID:        agentID,
		CostUSD:        cost,
		Reason:         reason,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
