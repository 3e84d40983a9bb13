package pipeline

import (
	"context"
	"strings"

	"github.com/jordanhubbard/nexus/internal/intent"
)

const maxAliasHops = 3

// TokenCounter is the subset of the Tokenizer Registry contract (C1)
// RequestAnalyzer needs.
type TokenCounter interface {
	CountTokens(ctx context.Context, model, text string) (count uint32, tier int)
}

// RequestAnalyzer is stage 1 (§4.7): resolves aliases, computes request
// requirements, seeds candidates from the Backend Registry, and produces
// a preliminary CostEstimate (token counts filled in, cost left at 0 —
// BudgetReconciler prices it).
type RequestAnalyzer struct {
	Aliases  map[string]string
	Backends BackendSource
	Tokens   TokenCounter
}

func (a *RequestAnalyzer) Name() string { return "RequestAnalyzer" }

func (a *RequestAnalyzer) Reconcile(ctx context.Context, ri *intent.RoutingIntent) error {
	req, ok := requestFromContext(ctx)
	if !ok {
		return internalErrorf(a.Name(), "request not present in context")
	}

	resolved, hopsOk := a.resolveAlias(req.Model)
	if !hopsOk {
		// §4.7: chain exceeded 3 hops or hit a cycle -> fatal rejection
		// attributed to RequestAnalyzer. No candidates were ever seeded,
		// so the Scorer will reject on an empty candidate set, carrying
		// this reason forward verbatim (§7 "preserve RejectionReason
		// list verbatim").
		ri.Reject(a.Name(), "alias chain for \""+req.Model+"\" exceeded 3 hops or formed a cycle",
			"fix the routing.aliases configuration to resolve within 3 hops")
		ri.ResolvedModel = req.Model
		return nil
	}
	ri.ResolvedModel = resolved

	ri.Requirements = a.computeRequirements(req)

	if a.Backends != nil {
		healthy := a.Backends.GetBackendsForModel(resolved)
		for _, snap := range healthy {
			ri.CandidateAgents = append(ri.CandidateAgents, snap.ID)
		}
		// No Healthy backend serves this model: fall back to Loading
		// backends so the Scorer can still reach Queue (§4.8) instead of
		// rejecting on an empty candidate set while a backend is mid-warmup.
		if len(healthy) == 0 {
			for _, snap := range a.Backends.GetLoadingBackendsForModel(resolved) {
				ri.CandidateAgents = append(ri.CandidateAgents, snap.ID)
			}
		}
	}

	// In-band "@@nexus ..." directive (supplemental feature, §4 of
	// SPEC_FULL): parsed from the first user message and stripped before
	// token counting so it never reaches the tokenizer or the backend.
	ri.TierMode = intent.TierStrict
	if req.Headers.Flexible {
		ri.TierMode = intent.TierFlexible
	}
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		d := ParseDirectives(m.Content)
		if d.TierMode == "flexible" {
			ri.TierMode = intent.TierFlexible
		} else if d.TierMode == "strict" {
			ri.TierMode = intent.TierStrict
		}
		if d.MaxCost != nil {
			ri.MaxCostOverride = d.MaxCost
		}
		break
	}

	inputText := concatMessages(req.Messages)
	var inputTokens uint32
	tier := 2 // heuristic tier, used when no tokenizer is wired at all
	if a.Tokens != nil {
		inputTokens, tier = a.Tokens.CountTokens(ctx, resolved, inputText)
	}

	estOutput := inputTokens / 2
	if req.MaxTokens != nil {
		estOutput = *req.MaxTokens
	}
	ri.Requirements.EstimatedTokens = inputTokens
	if req.MaxTokens != nil {
		ri.Requirements.MaxTokens = *req.MaxTokens
	}
	ri.CostEstimate = intent.CostEstimate{
		InputTokens:           inputTokens,
		EstimatedOutputTokens: estOutput,
		CostUSD:               0,
		TokenCountTier:        tier,
	}
	return nil
}

// resolveAlias follows Aliases[name] up to maxAliasHops times, returning
// (finalName, true) on success or ("", false) on a cycle or an overlong
// chain (§4.7, P8).
func (a *RequestAnalyzer) resolveAlias(name string) (string, bool) {
	seen := map[string]bool{name: true}
	cur := name
	for hop := 0; hop < maxAliasHops; hop++ {
		next, ok := a.Aliases[cur]
		if !ok {
			return cur, true
		}
		if seen[next] {
			return "", false
		}
		seen[next] = true
		cur = next
	}
	// One more lookup would exceed the hop budget.
	if _, stillChains := a.Aliases[cur]; stillChains {
		return "", false
	}
	return cur, true
}

func (a *RequestAnalyzer) computeRequirements(req Request) intent.Requirements {
	var r intent.Requirements
	for _, m := range req.Messages {
		if m.HasImage {
			r.Vision = true
			break
		}
	}
	r.Tools = len(req.Tools) > 0
	r.JSONMode = req.Format != nil && req.Format.Type == "json_object"
	return r
}

func concatMessages(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(StripDirectives(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}
