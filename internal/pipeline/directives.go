// In-band request directives: a supplemental feature not required by
// spec.md, modeled directly on tokenhub's router.ParseDirectives /
// StripDirectives (internal/router/directives.go), which scan the first
// user message of a chat request for an "@@tokenhub key=value ..." line.
// Here the same shape parses "@@nexus key=value ..." lines recognizing
// tier_mode and max_cost, letting one request override TierReconciler's
// default Strict mode without a header. A max_cost value is only stored
// on the RoutingIntent (MaxCostOverride); no stage enforces it.
package pipeline

import (
	"strconv"
	"strings"
)

const directivePrefix = "@@nexus"

// Directives is the parsed result of one @@nexus line.
type Directives struct {
	TierMode string // "strict" | "flexible", empty if unset
	MaxCost  *float64
}

// ParseDirectives scans text for a line starting with "@@nexus" and
// extracts recognized key=value pairs. Unrecognized keys are ignored —
// directives are a best-effort convenience, never a source of pipeline
// errors.
func ParseDirectives(text string) Directives {
	var d Directives
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, directivePrefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, directivePrefix))
		for _, tok := range strings.Fields(rest) {
			k, v, ok := strings.Cut(tok, "=")
			if !ok {
				continue
			}
			switch strings.ToLower(k) {
			case "tier_mode", "mode":
				v = strings.ToLower(v)
				if v == "strict" || v == "flexible" {
					d.TierMode = v
				}
			case "max_cost":
				if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
					d.MaxCost = &f
				}
			}
		}
		break // only the first directive line is honored
	}
	return d
}

// StripDirectives removes every "@@nexus ..." line from text, so
// directive syntax never reaches the tokenizer or the backend.
func StripDirectives(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), directivePrefix) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
