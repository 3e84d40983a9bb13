// Package config loads Nexus's TOML configuration (§6.1) with
// NEXUS_*-prefixed environment variable overrides layered on top,
// exactly the way tokenhub's internal/app.LoadConfig layers TOKENHUB_*
// env vars over file/compiled defaults — here using
// github.com/pelletier/go-toml/v2 for the file-parsing half, since the
// distilled spec's config surface (§6.1) is TOML, not the flat env-only
// shape tokenhub used.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// AliasMap is routing.aliases: modelName -> modelName, up to 3 hops.
type AliasMap map[string]string

// PolicyConfig is one [[routing.policies]] entry (§6.1).
type PolicyConfig struct {
	ModelPattern      string   `toml:"model_pattern"`
	Privacy           string   `toml:"privacy"`
	MaxCostPerRequest *float64 `toml:"max_cost_per_request"`
	MinTier           *uint8   `toml:"min_tier"`
	FallbackAllowed   *bool    `toml:"fallback_allowed"`
}

// BudgetConfig is the optional [routing.budget] block. Absent means no
// enforcement (§6.1 zero-config contract).
type BudgetConfig struct {
	MonthlyLimitUSD            *float64 `toml:"monthly_limit_usd"`
	SoftLimitPercent           *float64 `toml:"soft_limit_percent"`
	HardLimitAction            string   `toml:"hard_limit_action"`
	ReconciliationIntervalSecs *uint64  `toml:"reconciliation_interval_secs"`
}

// BackendConfig is one [[routing.backends]] entry: the declarative,
// out-of-band bootstrap for the Backend Registry (§3's "created by
// health discovery" is deliberately out-of-core; this config section is
// the operator-facing equivalent of tokenhub's ~/.tokenhub/credentials
// file, which bootstraps providers the same way before any runtime
// health prober takes over).
type BackendConfig struct {
	ID             string   `toml:"id"`
	Type           string   `toml:"type"` // "local" | "cloud"
	Privacy        string   `toml:"privacy"`
	CapabilityTier uint8    `toml:"capability_tier"`
	Models         []string `toml:"models"`
	Priority       float64  `toml:"priority"`
	QualityScore   float64  `toml:"quality_score"`
}

// RoutingConfig is the [routing] section.
type RoutingConfig struct {
	Strategy string          `toml:"strategy"`
	Aliases  AliasMap        `toml:"aliases"`
	Policies []PolicyConfig  `toml:"policies"`
	Budget   *BudgetConfig   `toml:"budget"`
	Backends []BackendConfig `toml:"backends"`
}

// Config is the full Nexus process configuration: the TOML [routing]
// tree plus the ambient fields every tokenhub-style service carries
// (listen address, log level, admin auth, audit sink path, Temporal
// opt-in).
type Config struct {
	Routing RoutingConfig `toml:"routing"`

	ListenAddr  string
	LogLevel    string
	CORSOrigins []string

	AdminTokenHash string // bcrypt hash; empty disables admin authentication

	AuditDBPath string

	// BudgetHistoryDBPath backs the Budget Tracker trend series
	// (internal/tsdb), queried at GET /admin/v1/budget/history. Empty
	// disables history recording.
	BudgetHistoryDBPath string

	RateLimitRPS   int
	RateLimitBurst int

	IdempotencyTTLSecs int

	TemporalEnabled  bool
	TemporalHostPort string
	TemporalNS       string
	TemporalQueue    string

	TracingEnabled bool
	TracingEndpoint string
}

func defaults() Config {
	return Config{
		ListenAddr:          ":8080",
		LogLevel:            "info",
		CORSOrigins:         []string{"*"},
		AuditDBPath:         "nexus_audit.db",
		BudgetHistoryDBPath: "nexus_budget_history.db",
		RateLimitRPS:        20,
		RateLimitBurst:      40,
		IdempotencyTTLSecs:  300,
		TemporalQueue:       "nexus-reconciliation",
		TemporalNS:          "default",
	}
}

// Load reads a TOML file at path (if non-empty and present) into the
// defaults, then layers NEXUS_*-prefixed environment variables on top.
// A missing path is not an error — the zero-config contract (§6.1) must
// still produce a working health/score-only router.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEXUS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NEXUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NEXUS_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("NEXUS_ADMIN_TOKEN_HASH"); v != "" {
		cfg.AdminTokenHash = v
	}
	if v := os.Getenv("NEXUS_AUDIT_DB_PATH"); v != "" {
		cfg.AuditDBPath = v
	}
	if v := os.Getenv("NEXUS_BUDGET_HISTORY_DB_PATH"); v != "" {
		cfg.BudgetHistoryDBPath = v
	}
	if v := os.Getenv("NEXUS_RATE_LIMIT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitRPS = n
		}
	}
	if v := os.Getenv("NEXUS_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}
	if v := os.Getenv("NEXUS_TEMPORAL_ENABLED"); v != "" {
		cfg.TemporalEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("NEXUS_TEMPORAL_HOST_PORT"); v != "" {
		cfg.TemporalHostPort = v
	}
	if v := os.Getenv("NEXUS_TEMPORAL_NAMESPACE"); v != "" {
		cfg.TemporalNS = v
	}
	if v := os.Getenv("NEXUS_TEMPORAL_TASK_QUEUE"); v != "" {
		cfg.TemporalQueue = v
	}
	if v := os.Getenv("NEXUS_OTEL_ENABLED"); v != "" {
		cfg.TracingEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("NEXUS_OTEL_ENDPOINT"); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := os.Getenv("NEXUS_BUDGET_MONTHLY_LIMIT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if cfg.Routing.Budget == nil {
				cfg.Routing.Budget = &BudgetConfig{}
			}
			cfg.Routing.Budget.MonthlyLimitUSD = &f
		}
	}
}

// Validate enforces the invariants required to build a Pipeline from
// this config: budget fractions in range, known hard-limit actions,
// valid policy privacy values, non-empty backend ids with valid
// type/privacy values, and no alias cycles (§7 ConfigError, surfaced
// only at startup).
func (c *Config) Validate() error {
	if c.Routing.Budget != nil {
		b := c.Routing.Budget
		if b.SoftLimitPercent != nil && (*b.SoftLimitPercent < 0 || *b.SoftLimitPercent > 100) {
			return fmt.Errorf("config: routing.budget.soft_limit_percent must be in [0,100], got %v", *b.SoftLimitPercent)
		}
		switch b.HardLimitAction {
		case "", "warn", "block_cloud", "block_all":
		default:
			return fmt.Errorf("config: routing.budget.hard_limit_action %q is not one of warn|block_cloud|block_all", b.HardLimitAction)
		}
	}
	for i, p := range c.Routing.Policies {
		switch p.Privacy {
		case "", "unrestricted", "restricted":
		default:
			return fmt.Errorf("config: routing.policies[%d].privacy %q is not one of unrestricted|restricted", i, p.Privacy)
		}
	}
	for i, b := range c.Routing.Backends {
		if b.ID == "" {
			return fmt.Errorf("config: routing.backends[%d].id must not be empty", i)
		}
		switch b.Type {
		case "local", "cloud":
		default:
			return fmt.Errorf("config: routing.backends[%d].type %q is not one of local|cloud", i, b.Type)
		}
		switch b.Privacy {
		case "", "open", "restricted":
		default:
			return fmt.Errorf("config: routing.backends[%d].privacy %q is not one of open|restricted", i, b.Privacy)
		}
	}
	return validateAliases(c.Routing.Aliases)
}

// validateAliases detects alias cycles and over-long chains at load
// time, the authoritative enforcement of P8 (alias termination). The
// per-request defensive check in pipeline.RequestAnalyzer exists as a
// second line of defense, not as the primary validator.
func validateAliases(aliases AliasMap) error {
	for name := range aliases {
		seen := map[string]bool{name: true}
		cur := name
		for hop := 0; hop < 4; hop++ {
			next, ok := aliases[cur]
			if !ok {
				break
			}
			if seen[next] {
				return fmt.Errorf("config: alias cycle detected starting at %q", name)
			}
			if hop == 3 {
				return fmt.Errorf("config: alias chain starting at %q exceeds 3 hops", name)
			}
			seen[next] = true
			cur = next
		}
	}
	return nil
}
