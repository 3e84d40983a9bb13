// Package app wires the nine core components (C1-C9) plus the ambient
// stack (logging, metrics, events, config) into a running Pipeline and
// HTTP server, the way tokenhub's internal/app.NewServer wires its
// router.Engine/store/vault/health stack. Concrete types
// (*registry.Registry, *policy.Matcher, *pricing.Table,
// *budget.Tracker, *tokenizer.Registry) are adapted here to the small
// leaf interfaces internal/pipeline declares, so no pipeline package
// imports any of them directly.
package app

import (
	"github.com/jordanhubbard/nexus/internal/config"
)

// Config is the resolved process configuration. It is a type alias for
// internal/config.Config, so the two names denote the same type and are
// interchangeable in signatures.
type Config = config.Config

// LoadConfig reads the config file at path (cmd/nexusd passes the value
// of NEXUS_CONFIG_PATH) via internal/config.Load, the Nexus analogue of
// tokenhub's app.LoadConfig env-var-only loader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
