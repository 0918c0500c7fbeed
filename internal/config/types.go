// Package config reads, merges, and validates the user- and
// project-level JSON configuration files that map role ids to
// backend+model+capability triples.
package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kade-ridge/three/internal/catalog"
)

// OptionValue is one entry of a model's options map: a bool, number, or
// string.
type OptionValue = any

// ModelConfig holds a model's base options and named variant overlays.
type ModelConfig struct {
	Options  map[string]OptionValue            `json:"options,omitempty"`
	Variants map[string]map[string]OptionValue `json:"variants,omitempty"`
}

// ResolveOptions overlays variants[variant] onto Options. An empty variant
// name means "no overlay".
func (m ModelConfig) ResolveOptions(variant string) map[string]OptionValue {
	out := map[string]OptionValue{}
	for k, v := range m.Options {
		out[k] = v
	}
	if variant == "" {
		return out
	}
	overlay, ok := m.Variants[variant]
	if !ok {
		return out
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// FallbackConfig names a single fallback candidate and the stdout/stderr
// substring patterns that should trigger falling back to it.
type FallbackConfig struct {
	Model    string   `json:"model"`
	Patterns []string `json:"patterns"`
}

// BackendConfig is the per-backend-id section of a config file.
type BackendConfig struct {
	Adapter     *catalog.Adapter       `json:"-"` // decoded by Parse from a user adapter override, else filled by applyAdapterCatalog
	TimeoutSecs *int                   `json:"timeout_secs,omitempty"`
	Models      map[string]ModelConfig `json:"models,omitempty"`
	Fallback    *FallbackConfig        `json:"fallback,omitempty"`
}

// RoleConfig is one entry of the roles map.
type RoleConfig struct {
	Model        string               `json:"model"`
	Personas     *PersonaOverride     `json:"personas,omitempty"`
	Capabilities catalog.Capabilities `json:"capabilities,omitempty"`
	Enabled      *bool                `json:"enabled,omitempty"`
	TimeoutSecs  *int                 `json:"timeout_secs,omitempty"`
}

// IsEnabled reports whether the role is enabled, defaulting to true.
func (r RoleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// PersonaOverride is an inline persona carried directly on a role,
// overriding the built-in persona library lookup by role id.
type PersonaOverride struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// rawConfig mirrors the on-disk JSON shape exactly, before adapter
// injection and before BackendConfig.Adapter is populated.
type rawConfig struct {
	Backend map[string]rawBackendConfig `json:"backend"`
	Roles   map[string]RoleConfig       `json:"roles"`
}

type rawBackendConfig struct {
	Adapter     json.RawMessage        `json:"adapter,omitempty"`
	TimeoutSecs *int                   `json:"timeout_secs,omitempty"`
	Models      map[string]ModelConfig `json:"models,omitempty"`
	Fallback    *FallbackConfig        `json:"fallback,omitempty"`
}

// Config is the fully loaded, validated, catalog-filled configuration.
// Merges produce a new value; catalog injection (applyAdapterCatalog)
// fills missing adapters in place on the merged value before it is
// returned.
type Config struct {
	Backend map[string]BackendConfig
	Roles   map[string]RoleConfig
}

// clone returns a deep-enough copy for safe merging (maps are copied one
// level; model/role values are copied by value since they hold no pointers
// that are mutated post-load other than BackendConfig.Adapter, which
// applyAdapterCatalog sets idempotently).
func (c Config) clone() Config {
	out := Config{
		Backend: make(map[string]BackendConfig, len(c.Backend)),
		Roles:   make(map[string]RoleConfig, len(c.Roles)),
	}
	for k, v := range c.Backend {
		models := make(map[string]ModelConfig, len(v.Models))
		for mk, mv := range v.Models {
			models[mk] = mv
		}
		v.Models = models
		out.Backend[k] = v
	}
	for k, v := range c.Roles {
		out.Roles[k] = v
	}
	return out
}

var roleModelRefRe = regexp.MustCompile(`^([^/@]+)/([^@]+)(?:@(.+))?$`)

// ParseRoleModelRef parses "backend/model[@variant]" requiring non-blank
// parts and, when "@" is present, a non-blank variant.
func ParseRoleModelRef(ref string) (backend catalog.Backend, model, variant string, err error) {
	m := roleModelRefRe.FindStringSubmatch(ref)
	if m == nil {
		return "", "", "", fmt.Errorf("malformed model reference %q: expected backend/model[@variant]", ref)
	}
	backendStr, modelStr, variantStr := m[1], m[2], m[3]
	if strings.TrimSpace(backendStr) == "" || strings.TrimSpace(modelStr) == "" {
		return "", "", "", fmt.Errorf("malformed model reference %q: backend and model must be non-blank", ref)
	}
	if strings.Contains(ref, "@") && strings.TrimSpace(variantStr) == "" {
		return "", "", "", fmt.Errorf("malformed model reference %q: variant after '@' must be non-blank", ref)
	}
	b, ok := catalog.ParseBackend(backendStr)
	if !ok {
		return "", "", "", fmt.Errorf("unknown backend %q in model reference %q", backendStr, ref)
	}
	return b, modelStr, variantStr, nil
}
