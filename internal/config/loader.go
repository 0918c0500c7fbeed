package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kade-ridge/three/internal/catalog"
	"github.com/kade-ridge/three/internal/xdgpath"
)

// Loader resolves and loads configuration files. UserConfigPath defaults to
// the XDG-resolved path but can be overridden (tests do this with a temp
// directory).
type Loader struct {
	UserConfigPath string
}

// NewLoader returns a Loader using the default XDG user config path.
func NewLoader() *Loader {
	return &Loader{UserConfigPath: xdgpath.DefaultConfigPath()}
}

// UserPaths returns the ordered list of user config file candidates for the
// given client hint (may be empty). Only the first *existing* path should
// ultimately be loaded; all candidates are returned so callers can report
// what was tried.
func (l *Loader) UserPaths(client string) []string {
	if client == "" || filepath.Base(l.UserConfigPath) != "config.json" {
		return []string{l.UserConfigPath}
	}
	dir := filepath.Dir(l.UserConfigPath)
	return []string{
		filepath.Join(dir, fmt.Sprintf("config-%s.json", client)),
		l.UserConfigPath,
	}
}

// ProjectPaths returns the ordered list of project config file candidates
// for repo and the given client hint.
func (l *Loader) ProjectPaths(repo, client string) []string {
	dir := filepath.Join(repo, ".three")
	var paths []string
	if client != "" {
		paths = append(paths, filepath.Join(dir, fmt.Sprintf("config-%s.json", client)))
	}
	paths = append(paths, filepath.Join(dir, "config.json"))
	paths = append(paths, filepath.Join(repo, ".three.json"))
	return paths
}

func firstExisting(paths []string) (string, bool) {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// LoadForRepo loads the first existing user config and the first existing
// project config for repo (scoped by client), merges them with project
// winning, fills any backend missing an adapter from the catalog, and
// returns the merged, validated config plus the list of source paths that
// were actually read, in load order.
func (l *Loader) LoadForRepo(repo, client string) (*Config, []string, error) {
	var sources []string
	var user, project *Config

	if p, ok := firstExisting(l.UserPaths(client)); ok {
		c, err := loadFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("loading user config %s: %w", p, err)
		}
		user = c
		sources = append(sources, p)
	}
	if p, ok := firstExisting(l.ProjectPaths(repo, client)); ok {
		c, err := loadFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("loading project config %s: %w", p, err)
		}
		project = c
		sources = append(sources, p)
	}

	var merged Config
	switch {
	case user == nil && project == nil:
		return nil, sources, nil
	case user == nil:
		merged = *project
	case project == nil:
		merged = *user
	default:
		merged = mergeConfig(*user, *project)
	}

	applyAdapterCatalog(&merged)
	return &merged, sources, nil
}

// loadFile reads, validates, and parses a single config file. Validation
// happens before catalog injection: a config whose role declares a
// filesystem capability its backend cannot serve still loads (that
// compatibility check is deferred to resolve time).
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse validates and decodes raw config JSON bytes into a Config.
func Parse(data []byte) (*Config, error) {
	var topLevel map[string]json.RawMessage
	if err := json.Unmarshal(data, &topLevel); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	for k := range topLevel {
		if k != "backend" && k != "roles" {
			return nil, fmt.Errorf("unknown top-level key %q", k)
		}
	}
	if _, ok := topLevel["backend"]; !ok {
		return nil, fmt.Errorf("missing 'backend' object")
	}
	if _, ok := topLevel["roles"]; !ok {
		return nil, fmt.Errorf("missing 'roles' object")
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid config shape: %w", err)
	}

	// Reject role-level fallback_models by re-decoding each role as a raw
	// object and checking for the forbidden key.
	var rolesRaw map[string]json.RawMessage
	if rb, ok := topLevel["roles"]; ok {
		if err := json.Unmarshal(rb, &rolesRaw); err != nil {
			return nil, fmt.Errorf("invalid roles section: %w", err)
		}
		for roleID, rv := range rolesRaw {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(rv, &fields); err != nil {
				return nil, fmt.Errorf("invalid role %q: %w", roleID, err)
			}
			if _, ok := fields["fallback_models"]; ok {
				return nil, fmt.Errorf("role %q: fallback_models is not permitted at role level (set fallback on the backend instead)", roleID)
			}
		}
	}

	cfg := Config{
		Backend: make(map[string]BackendConfig, len(raw.Backend)),
		Roles:   raw.Roles,
	}
	for id, rb := range raw.Backend {
		bc := BackendConfig{
			TimeoutSecs: rb.TimeoutSecs,
			Models:      rb.Models,
			Fallback:    rb.Fallback,
		}
		if len(rb.Adapter) > 0 {
			var a catalog.Adapter
			if err := json.Unmarshal(rb.Adapter, &a); err != nil {
				return nil, fmt.Errorf("backend %q: invalid adapter override: %w", id, err)
			}
			a.Backend = catalog.Backend(id)
			bc.Adapter = &a
		}
		cfg.Backend[id] = bc
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate runs the load-time checks: backend keys parse, role model
// references parse and name a declared backend, capability values are
// legal, fallback patterns are non-blank, and fallback model references
// resolve.
func (c Config) validate() error {
	for id := range c.Backend {
		if _, ok := catalog.ParseBackend(id); !ok {
			return fmt.Errorf("unknown backend id %q", id)
		}
	}
	for roleID, role := range c.Roles {
		b, _, _, err := ParseRoleModelRef(role.Model)
		if err != nil {
			return fmt.Errorf("role %q: %w", roleID, err)
		}
		if _, ok := c.Backend[string(b)]; !ok {
			return fmt.Errorf("role %q references missing backend: %s", roleID, b)
		}
		if err := validateCapabilityValues(role.Capabilities); err != nil {
			return fmt.Errorf("role %q: %w", roleID, err)
		}
	}
	for id, bc := range c.Backend {
		if bc.Fallback == nil {
			continue
		}
		nonBlank := false
		for _, p := range bc.Fallback.Patterns {
			if strings.TrimSpace(p) != "" {
				nonBlank = true
				break
			}
		}
		if !nonBlank {
			return fmt.Errorf("backend %q: fallback.patterns must contain at least one non-blank entry", id)
		}
		fbBackend, fbModel, fbVariant, err := ParseRoleModelRef(bc.Fallback.Model)
		if err != nil {
			return fmt.Errorf("backend %q: fallback.model: %w", id, err)
		}
		fbBC, ok := c.Backend[string(fbBackend)]
		if !ok {
			return fmt.Errorf("backend %q: fallback.model references missing backend: %s", id, fbBackend)
		}
		if fbModel == "default" {
			if fbVariant != "" {
				return fmt.Errorf("backend %q: fallback model \"default\" does not support variants", id)
			}
		} else if _, ok := fbBC.Models[fbModel]; !ok {
			return fmt.Errorf("backend %q: fallback.model references unknown model %q", id, fbModel)
		}
	}
	return nil
}

// validateCapabilityValues rejects illegal capability values at load time.
// Whether a role's filesystem mode is compatible with its backend's adapter
// is a separate check deferred to resolve time.
func validateCapabilityValues(caps catalog.Capabilities) error {
	if caps.Filesystem != "" && caps.Filesystem != catalog.FilesystemReadOnly && caps.Filesystem != catalog.FilesystemReadWrite {
		return fmt.Errorf("capabilities.filesystem must be read-only or read-write, got %q", caps.Filesystem)
	}
	if caps.Shell != "" && caps.Shell != catalog.ToggleAllow && caps.Shell != catalog.ToggleDeny {
		return fmt.Errorf("capabilities.shell must be allow or deny, got %q", caps.Shell)
	}
	if caps.Network != "" && caps.Network != catalog.ToggleAllow && caps.Network != catalog.ToggleDeny {
		return fmt.Errorf("capabilities.network must be allow or deny, got %q", caps.Network)
	}
	return nil
}

// mergeConfig merges user and project configs with project winning:
// adapter/timeout_secs/fallback replace-if-present, models union with
// project keys overriding, roles map union with project overriding.
func mergeConfig(user, project Config) Config {
	merged := user.clone()

	for id, pbc := range project.Backend {
		ubc, existed := merged.Backend[id]
		if !existed {
			merged.Backend[id] = pbc
			continue
		}
		if pbc.Adapter != nil {
			ubc.Adapter = pbc.Adapter
		}
		if pbc.TimeoutSecs != nil {
			ubc.TimeoutSecs = pbc.TimeoutSecs
		}
		if pbc.Fallback != nil {
			ubc.Fallback = pbc.Fallback
		}
		if ubc.Models == nil {
			ubc.Models = map[string]ModelConfig{}
		}
		for mk, mv := range pbc.Models {
			ubc.Models[mk] = mv
		}
		merged.Backend[id] = ubc
	}

	if merged.Roles == nil {
		merged.Roles = map[string]RoleConfig{}
	}
	for rid, rv := range project.Roles {
		merged.Roles[rid] = rv
	}

	return merged
}

// applyAdapterCatalog fills any backend missing its Adapter from the
// embedded catalog. Never overwrites an explicit override. Validation has
// already guaranteed every role's backend id appears in c.Backend.
func applyAdapterCatalog(c *Config) {
	if c.Backend == nil {
		c.Backend = map[string]BackendConfig{}
	}
	ids := make([]string, 0, len(c.Backend))
	for id := range c.Backend {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		bc := c.Backend[id]
		if bc.Adapter != nil {
			continue
		}
		b, ok := catalog.ParseBackend(id)
		if !ok {
			continue
		}
		a, ok := catalog.Get(b)
		if !ok {
			continue
		}
		clone := a
		bc.Adapter = &clone
		c.Backend[id] = bc
	}
}
