// Package resolve turns a role id plus a loaded config into a concrete
// backend+model+capability+adapter profile ready for dispatch.
package resolve

import (
	"fmt"

	"github.com/kade-ridge/three/internal/catalog"
	"github.com/kade-ridge/three/internal/config"
)

// Profile is the fully resolved shape of a role, ready for dispatch.
type Profile struct {
	RoleID       string
	Backend      catalog.Backend
	Model        string
	Variant      string
	Options      map[string]config.OptionValue
	Capabilities catalog.Capabilities
	Adapter      catalog.Adapter
	TimeoutSecs  int
	Persona      *config.PersonaOverride
	Fallback     *config.FallbackConfig
}

const defaultTimeoutSecs = 600

// RoleNotFoundError reports a missing or disabled role.
type RoleNotFoundError struct {
	RoleID string
	Reason string
}

func (e *RoleNotFoundError) Error() string {
	return fmt.Sprintf("role %q %s", e.RoleID, e.Reason)
}

// CapabilityMismatchError reports a role whose filesystem capability is not
// in the adapter's allow-list.
type CapabilityMismatchError struct {
	RoleID  string
	Backend catalog.Backend
	Mode    catalog.FilesystemMode
}

func (e *CapabilityMismatchError) Error() string {
	return fmt.Sprintf("role %q: backend %q does not allow filesystem mode %q", e.RoleID, e.Backend, e.Mode)
}

// Resolve looks up the role, parses its model reference, checks the
// adapter's filesystem allow-list, and materializes its options and
// timeout.
func Resolve(cfg *config.Config, roleID string) (*Profile, error) {
	role, ok := cfg.Roles[roleID]
	if !ok {
		return nil, &RoleNotFoundError{RoleID: roleID, Reason: "is not configured"}
	}
	if !role.IsEnabled() {
		return nil, &RoleNotFoundError{RoleID: roleID, Reason: "is disabled"}
	}

	backendID, model, variant, err := config.ParseRoleModelRef(role.Model)
	if err != nil {
		return nil, fmt.Errorf("role %q: %w", roleID, err)
	}

	backendCfg, ok := cfg.Backend[string(backendID)]
	if !ok || backendCfg.Adapter == nil {
		return nil, fmt.Errorf("role %q: backend %q has no adapter configured", roleID, backendID)
	}
	adapter := *backendCfg.Adapter

	caps, err := role.Capabilities.Normalize()
	if err != nil {
		return nil, fmt.Errorf("role %q: %w", roleID, err)
	}

	if len(adapter.FilesystemCapabilities) > 0 && !adapter.AllowsFilesystem(caps.Filesystem) {
		return nil, &CapabilityMismatchError{RoleID: roleID, Backend: backendID, Mode: caps.Filesystem}
	}

	var options map[string]config.OptionValue
	if model == "default" {
		if variant != "" {
			return nil, fmt.Errorf("role %q: variant is not permitted with model \"default\"", roleID)
		}
		if mc, ok := backendCfg.Models["default"]; ok {
			options = mc.ResolveOptions("")
		} else {
			options = map[string]config.OptionValue{}
		}
	} else {
		mc, ok := backendCfg.Models[model]
		if !ok {
			return nil, fmt.Errorf("role %q: backend %q has no model %q configured", roleID, backendID, model)
		}
		options = mc.ResolveOptions(variant)
	}

	timeout := defaultTimeoutSecs
	if backendCfg.TimeoutSecs != nil {
		timeout = *backendCfg.TimeoutSecs
	}
	if role.TimeoutSecs != nil {
		timeout = *role.TimeoutSecs
	}

	var persona *config.PersonaOverride
	if role.Personas != nil {
		persona = role.Personas
	}

	return &Profile{
		RoleID:       roleID,
		Backend:      backendID,
		Model:        model,
		Variant:      variant,
		Options:      options,
		Capabilities: caps,
		Adapter:      adapter,
		TimeoutSecs:  timeout,
		Persona:      persona,
		Fallback:     backendCfg.Fallback,
	}, nil
}
