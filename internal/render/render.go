// Package render turns an adapter's argv template plus a dispatch's
// runtime context into the child process's argument vector: prompt
// guardrails, prompt-transport selection, include-directories detection,
// and template expansion.
package render

import (
	"strings"

	"github.com/kade-ridge/three/internal/catalog"
)

// Options are the inputs to Render, gathered by the dispatcher from the
// resolved profile and the current dispatch's session decision.
type Options struct {
	Adapter      catalog.Adapter
	Prompt       string
	Model        string
	SessionID    string // empty means no session id available
	Resume       bool
	Workdir      string
	RoleOptions  map[string]any
	Capabilities catalog.Capabilities
}

// Result is the renderer's output: the child argv and the resolved prompt
// transport (so the runner knows whether to also pipe stdin).
type Result struct {
	Argv            []string
	PromptTransport catalog.PromptTransport
	FinalPrompt     string // the prompt after guardrails, before transport gating
}

// Render applies guardrails, decides the prompt transport, detects
// include directories, and expands every template token, dropping the
// ones that come out empty.
func Render(opts Options) Result {
	prompt := ApplyPromptGuardrails(opts.Adapter.Backend, opts.Capabilities, opts.Prompt)

	transport := decideTransport(opts.Adapter, prompt)

	includeDirs := DetectIncludeDirectories(opts.Prompt, opts.Workdir)

	ctx := Context{
		"prompt":  promptForContext(transport, prompt),
		"model":   opts.Model,
		"resume":  opts.Resume,
		"workdir": opts.Workdir,
		"options": toAnyMap(opts.RoleOptions),
		"capabilities": map[string]any{
			"filesystem": string(opts.Capabilities.Filesystem),
		},
		"include_directories": includeDirs,
		"prompt_transport":    string(transport),
	}
	if opts.SessionID != "" {
		ctx["session_id"] = opts.SessionID
	}

	argv := make([]string, 0, len(opts.Adapter.ArgsTemplate))
	for _, token := range opts.Adapter.ArgsTemplate {
		expanded := strings.TrimSpace(expandToken(token, ctx))
		if expanded == "" {
			continue
		}
		argv = append(argv, expanded)
	}

	return Result{Argv: argv, PromptTransport: transport, FinalPrompt: prompt}
}

func promptForContext(transport catalog.PromptTransport, prompt string) string {
	if transport == catalog.TransportArg {
		return prompt
	}
	return ""
}

// decideTransport resolves the adapter's configured transport; auto
// switches to stdin when the prompt exceeds the adapter's threshold.
func decideTransport(adapter catalog.Adapter, prompt string) catalog.PromptTransport {
	configured := adapter.EffectivePromptTransport()
	if configured != catalog.TransportAuto {
		return configured
	}
	if len(prompt) > adapter.EffectivePromptMaxChars() {
		return catalog.TransportStdin
	}
	return catalog.TransportArg
}

func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
