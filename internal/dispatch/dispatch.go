// Package dispatch orchestrates a single backend call from a raw
// (prompt, cwd, role) request through config loading, role resolution,
// session locking, the resume decision, persona injection, the
// model-fallback loop, persistence, and the optional
// patch-with-citations contract check. It also provides the batch and
// roundtable fan-out engine built on the same single-call path.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kade-ridge/three/internal/catalog"
	"github.com/kade-ridge/three/internal/config"
	"github.com/kade-ridge/three/internal/contract"
	"github.com/kade-ridge/three/internal/logging"
	"github.com/kade-ridge/three/internal/persona"
	"github.com/kade-ridge/three/internal/render"
	"github.com/kade-ridge/three/internal/resolve"
	"github.com/kade-ridge/three/internal/runner"
	"github.com/kade-ridge/three/internal/session"
)

const defaultTimeoutSecs = 600

var clientHintRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
var conversationIDRe = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// HistorySink receives a best-effort record of each completed dispatch.
// Implementations must never block or panic the dispatcher and must
// swallow their own failures. internal/history implements this.
type HistorySink interface {
	RecordDispatch(key string, result *Result)
}

// Dispatcher wires together the config loader, role resolver, session
// store, and backend runner behind a single-call contract.
type Dispatcher struct {
	Loader  *config.Loader
	Store   *session.Store
	History HistorySink
	log     *logging.Logger
}

// New returns a Dispatcher using the default config loader and session
// store locations.
func New() *Dispatcher {
	return &Dispatcher{
		Loader: config.NewLoader(),
		Store:  session.NewStore(),
		log:    logging.Default("dispatch"),
	}
}

// Dispatch runs one role invocation end to end. It always returns a
// non-nil Result; a failure at any step is reported via
// Result.Success=false and Result.Error rather than a Go error, so every
// caller gets a structured response instead of a truncated partial one.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Result {
	if strings.TrimSpace(req.Prompt) == "" {
		return failureErr(&InvalidParameterError{Message: "prompt must not be blank"})
	}
	if strings.TrimSpace(req.Cwd) == "" {
		return failureErr(&InvalidParameterError{Message: "cwd must not be blank"})
	}
	cwd, err := filepath.Abs(req.Cwd)
	if err != nil {
		return failureErr(&InvalidParameterError{Message: fmt.Sprintf("cwd %q is not a valid path: %v", req.Cwd, err)})
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return failureErr(&InvalidParameterError{Message: fmt.Sprintf("cwd %q is not an accessible directory", req.Cwd)})
	}
	if resolved, err := filepath.EvalSymlinks(cwd); err == nil {
		cwd = resolved
	}

	client, err := resolveClientHint(req.Client)
	if err != nil {
		return failureErr(err)
	}

	conversationID, err := resolveConversationHint(req.ConversationID)
	if err != nil {
		return failureErr(err)
	}

	roleID := req.Role
	if roleID == "" {
		roleID = "default"
	}

	cfg, _, err := d.Loader.LoadForRepo(cwd, client)
	if err != nil {
		return failureErr(&ConfigError{Message: "loading config", Cause: err})
	}
	if cfg == nil {
		return failureErr(&ConfigError{Message: fmt.Sprintf("no configuration found for %s", cwd)})
	}

	profile, err := resolve.Resolve(cfg, roleID)
	if err != nil {
		return failureErr(&ConfigError{Message: fmt.Sprintf("resolving role %q", roleID), Cause: err})
	}
	if err := applyProfileOverrides(cfg, profile, req); err != nil {
		return failureErr(&InvalidParameterError{Message: err.Error()})
	}

	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = session.ComputeKeyWithScope(cwd, roleID, roleID, client, conversationID)
	}

	lock, err := d.Store.AcquireKeyLock(sessionKey)
	if err != nil {
		return failureErr(&LockError{Cause: err})
	}
	defer lock.Release()

	timeout := defaultTimeoutSecs
	if profile.TimeoutSecs > 0 {
		timeout = profile.TimeoutSecs
	}
	if req.TimeoutSecs != nil {
		timeout = *req.TimeoutSecs
	}

	var notices []string

	priorRecord, hasPrior, _ := d.Store.Get(sessionKey)

	explicitSessionID := strings.TrimSpace(req.SessionID)

	var candidateSessionID string
	var candidateResumeFlag bool
	resumed := false

	if req.ForceNewSession && explicitSessionID != "" {
		notices = append(notices, fmt.Sprintf("force_new_session=true ignored provided session_id %s", explicitSessionID))
	}
	if !req.ForceNewSession && req.SessionKey == "" && explicitSessionID == "" && conversationID == "" {
		notices = append(notices, "auto-resume may cross unrelated top-level chats")
	}

	if !req.ForceNewSession {
		if explicitSessionID != "" {
			candidateSessionID = explicitSessionID
		} else if profile.Adapter.OutputParser.SupportsSessions() && hasPrior &&
			priorRecord.Backend == string(profile.Backend) &&
			priorRecord.BackendSessionID != "" && priorRecord.BackendSessionID != session.StatelessSessionID {
			candidateSessionID = priorRecord.BackendSessionID
			resumed = true
		} else if profile.Backend == catalog.BackendKimi && hasPrior && priorRecord.Backend == string(profile.Backend) {
			// Resume-without-session-id mode: the resume flag alone tells
			// the kimi adapter to continue its latest conversation.
			candidateResumeFlag = true
			resumed = true
		}
	}

	prompt := req.Prompt
	isResuming := !req.ForceNewSession && (explicitSessionID != "" || resumed)
	if !isResuming && !strings.Contains(prompt, "[THREE_PERSONA") {
		if p, ok := persona.Resolve(roleID, profile.Persona); ok && strings.TrimSpace(p.Prompt) != "" {
			prompt = fmt.Sprintf("[THREE_PERSONA id=%s]\n%s\n[/THREE_PERSONA]\n\n%s", roleID, p.Prompt, prompt)
		}
	}

	chain := buildFallbackChain(cfg, profile)

	var winner *runner.Result
	var winningCandidate candidate
	var runErr error
	for i, cand := range chain {
		sid := ""
		resumeFlag := false
		if i == 0 {
			sid = candidateSessionID
			resumeFlag = candidateResumeFlag
		}

		rendered := render.Render(render.Options{
			Adapter:      cand.Adapter,
			Prompt:       prompt,
			Model:        cand.Model,
			SessionID:    sid,
			Resume:       resumeFlag,
			Workdir:      cwd,
			RoleOptions:  cand.Options,
			Capabilities: profile.Capabilities,
		})

		res, err := runner.Run(ctx, runner.Options{
			Backend:          cand.Backend,
			ParserConfig:     cand.Adapter.OutputParser,
			Argv:             rendered.Argv,
			PromptTransport:  rendered.PromptTransport,
			Prompt:           rendered.FinalPrompt,
			Workdir:          cwd,
			TimeoutSecs:      timeout,
			FallbackPatterns: cand.Patterns,
		})
		if err == nil {
			winner = &res
			winningCandidate = cand
			break
		}

		if _, isModelNotFound := err.(*runner.ModelNotFoundError); isModelNotFound && i < len(chain)-1 {
			continue
		}
		runErr = &BackendError{Candidate: cand.ref(), Cause: err}
		break
	}

	if winner == nil {
		return failureErr(runErr)
	}

	var warnings []string
	if winner.Warnings != "" {
		warnings = append(warnings, winner.Warnings)
	}
	warnings = append(warnings, notices...)
	if winningCandidate.index > 0 {
		warnings = append(warnings, fmt.Sprintf("model fallback used: %s", winningCandidate.ref()))
		// A fallback candidate always starts fresh, whatever the primary
		// was going to resume.
		resumed = false
	}

	result := &Result{
		Success:          true,
		Backend:          string(winningCandidate.Backend),
		Role:             roleID,
		RoleID:           roleID,
		Model:            winningCandidate.ref(),
		SessionKey:       sessionKey,
		Resumed:          resumed,
		BackendSessionID: winner.SessionID,
		AgentMessages:    winner.Message,
		Warnings:         strings.Join(warnings, "\n"),
	}

	_ = d.Store.Put(sessionKey, session.Record{
		RepoRoot:         cwd,
		Role:             roleID,
		RoleID:           roleID,
		Backend:          string(winningCandidate.Backend),
		BackendSessionID: winner.SessionID,
		SamplingHistory:  []string{},
	})

	if req.Contract == "patch_with_citations" {
		check := contract.CheckPatchWithCitations(winner.Message)
		result.Contract = req.Contract
		result.ContractErrors = check.Errors
		result.PatchFormat = string(check.PatchFormat)
		if len(check.Errors) > 0 {
			result.Success = false
			result.Error = (&ContractViolationError{Errors: check.Errors}).Error()
		} else if req.ValidatePatch {
			if check.PatchFormat != contract.PatchFormatUnifiedDiff || check.ExtractedPatch == "" {
				result.PatchApplyCheckOutput = "validate_patch=true but patch is not a unified diff"
				result.Success = false
				result.Error = "patch validation failed: patch is not a unified diff"
			} else {
				ok, output, err := contract.ValidateGitApplyCheck(cwd, check.ExtractedPatch)
				result.PatchApplyCheckOutput = output
				if err != nil {
					result.Success = false
					result.Error = fmt.Sprintf("patch validation failed: %v", err)
				} else {
					result.PatchApplyCheckOK = ok
					if !ok {
						result.Success = false
						result.Error = "patch failed git apply --check"
					}
				}
			}
		}
	}

	if d.History != nil {
		d.History.RecordDispatch(sessionKey, result)
	}

	return result
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// resolveClientHint lowercases and validates the client hint, falling back
// to THREE_CLIENT when the request carries none.
func resolveClientHint(arg string) (string, error) {
	client := strings.ToLower(firstNonEmpty(arg, os.Getenv("THREE_CLIENT")))
	if client != "" && !clientHintRe.MatchString(client) {
		return "", fmt.Errorf("invalid client hint %q: must match [A-Za-z0-9_-]+", client)
	}
	return client, nil
}

// resolveConversationHint validates the conversation id, falling back to
// THREE_CONVERSATION_ID when the request carries none.
func resolveConversationHint(arg string) (string, error) {
	conv := firstNonEmpty(arg, os.Getenv("THREE_CONVERSATION_ID"))
	if conv != "" && (len(conv) > 256 || !conversationIDRe.MatchString(conv)) {
		return "", fmt.Errorf("invalid conversation id: must be <=256 chars matching [A-Za-z0-9._:-]+")
	}
	return conv, nil
}

var validReasoningEfforts = map[string]bool{"low": true, "medium": true, "high": true, "xhigh": true}

// applyProfileOverrides layers a request's explicit backend/model/
// reasoning-effort fields onto the resolved role profile. Explicit args
// win over config.
func applyProfileOverrides(cfg *config.Config, profile *resolve.Profile, req Request) error {
	if model := strings.TrimSpace(req.Model); model != "" {
		profile.Model = model
		profile.Variant = ""
	}
	if eff := strings.TrimSpace(req.ReasoningEffort); eff != "" {
		if !validReasoningEfforts[eff] {
			return fmt.Errorf("unknown reasoning_effort: %s (expected low|medium|high|xhigh)", eff)
		}
		options := make(map[string]config.OptionValue, len(profile.Options)+1)
		for k, v := range profile.Options {
			options[k] = v
		}
		options["model_reasoning_effort"] = eff
		profile.Options = options
	}
	if backendStr := strings.TrimSpace(req.Backend); backendStr != "" {
		b, ok := catalog.ParseBackend(backendStr)
		if !ok {
			return fmt.Errorf("unknown backend %q", backendStr)
		}
		profile.Backend = b
		if bc, ok := cfg.Backend[string(b)]; ok && bc.Adapter != nil {
			profile.Adapter = *bc.Adapter
			profile.Fallback = bc.Fallback
		} else if a, ok := catalog.Get(b); ok {
			profile.Adapter = a
			profile.Fallback = nil
		}
	}
	return nil
}

// keyForTask computes the scoped session key the same way Dispatch does.
func keyForTask(cwd, roleID, client, conversationID string) string {
	return session.ComputeKeyWithScope(cwd, roleID, roleID, client, conversationID)
}

// candidate is one entry of a fallback chain.
type candidate struct {
	index    int
	Backend  catalog.Backend
	Model    string
	Variant  string
	Options  map[string]any
	Adapter  catalog.Adapter
	Patterns []string
}

func (c candidate) ref() string {
	if c.Variant != "" {
		return fmt.Sprintf("%s/%s@%s", c.Backend, c.Model, c.Variant)
	}
	return fmt.Sprintf("%s/%s", c.Backend, c.Model)
}

// buildFallbackChain returns the ordered candidate list: length 1 when
// the profile's backend carries no fallback, else 2. Only index 0 (the
// primary) may carry a resume session id; the dispatcher enforces that
// by only ever populating sid/resumeFlag for i==0.
func buildFallbackChain(cfg *config.Config, profile *resolve.Profile) []candidate {
	primary := candidate{
		index:    0,
		Backend:  profile.Backend,
		Model:    profile.Model,
		Variant:  profile.Variant,
		Options:  profile.Options,
		Adapter:  profile.Adapter,
		Patterns: nil,
	}
	if profile.Fallback == nil {
		return []candidate{primary}
	}
	primary.Patterns = profile.Fallback.Patterns

	fbBackend, fbModel, fbVariant, err := config.ParseRoleModelRef(profile.Fallback.Model)
	if err != nil {
		return []candidate{primary}
	}
	fbBackendCfg, ok := cfg.Backend[string(fbBackend)]
	if !ok || fbBackendCfg.Adapter == nil {
		return []candidate{primary}
	}
	var fbOptions map[string]any
	if fbModel == "default" {
		if mc, ok := fbBackendCfg.Models["default"]; ok {
			fbOptions = mc.ResolveOptions("")
		} else {
			fbOptions = map[string]any{}
		}
	} else if mc, ok := fbBackendCfg.Models[fbModel]; ok {
		fbOptions = mc.ResolveOptions(fbVariant)
	} else {
		fbOptions = map[string]any{}
	}

	secondary := candidate{
		index:   1,
		Backend: fbBackend,
		Model:   fbModel,
		Variant: fbVariant,
		Options: fbOptions,
		Adapter: *fbBackendCfg.Adapter,
	}
	return []candidate{primary, secondary}
}
