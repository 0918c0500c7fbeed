package dispatch

// Request is a single-role dispatch invocation. Backend, Model, and
// ReasoningEffort are explicit per-call overrides applied on top of the
// resolved role profile.
type Request struct {
	Prompt          string
	Cwd             string
	Role            string
	Backend         string
	Model           string
	ReasoningEffort string
	SessionID       string
	ForceNewSession bool
	SessionKey      string
	TimeoutSecs     *int
	Contract        string // "patch_with_citations" or ""
	ValidatePatch   bool
	Client          string
	ConversationID  string
}

// Result is the normalized per-dispatch response envelope.
type Result struct {
	Success               bool     `json:"success"`
	Backend               string   `json:"backend,omitempty"`
	Role                  string   `json:"role,omitempty"`
	RoleID                string   `json:"role_id,omitempty"`
	Model                 string   `json:"model,omitempty"`
	SessionKey            string   `json:"session_key,omitempty"`
	Resumed               bool     `json:"resumed"`
	BackendSessionID      string   `json:"backend_session_id,omitempty"`
	AgentMessages         string   `json:"agent_messages,omitempty"`
	Warnings              string   `json:"warnings,omitempty"`
	Contract              string   `json:"contract,omitempty"`
	ContractErrors        []string `json:"contract_errors,omitempty"`
	PatchFormat           string   `json:"patch_format,omitempty"`
	PatchApplyCheckOK     bool     `json:"patch_apply_check_ok,omitempty"`
	PatchApplyCheckOutput string   `json:"patch_apply_check_output,omitempty"`
	Error                 string   `json:"error,omitempty"`
}

func failureErr(err error) *Result {
	return &Result{Success: false, Error: err.Error()}
}
