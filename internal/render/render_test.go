package render

import (
	"strings"
	"testing"

	"github.com/kade-ridge/three/internal/catalog"
)

func TestExpandTokenPlainInterpolation(t *testing.T) {
	ctx := Context{"model": "sonnet-4"}
	got := expandToken("{{ model }}", ctx)
	if got != "sonnet-4" {
		t.Errorf("expandToken() = %q, want sonnet-4", got)
	}
}

func TestExpandTokenIfBlockTrue(t *testing.T) {
	ctx := Context{"resume": true, "session_id": "abc"}
	got := expandToken("{% if resume %}{{ session_id }}{% endif %}", ctx)
	if got != "abc" {
		t.Errorf("expandToken() = %q, want abc", got)
	}
}

func TestExpandTokenIfBlockFalse(t *testing.T) {
	ctx := Context{"resume": false}
	got := expandToken("{% if resume %}resume{% endif %}", ctx)
	if got != "" {
		t.Errorf("expandToken() = %q, want empty string", got)
	}
}

func TestExpandTokenEqualityCondition(t *testing.T) {
	ctx := Context{"capabilities": map[string]any{"filesystem": "read-only"}}
	got := expandToken(`{% if capabilities.filesystem == "read-only" %}read-only{% endif %}`, ctx)
	if got != "read-only" {
		t.Errorf("expandToken() = %q, want read-only", got)
	}
}

// TestExpandTokenTwoConcatenatedIfBlocks exercises two if-blocks
// concatenated in a single token, only one of which should ever fire.
func TestExpandTokenTwoConcatenatedIfBlocks(t *testing.T) {
	token := `{% if capabilities.filesystem == "read-only" %}read-only{% endif %}{% if capabilities.filesystem == "read-write" %}workspace-write{% endif %}`

	readOnly := expandToken(token, Context{"capabilities": map[string]any{"filesystem": "read-only"}})
	if readOnly != "read-only" {
		t.Errorf("expandToken(read-only) = %q, want read-only", readOnly)
	}

	readWrite := expandToken(token, Context{"capabilities": map[string]any{"filesystem": "read-write"}})
	if readWrite != "workspace-write" {
		t.Errorf("expandToken(read-write) = %q, want workspace-write", readWrite)
	}
}

func TestExpandTokenUnknownPathIsFalsy(t *testing.T) {
	got := expandToken("{% if nonexistent.path %}shown{% endif %}", Context{})
	if got != "" {
		t.Errorf("expandToken() with an unknown path = %q, want empty", got)
	}
}

func TestExpandTokenNotOperator(t *testing.T) {
	got := expandToken("{% if not session_id %}-C{% endif %}", Context{})
	if got != "-C" {
		t.Errorf("expandToken() = %q, want -C when session_id is absent", got)
	}
	got = expandToken("{% if not session_id %}-C{% endif %}", Context{"session_id": "sess-1"})
	if got != "" {
		t.Errorf("expandToken() = %q, want empty when session_id is present", got)
	}
}

func TestExpandTokenInequalityCondition(t *testing.T) {
	got := expandToken(`{% if model != 'default' %}--model{% endif %}`, Context{"model": "gpt-5.2"})
	if got != "--model" {
		t.Errorf("expandToken() = %q, want --model for a non-default model", got)
	}
	got = expandToken(`{% if model != 'default' %}--model{% endif %}`, Context{"model": "default"})
	if got != "" {
		t.Errorf("expandToken() = %q, want empty for model=default", got)
	}
}

func TestExpandTokenAndConjunction(t *testing.T) {
	token := `{% if not session_id and model != 'default' %}--model{% endif %}`
	if got := expandToken(token, Context{"model": "gpt-5.2"}); got != "--model" {
		t.Errorf("expandToken() = %q, want --model with no session and a real model", got)
	}
	if got := expandToken(token, Context{"model": "gpt-5.2", "session_id": "s"}); got != "" {
		t.Errorf("expandToken() = %q, want empty when a session id is present", got)
	}
	if got := expandToken(token, Context{"model": "default"}); got != "" {
		t.Errorf("expandToken() = %q, want empty for model=default", got)
	}
}

func TestApplyPromptGuardrailsKimiReadOnly(t *testing.T) {
	caps := catalog.Capabilities{Filesystem: catalog.FilesystemReadOnly}
	got := ApplyPromptGuardrails(catalog.BackendKimi, caps, "do the thing")
	if !strings.Contains(got, KimiReadOnlyGuardrail) {
		t.Errorf("ApplyPromptGuardrails() = %q, want it to contain the guardrail marker", got)
	}
}

func TestApplyPromptGuardrailsSkipsIfAlreadyPresent(t *testing.T) {
	caps := catalog.Capabilities{Filesystem: catalog.FilesystemReadOnly}
	prompt := "do the thing\n" + KimiReadOnlyGuardrail
	got := ApplyPromptGuardrails(catalog.BackendKimi, caps, prompt)
	if strings.Count(got, KimiReadOnlyGuardrail) != 1 {
		t.Errorf("ApplyPromptGuardrails() duplicated the guardrail: %q", got)
	}
}

func TestApplyPromptGuardrailsNoopForOtherBackends(t *testing.T) {
	caps := catalog.Capabilities{Filesystem: catalog.FilesystemReadOnly}
	got := ApplyPromptGuardrails(catalog.BackendClaude, caps, "do the thing")
	if got != "do the thing" {
		t.Errorf("ApplyPromptGuardrails() for claude = %q, want unchanged", got)
	}
}

func TestApplyPromptGuardrailsNoopForReadWrite(t *testing.T) {
	caps := catalog.Capabilities{Filesystem: catalog.FilesystemReadWrite}
	got := ApplyPromptGuardrails(catalog.BackendKimi, caps, "do the thing")
	if got != "do the thing" {
		t.Errorf("ApplyPromptGuardrails() for kimi read-write = %q, want unchanged", got)
	}
}

func TestDecideTransportAutoBoundary(t *testing.T) {
	adapter := catalog.Adapter{PromptTransport: catalog.TransportAuto, PromptMaxChars: 4}
	if got := decideTransport(adapter, "1234"); got != catalog.TransportArg {
		t.Errorf("decideTransport(len==max) = %q, want arg", got)
	}
	if got := decideTransport(adapter, "12345"); got != catalog.TransportStdin {
		t.Errorf("decideTransport(len>max) = %q, want stdin", got)
	}
}

func TestRenderClaudeResumeArgv(t *testing.T) {
	adapter, _ := catalog.Get(catalog.BackendClaude)
	opts := Options{
		Adapter:      adapter,
		Prompt:       "fix the bug",
		Model:        "sonnet-4",
		SessionID:    "sess-42",
		Resume:       true,
		Workdir:      "/tmp/work",
		Capabilities: catalog.Capabilities{Filesystem: catalog.FilesystemReadWrite},
	}
	res := Render(opts)

	joined := strings.Join(res.Argv, " ")
	if !strings.Contains(joined, "--resume sess-42") {
		t.Errorf("Render().Argv = %v, want it to contain --resume sess-42", res.Argv)
	}
	if !strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Errorf("Render().Argv = %v, want --dangerously-skip-permissions for read-write capability", res.Argv)
	}
	if res.PromptTransport != catalog.TransportArg {
		t.Errorf("PromptTransport = %q, want arg", res.PromptTransport)
	}
}

func TestRenderCodexFreshUsesModelFlagAndSandbox(t *testing.T) {
	adapter, _ := catalog.Get(catalog.BackendCodex)
	opts := Options{
		Adapter:      adapter,
		Prompt:       "do something",
		Model:        "gpt-5.2-codex",
		Workdir:      "/tmp/work",
		Capabilities: catalog.Capabilities{Filesystem: catalog.FilesystemReadOnly},
	}
	res := Render(opts)
	joined := strings.Join(res.Argv, " ")
	if res.Argv[0] != "exec" {
		t.Errorf("Render().Argv = %v, want exec as the first token", res.Argv)
	}
	if !strings.Contains(joined, "--sandbox read-only") {
		t.Errorf("Render().Argv = %v, want the read-only sandbox tokens", res.Argv)
	}
	if strings.Contains(joined, "workspace-write") {
		t.Errorf("Render().Argv = %v, should not contain workspace-write for a read-only capability", res.Argv)
	}
	if !strings.Contains(joined, "--model gpt-5.2-codex") {
		t.Errorf("Render().Argv = %v, want --model gpt-5.2-codex on a fresh session", res.Argv)
	}
	if !strings.Contains(joined, "-C /tmp/work") {
		t.Errorf("Render().Argv = %v, want -C workdir on a fresh session", res.Argv)
	}
	if strings.Contains(joined, "resume") {
		t.Errorf("Render().Argv = %v, should not contain resume without a session id", res.Argv)
	}
}

func TestRenderCodexResumeUsesConfigModelAndSessionID(t *testing.T) {
	adapter, _ := catalog.Get(catalog.BackendCodex)
	opts := Options{
		Adapter:      adapter,
		Prompt:       "keep going",
		Model:        "gpt-5.2",
		SessionID:    "sess-1",
		Resume:       true,
		Workdir:      "/tmp/work",
		Capabilities: catalog.Capabilities{Filesystem: catalog.FilesystemReadWrite},
	}
	res := Render(opts)
	joined := strings.Join(res.Argv, " ")
	if !strings.Contains(joined, "resume sess-1") {
		t.Errorf("Render().Argv = %v, want resume sess-1", res.Argv)
	}
	if !strings.Contains(joined, "-c model=gpt-5.2") {
		t.Errorf("Render().Argv = %v, want -c model=gpt-5.2 when resuming", res.Argv)
	}
	if strings.Contains(joined, "--model") {
		t.Errorf("Render().Argv = %v, should not contain --model when resuming", res.Argv)
	}
	if strings.Contains(joined, "-C ") {
		t.Errorf("Render().Argv = %v, should not contain -C when resuming", res.Argv)
	}
}

func TestRenderCodexDefaultModelSkipsModelFlag(t *testing.T) {
	adapter, _ := catalog.Get(catalog.BackendCodex)
	opts := Options{
		Adapter:      adapter,
		Prompt:       "do something",
		Model:        "default",
		Workdir:      "/tmp/work",
		Capabilities: catalog.Capabilities{Filesystem: catalog.FilesystemReadWrite},
	}
	res := Render(opts)
	joined := strings.Join(res.Argv, " ")
	if strings.Contains(joined, "--model") || strings.Contains(joined, "model=") {
		t.Errorf("Render().Argv = %v, should not pass any model token for model=default", res.Argv)
	}
}

func TestRenderStdinTransportOmitsPromptFromArgv(t *testing.T) {
	adapter, _ := catalog.Get(catalog.BackendCodex)
	adapter.PromptMaxChars = 4
	opts := Options{
		Adapter:      adapter,
		Prompt:       "this prompt is definitely longer than four characters",
		Model:        "gpt-5.2-codex",
		Workdir:      "/tmp/work",
		Capabilities: catalog.Capabilities{Filesystem: catalog.FilesystemReadWrite},
	}
	res := Render(opts)
	if res.PromptTransport != catalog.TransportStdin {
		t.Fatalf("PromptTransport = %q, want stdin", res.PromptTransport)
	}
	for _, a := range res.Argv {
		if strings.Contains(a, "this prompt is definitely") {
			t.Errorf("Argv = %v, the prompt should not appear in argv under stdin transport", res.Argv)
		}
	}
}

func TestRenderKimiResumeWithoutSessionIDUsesContinueFlag(t *testing.T) {
	adapter, _ := catalog.Get(catalog.BackendKimi)
	opts := Options{
		Adapter:      adapter,
		Prompt:       "keep going",
		Model:        "kimi-for-coding",
		Resume:       true,
		Workdir:      "/tmp/work",
		Capabilities: catalog.Capabilities{Filesystem: catalog.FilesystemReadWrite},
	}
	res := Render(opts)
	joined := strings.Join(res.Argv, " ")
	if !strings.Contains(joined, "--continue") {
		t.Errorf("Render().Argv = %v, want --continue when resuming with no session id", res.Argv)
	}
	if strings.Contains(joined, "--session") {
		t.Errorf("Render().Argv = %v, should not contain --session when no session id is carried", res.Argv)
	}
}

func TestRenderKimiExplicitSessionIDUsesSessionFlagNotContinue(t *testing.T) {
	adapter, _ := catalog.Get(catalog.BackendKimi)
	opts := Options{
		Adapter:      adapter,
		Prompt:       "keep going",
		Model:        "kimi-for-coding",
		SessionID:    "sess-1",
		Resume:       true,
		Workdir:      "/tmp/work",
		Capabilities: catalog.Capabilities{Filesystem: catalog.FilesystemReadWrite},
	}
	res := Render(opts)
	joined := strings.Join(res.Argv, " ")
	if !strings.Contains(joined, "--session sess-1") {
		t.Errorf("Render().Argv = %v, want --session sess-1", res.Argv)
	}
	if strings.Contains(joined, "--continue") {
		t.Errorf("Render().Argv = %v, should not contain --continue when an explicit session id is carried", res.Argv)
	}
}

func TestDetectIncludeDirectoriesOutsideWorkdir(t *testing.T) {
	got := DetectIncludeDirectories("please check /etc/hosts and also /var/log/syslog.", "/home/user/project")
	if !strings.Contains(got, "/etc") && !strings.Contains(got, "/var/log") {
		t.Errorf("DetectIncludeDirectories() = %q, want it to list directories for out-of-workdir paths", got)
	}
}

func TestDetectIncludeDirectoriesSkipsInsideWorkdir(t *testing.T) {
	got := DetectIncludeDirectories("edit /home/user/project/main.go please", "/home/user/project")
	if got != "" {
		t.Errorf("DetectIncludeDirectories() = %q, want empty for a path inside workdir", got)
	}
}

func TestDetectIncludeDirectoriesIgnoresRelativePaths(t *testing.T) {
	got := DetectIncludeDirectories("edit main.go and util.go", "/home/user/project")
	if got != "" {
		t.Errorf("DetectIncludeDirectories() = %q, want empty for relative-path tokens", got)
	}
}

func TestDetectIncludeDirectoriesIgnoresPersonaTags(t *testing.T) {
	prompt := "[THREE_PERSONA id=oracle]\nbe wise\n[/THREE_PERSONA]\n\nlook around"
	got := DetectIncludeDirectories(prompt, "/home/user/project")
	if got != "" {
		t.Errorf("DetectIncludeDirectories() = %q, want empty for persona markers", got)
	}
}

func TestDetectIncludeDirectoriesDropsNonExistentDirectories(t *testing.T) {
	got := DetectIncludeDirectories("see /no/such/dir/anywhere for details", "/home/user/project")
	if got != "" {
		t.Errorf("DetectIncludeDirectories() = %q, want empty when the implied directory does not exist", got)
	}
}

func TestTrimPathToken(t *testing.T) {
	tests := map[string]string{
		`"/etc/hosts"`: "/etc/hosts",
		"(/etc/hosts)": "/etc/hosts",
		"/etc/hosts.":  "/etc/hosts",
		"/etc/hosts,":  "/etc/hosts",
	}
	for in, want := range tests {
		if got := trimPathToken(in); got != want {
			t.Errorf("trimPathToken(%q) = %q, want %q", in, got, want)
		}
	}
}
