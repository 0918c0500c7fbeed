package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/kade-ridge/three/internal/session"
)

const kimiEchoConfig = `{
	"backend": {"kimi": {}},
	"roles": {
		"kimi_a":    {"model": "kimi/default", "capabilities": {"filesystem": "read-write"}},
		"kimi_b":    {"model": "kimi/default", "capabilities": {"filesystem": "read-write"}},
		"analyst":   {"model": "kimi/default", "capabilities": {"filesystem": "read-write"}},
		"skeptic":   {"model": "kimi/default", "capabilities": {"filesystem": "read-write"}},
		"moderator": {"model": "kimi/default", "capabilities": {"filesystem": "read-write"}}
	}
}`

type recordingNotifier struct {
	mu    sync.Mutex
	lines []string
}

func (n *recordingNotifier) Notify(op, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.lines...)
}

func TestBatchKimiSingletonGuardNamesCollidingRoles(t *testing.T) {
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)
	cwd := t.TempDir()
	canonical := mustCanonical(t, cwd)

	for _, role := range []string{"kimi_a", "kimi_b"} {
		key := keyForTask(canonical, role, "", "")
		if err := d.Store.Put(key, session.Record{RepoRoot: canonical, Role: role, RoleID: role, Backend: "kimi", BackendSessionID: "stateless"}); err != nil {
			t.Fatal(err)
		}
	}

	out := d.Batch(context.Background(), cwd, []Task{
		{Label: "a", Request: Request{Prompt: "p1", Role: "kimi_a"}},
		{Label: "b", Request: Request{Prompt: "p2", Role: "kimi_b"}},
	}, nil)

	if out.Success {
		t.Fatal("Batch() with two resumable kimi roles should fail")
	}
	if !strings.Contains(out.Error, "kimi_a") || !strings.Contains(out.Error, "kimi_b") {
		t.Errorf("Error = %q, want both colliding role ids named", out.Error)
	}
}

func TestBatchKimiSingletonGuardAllowsForceNew(t *testing.T) {
	writeFakeBackend(t, "kimi", `echo "$@"`)
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)
	cwd := t.TempDir()
	canonical := mustCanonical(t, cwd)

	for _, role := range []string{"kimi_a", "kimi_b"} {
		key := keyForTask(canonical, role, "", "")
		if err := d.Store.Put(key, session.Record{RepoRoot: canonical, Role: role, RoleID: role, Backend: "kimi", BackendSessionID: "stateless"}); err != nil {
			t.Fatal(err)
		}
	}

	out := d.Batch(context.Background(), cwd, []Task{
		{Label: "a", Request: Request{Prompt: "p1", Role: "kimi_a", ForceNewSession: true}},
		{Label: "b", Request: Request{Prompt: "p2", Role: "kimi_b", ForceNewSession: true}},
	}, nil)

	if !out.Success {
		t.Fatalf("Batch() with force_new_session on every kimi task should pass the guard: %s", out.Error)
	}
}

func TestBatchAggregatesResultsAndNotifies(t *testing.T) {
	writeFakeBackend(t, "kimi", `echo "$@"`)
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)

	notifier := &recordingNotifier{}
	out := d.Batch(context.Background(), t.TempDir(), []Task{
		{Label: "first", Request: Request{Prompt: "alpha", Role: "kimi_a"}},
		{Label: "second", Request: Request{Prompt: "beta", Role: "kimi_b"}},
	}, notifier)

	if !out.Success {
		t.Fatalf("Batch() failed: %s", out.Error)
	}
	if len(out.Results) != 2 {
		t.Fatalf("Results len = %d, want 2", len(out.Results))
	}
	for _, r := range out.Results {
		if r.Error != "" || r.Result == nil || !r.Result.Success {
			t.Errorf("task %q = %+v, want a clean success", r.Label, r)
		}
	}

	var started, completed int
	for _, line := range notifier.all() {
		if strings.Contains(line, "[batch] started") {
			started++
		}
		if strings.Contains(line, "[batch] completed") {
			completed++
		}
	}
	if started != 2 || completed != 2 {
		t.Errorf("notifications = %v, want 2 started and 2 completed lines", notifier.all())
	}
}

func TestBatchTaskErrorDoesNotAbortSiblings(t *testing.T) {
	writeFakeBackend(t, "kimi", `echo "$@"`)
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)

	out := d.Batch(context.Background(), t.TempDir(), []Task{
		{Label: "good", Request: Request{Prompt: "alpha", Role: "kimi_a"}},
		{Label: "bad", Request: Request{Prompt: "beta", Role: "no-such-role"}},
	}, nil)

	if out.Success {
		t.Fatal("Batch() with a failing task should report overall failure")
	}
	var goodOK, badErr bool
	for _, r := range out.Results {
		if r.Label == "good" && r.Error == "" && r.Result != nil && r.Result.Success {
			goodOK = true
		}
		if r.Label == "bad" && r.Error != "" {
			badErr = true
		}
	}
	if !goodOK || !badErr {
		t.Errorf("Results = %+v, want the good task to succeed and the bad task to carry an error", out.Results)
	}
}

func TestBatchRejectsEmptyTasks(t *testing.T) {
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)
	if out := d.Batch(context.Background(), t.TempDir(), nil, nil); out.Success {
		t.Error("Batch() with no tasks should fail")
	}
}

func TestBatchRejectsMissingCwd(t *testing.T) {
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)
	if out := d.Batch(context.Background(), "  ", []Task{{Label: "a", Request: Request{Prompt: "p"}}}, nil); out.Success {
		t.Error("Batch() with a blank cd should fail")
	}
	if out := d.Batch(context.Background(), "/no/such/dir/here", []Task{{Label: "a", Request: Request{Prompt: "p"}}}, nil); out.Success {
		t.Error("Batch() with a nonexistent cd should fail")
	}
}

func TestRoundtableSynthesizesPrompts(t *testing.T) {
	writeFakeBackend(t, "kimi", `echo "$@"`)
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)

	out := d.Roundtable(context.Background(), t.TempDir(), "Should we rewrite the parser?", []RoundtableParticipant{
		{Label: "analyst"},
		{Label: "skeptic", Role: "skeptic"},
	}, nil, nil)

	if !out.Success {
		t.Fatalf("Roundtable() failed: %s", out.Error)
	}
	if len(out.Results) != 2 {
		t.Fatalf("Results len = %d, want 2", len(out.Results))
	}
	for _, r := range out.Results {
		if r.Result == nil || !strings.Contains(r.Result.AgentMessages, "Should we rewrite the parser?") {
			t.Errorf("participant %q messages = %+v, want the topic embedded in the synthesized prompt", r.Label, r.Result)
		}
		if !strings.Contains(r.Result.AgentMessages, "roundtable participant named '"+r.Label+"'") {
			t.Errorf("participant %q messages should name the participant", r.Label)
		}
	}
	if out.Synthesis != "" {
		t.Errorf("Synthesis = %q, want empty without a moderator", out.Synthesis)
	}
}

func TestRoundtableModeratorSynthesis(t *testing.T) {
	writeFakeBackend(t, "kimi", `echo "$@"`)
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)

	out := d.Roundtable(context.Background(), t.TempDir(), "Pick a storage engine", []RoundtableParticipant{
		{Label: "analyst"},
	}, &RoundtableModerator{}, nil)

	if !out.Success {
		t.Fatalf("Roundtable() failed: %s", out.Error)
	}
	if !strings.Contains(out.Synthesis, "You are the moderator") {
		t.Errorf("Synthesis = %q, want the moderator prompt template", out.Synthesis)
	}
	if !strings.Contains(out.Synthesis, "participant: analyst") {
		t.Errorf("Synthesis = %q, want the contributions transcript embedded", out.Synthesis)
	}
}

func TestRoundtableBlankParticipantNameFails(t *testing.T) {
	cfgPath := writeUserConfig(t, kimiEchoConfig)
	d := newTestDispatcher(t, cfgPath)
	out := d.Roundtable(context.Background(), t.TempDir(), "topic", []RoundtableParticipant{{Label: "  "}}, nil, nil)
	if out.Success {
		t.Error("Roundtable() with a blank participant name should fail")
	}
}
