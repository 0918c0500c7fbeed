// Fan-out engine shared by batch and roundtable: each task runs on its
// own goroutine with per-task panic recovery, and a WaitGroup barrier
// collects the results in completion order.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kade-ridge/three/internal/catalog"
	"github.com/kade-ridge/three/internal/resolve"
	"github.com/kade-ridge/three/internal/session"
)

// Task is one entry of a fan-out request: everything Dispatch needs, plus
// a caller-facing label for progress notifications and result ordering.
type Task struct {
	Label   string
	Request Request
}

// TaskResult pairs a Task's label/role/backend with its outcome.
type TaskResult struct {
	Label   string  `json:"label"`
	Role    string  `json:"role,omitempty"`
	Backend string  `json:"backend,omitempty"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// BatchOutput is the aggregated response of a fan-out call. Synthesis is
// only set by roundtables that carry a moderator.
type BatchOutput struct {
	Success   bool         `json:"success"`
	Cwd       string       `json:"cd"`
	Results   []TaskResult `json:"results"`
	Synthesis string       `json:"synthesis,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Notifier receives best-effort progress lines for fan-out task
// start/completion, of the form "[<op>] started <label> (i/N)" /
// "[<op>] completed <label> (i/N) status=ok|error".
type Notifier interface {
	Notify(op, message string)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string) {}

// Batch runs each task independently and aggregates the results. Before
// spawning anything it enforces the kimi-singleton guard: at most one
// task may resolve to backend kimi with an implied or explicit resume in
// this working directory.
func (d *Dispatcher) Batch(ctx context.Context, cwd string, tasks []Task, notifier Notifier) *BatchOutput {
	return d.fanout(ctx, "batch", cwd, tasks, notifier)
}

// RoundtableParticipant is one seat at a roundtable; its prompt is
// synthesized from the topic. A blank Role defaults to the label.
type RoundtableParticipant struct {
	Label   string
	Role    string
	Request Request // Prompt is ignored and overwritten with the synthesized prompt
}

// RoundtableModerator optionally synthesizes the contributions into a
// single decision after every participant has answered.
type RoundtableModerator struct {
	Role    string
	Request Request
}

// Roundtable synthesizes each participant's prompt from topic and
// name/role, runs the shared fan-out engine, and, when a moderator is
// present, asks it to synthesize the contributions into one decision.
func (d *Dispatcher) Roundtable(ctx context.Context, cwd, topic string, participants []RoundtableParticipant, moderator *RoundtableModerator, notifier Notifier) *BatchOutput {
	topic = strings.TrimSpace(topic)
	tasks := make([]Task, 0, len(participants))
	for _, p := range participants {
		label := strings.TrimSpace(p.Label)
		if label == "" {
			return &BatchOutput{Success: false, Cwd: cwd, Error: "participant name must be non-empty"}
		}
		role := strings.TrimSpace(p.Role)
		if role == "" {
			role = label
		}
		req := p.Request
		req.Cwd = cwd
		req.Role = role
		req.SessionID = ""
		req.Prompt = synthesizeRoundtablePrompt(topic, label, role)
		tasks = append(tasks, Task{Label: label, Request: req})
	}

	out := d.fanout(ctx, "roundtable", cwd, tasks, notifier)
	if out.Error != "" || moderator == nil {
		return out
	}

	role := strings.TrimSpace(moderator.Role)
	if role == "" {
		role = "moderator"
	}
	var transcript strings.Builder
	for _, r := range out.Results {
		messages := ""
		if r.Result != nil {
			messages = r.Result.AgentMessages
		}
		fmt.Fprintf(&transcript, "---\nparticipant: %s\nrole: %s\nbackend: %s\n\n%s\n\n", r.Label, r.Role, r.Backend, messages)
	}
	mreq := moderator.Request
	mreq.Cwd = cwd
	mreq.Role = role
	mreq.Prompt = fmt.Sprintf(
		"You are the moderator. Synthesize the roundtable into a single decision.\n\nTOPIC:\n%s\n\nCONTRIBUTIONS:\n%s\nOutput:\n- Conclusion (1 paragraph)\n- Tradeoffs (bullets)\n- Next actions (bullets)\n- Open questions (bullets, optional)\n",
		topic, transcript.String(),
	)

	notifier = ensureNotifier(notifier)
	notifier.Notify("roundtable", fmt.Sprintf("[roundtable] started %s (moderator)", role))
	mres := d.Dispatch(ctx, mreq)
	status := "ok"
	if mres.Success {
		out.Synthesis = mres.AgentMessages
	} else {
		status = "error"
		out.Synthesis = fmt.Sprintf("moderator error: %s", mres.Error)
		out.Success = false
		out.Error = "one or more participants/moderator returned an error"
	}
	notifier.Notify("roundtable", fmt.Sprintf("[roundtable] completed %s (moderator) status=%s", role, status))

	return out
}

func synthesizeRoundtablePrompt(topic, name, role string) string {
	return fmt.Sprintf(
		"TOPIC:\n%s\n\nYou are a roundtable participant named '%s' (role: %s).\n\nReply with:\n1) Position (1-2 sentences)\n2) Arguments (bullets)\n3) Risks/edge cases (bullets)\n4) Recommendation (actionable)\n\nConstraints:\n- Do not claim to have run commands unless you actually did.\n- Prefer referencing repo paths when relevant.\n",
		topic, name, role,
	)
}

func ensureNotifier(n Notifier) Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}

func (d *Dispatcher) fanout(ctx context.Context, op, cwd string, tasks []Task, notifier Notifier) *BatchOutput {
	notifier = ensureNotifier(notifier)
	if strings.TrimSpace(cwd) == "" {
		return &BatchOutput{Success: false, Cwd: cwd, Error: "cd must not be blank"}
	}
	canonical, err := canonicalizeDir(cwd)
	if err != nil {
		return &BatchOutput{Success: false, Cwd: cwd, Error: err.Error()}
	}
	cwd = canonical
	if len(tasks) == 0 {
		return &BatchOutput{Success: false, Cwd: cwd, Error: "tasks must be non-empty"}
	}

	if colliding := d.kimiSingletonViolations(cwd, tasks); len(colliding) > 1 {
		sort.Strings(colliding)
		return &BatchOutput{
			Success: false,
			Cwd:     cwd,
			Error: fmt.Sprintf(
				"multiple kimi roles requested with force_new_session=false: %s. Kimi cannot resume multiple sessions in the same working directory.",
				strings.Join(colliding, ", "),
			),
		}
	}

	n := len(tasks)
	results := make([]TaskResult, 0, n)
	var mu sync.Mutex
	record := func(tr TaskResult) {
		mu.Lock()
		results = append(results, tr)
		mu.Unlock()
	}
	var wg sync.WaitGroup
	wg.Add(n)

	for i, task := range tasks {
		i, task := i, task
		go func() {
			defer wg.Done()
			recorded := false
			defer func() {
				if r := recover(); r != nil && !recorded {
					record(TaskResult{Label: task.Label, Error: fmt.Sprintf("task panicked: %v", r)})
				}
			}()

			notifier.Notify(op, fmt.Sprintf("[%s] started %s (%d/%d)", op, task.Label, i+1, n))

			task.Request.Cwd = cwd
			res := d.Dispatch(ctx, task.Request)

			status := "ok"
			tr := TaskResult{Label: task.Label, Role: task.Request.Role, Backend: res.Backend, Result: res}
			if !res.Success {
				status = "error"
				tr.Error = res.Error
			}
			record(tr)
			recorded = true

			notifier.Notify(op, fmt.Sprintf("[%s] completed %s (%d/%d) status=%s", op, task.Label, i+1, n, status))
		}()
	}
	wg.Wait()

	success := true
	for _, r := range results {
		if r.Error != "" {
			success = false
			break
		}
	}

	return &BatchOutput{Success: success, Cwd: cwd, Results: results}
}

// canonicalizeDir resolves dir to an absolute, symlink-free path and
// verifies it is an accessible directory, the same way Dispatch treats its
// cwd. The kimi-singleton guard depends on this: session keys are computed
// over the canonical path.
func canonicalizeDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("cd %q is not a valid path: %v", dir, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return "", fmt.Errorf("cd %q is not an accessible directory", dir)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// kimiSingletonViolations returns the role ids of every task that (a) is
// not forcing a new session and (b) resolves to backend kimi with either
// an explicit session id or a prior session record for its scoped key.
// Kimi cannot hold more than one resumed conversation per working
// directory, so two or more such tasks fail the whole fan-out.
func (d *Dispatcher) kimiSingletonViolations(cwd string, tasks []Task) []string {
	var colliding []string
	for _, task := range tasks {
		req := task.Request
		if req.ForceNewSession {
			continue
		}

		client, err := resolveClientHint(req.Client)
		if err != nil {
			continue
		}
		conversationID, err := resolveConversationHint(req.ConversationID)
		if err != nil {
			continue
		}
		cfg, _, err := d.Loader.LoadForRepo(cwd, client)
		if err != nil || cfg == nil {
			continue
		}
		roleID := req.Role
		if roleID == "" {
			roleID = "default"
		}
		profile, err := resolve.Resolve(cfg, roleID)
		if err != nil || profile == nil {
			continue
		}
		if err := applyProfileOverrides(cfg, profile, req); err != nil {
			continue
		}
		if profile.Backend != catalog.BackendKimi {
			continue
		}

		if strings.TrimSpace(req.SessionID) != "" {
			colliding = append(colliding, roleID)
			continue
		}

		key := req.SessionKey
		if key == "" {
			key = session.ComputeKeyWithScope(cwd, roleID, roleID, client, conversationID)
		}
		rec, ok, _ := d.Store.Get(key)
		if ok && rec.Backend == string(catalog.BackendKimi) {
			colliding = append(colliding, roleID)
		}
	}
	return colliding
}
