// Package runner spawns a backend CLI with rendered argv and optional
// stdin, enforces a wall-clock timeout with a terminate-then-kill
// escalation, and hands the child's output to the parser.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kade-ridge/three/internal/catalog"
	"github.com/kade-ridge/three/internal/parse"
)

// terminationGrace is how long the runner waits after SIGTERM before
// escalating to SIGKILL.
const terminationGrace = 3 * time.Second

// pipeDrainGrace bounds how long Wait keeps reading the child's output
// pipes after the child itself has exited, so a grandchild that inherited
// them cannot hold Run open.
const pipeDrainGrace = time.Second

// envOverride maps a backend id to the environment variable that, if set,
// names its executable instead of the backend id itself. Claude and
// opencode have no override var; they are invoked by their literal
// backend id.
var envOverride = map[catalog.Backend]string{
	catalog.BackendCodex:  "CODEX_BIN",
	catalog.BackendGemini: "GEMINI_BIN",
	catalog.BackendKimi:   "KIMI_BIN",
}

// ResolveCommand returns the executable to spawn for a backend,
// honoring its environment override when one is set.
func ResolveCommand(backend catalog.Backend) string {
	if v := envOverride[backend]; v != "" {
		if cmd := os.Getenv(v); cmd != "" {
			return cmd
		}
	}
	return string(backend)
}

// Options are the inputs to Run.
type Options struct {
	Backend          catalog.Backend
	ParserConfig     catalog.OutputParserConfig
	Argv             []string
	PromptTransport  catalog.PromptTransport
	Prompt           string
	Workdir          string
	TimeoutSecs      int
	FallbackPatterns []string
}

// Result is a successful backend invocation, ready to flow back to the
// dispatcher.
type Result struct {
	SessionID string
	Message   string
	Warnings  string
}

// SpawnError reports a failure to start the child process at all.
type SpawnError struct {
	Backend catalog.Backend
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn backend %q: %v", e.Backend, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports the child exceeding its wall-clock budget.
type TimeoutError struct {
	Backend     catalog.Backend
	TimeoutSecs int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend %q timed out after %ds", e.Backend, e.TimeoutSecs)
}

// ExitError reports a non-zero exit with no detected model error.
type ExitError struct {
	Backend catalog.Backend
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("backend %q exited with status %d. stderr: %s", e.Backend, e.Code, e.Stderr)
}

// ModelNotFoundError signals a matched error pattern; this is the fallback
// loop's trigger.
type ModelNotFoundError struct {
	Message string
}

func (e *ModelNotFoundError) Error() string { return "model_not_found: " + e.Message }

// cappedBuffer is a thread-safe io.Writer capping retained bytes, used
// for stderr capture so a runaway child cannot exhaust memory via chatty
// diagnostics.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() < c.limit {
		remaining := c.limit - c.buf.Len()
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

const stderrCapBytes = 10 * 1024

// Run spawns the backend, feeds it the prompt, waits under the timeout,
// runs error-pattern detection, and parses the output.
func Run(ctx context.Context, opts Options) (Result, error) {
	command := ResolveCommand(opts.Backend)
	cmd := exec.Command(command, opts.Argv...)
	cmd.Dir = opts.Workdir
	cmd.WaitDelay = pipeDrainGrace

	var stdout bytes.Buffer
	stderr := newCappedBuffer(stderrCapBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	var stdin *os.File
	var stdinRead *os.File
	if opts.PromptTransport == catalog.TransportStdin {
		r, w, err := os.Pipe()
		if err != nil {
			return Result{}, &SpawnError{Backend: opts.Backend, Err: err}
		}
		cmd.Stdin = r
		stdin = w
		stdinRead = r
	}

	if err := cmd.Start(); err != nil {
		if stdin != nil {
			stdin.Close()
			stdinRead.Close()
		}
		return Result{}, &SpawnError{Backend: opts.Backend, Err: err}
	}
	if stdinRead != nil {
		stdinRead.Close()
	}

	if stdin != nil {
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write([]byte(opts.Prompt))
		}()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := time.Duration(opts.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		killProcess(cmd)
		<-done
		return Result{}, &TimeoutError{Backend: opts.Backend, TimeoutSecs: opts.TimeoutSecs}
	case <-ctx.Done():
		killProcess(cmd)
		<-done
		return Result{}, ctx.Err()
	}

	stdoutStr := stdout.String()
	stderrStr := stderr.String()

	if matched, msg := parse.DetectModelError(opts.FallbackPatterns, stdoutStr, stderrStr, waitErr != nil); matched {
		return Result{}, &ModelNotFoundError{Message: msg}
	}

	if waitErr != nil {
		code := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return Result{}, &ExitError{Backend: opts.Backend, Code: code, Stderr: stderrStr}
	}

	parsed, err := parse.Parse(opts.ParserConfig, stdoutStr)
	if err != nil {
		return Result{}, err
	}

	var warnings string
	if strings.TrimSpace(stderrStr) != "" {
		warnings = strings.TrimSpace(stderrStr)
	}

	return Result{SessionID: parsed.SessionID, Message: parsed.Message, Warnings: warnings}, nil
}

// killProcess escalates from SIGTERM to SIGKILL, giving the child a grace
// window to exit cleanly first.
func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.AfterFunc(terminationGrace, func() {
		_ = cmd.Process.Kill()
	})
}
