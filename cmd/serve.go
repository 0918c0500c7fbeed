package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kade-ridge/three/internal/catalog"
	"github.com/kade-ridge/three/internal/config"
	"github.com/kade-ridge/three/internal/dispatch"
	"github.com/kade-ridge/three/internal/resolve"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stdio MCP server exposing dispatch, batch, and roundtable tools",
	RunE: func(c *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	d := dispatch.New()
	if h, err := openDefaultHistory(); err == nil {
		d.History = h
		defer h.Close()
	} else {
		log.Warn("dispatch history disabled: %v", err)
	}

	mcpServer := server.NewMCPServer(
		"three",
		"0.1.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(
			"Resolves a role to a backend+model, renders its argv, runs the "+
				"backend CLI, and persists resume state. Use dispatch for a single "+
				"role, batch to fan out several independent roles concurrently, "+
				"and roundtable to have several roles discuss one topic.",
		),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: dispatchTool(), Handler: dispatchHandler(d)},
		server.ServerTool{Tool: batchTool(), Handler: batchHandler(d)},
		server.ServerTool{Tool: roundtableTool(), Handler: roundtableHandler(d)},
		server.ServerTool{Tool: infoTool(), Handler: infoHandler(d)},
	)

	return server.ServeStdio(mcpServer)
}

func dispatchTool() mcp.Tool {
	return mcp.NewTool("dispatch",
		mcp.WithDescription("Dispatch a single prompt to a resolved role, resuming its prior session unless overridden."),
		mcp.WithString("PROMPT", mcp.Required(), mcp.Description("task instruction to send to the backend")),
		mcp.WithString("cd", mcp.Required(), mcp.Description("working directory the backend should run in (repo root recommended)")),
		mcp.WithString("role", mcp.Description("role id to resolve (defaults to \"default\")")),
		mcp.WithString("backend", mcp.Description("backend override (codex|claude|gemini|opencode|kimi)")),
		mcp.WithString("model", mcp.Description("model override")),
		mcp.WithString("reasoning_effort", mcp.Description("reasoning effort override (low|medium|high|xhigh)")),
		mcp.WithString("SESSION_ID", mcp.Description("explicit backend session id to resume")),
		mcp.WithBoolean("force_new_session", mcp.Description("start a fresh session even if one is on record")),
		mcp.WithString("session_key", mcp.Description("explicit session key used for persistence and locking")),
		mcp.WithNumber("timeout_secs", mcp.Description("override the backend's configured timeout")),
		mcp.WithString("contract", mcp.Description("output contract to enforce (patch_with_citations)")),
		mcp.WithBoolean("validate_patch", mcp.Description("run git apply --check against the extracted patch")),
		mcp.WithString("client", mcp.Description("client hint used to select a client-scoped config file")),
		mcp.WithString("conversation_id", mcp.Description("conversation id used to scope the session key")),
	)
}

// requestFromArgs decodes the per-call dispatch fields shared by the
// dispatch tool and each batch task / roundtable participant.
func requestFromArgs(m map[string]any) dispatch.Request {
	req := dispatch.Request{
		Prompt:          optionalString(m, "PROMPT"),
		Role:            optionalString(m, "role"),
		Backend:         optionalString(m, "backend"),
		Model:           optionalString(m, "model"),
		ReasoningEffort: optionalString(m, "reasoning_effort"),
		SessionID:       optionalString(m, "SESSION_ID"),
		ForceNewSession: optionalBool(m, "force_new_session"),
		SessionKey:      optionalString(m, "session_key"),
		Contract:        optionalString(m, "contract"),
		ValidatePatch:   optionalBool(m, "validate_patch"),
		Client:          optionalString(m, "client"),
		ConversationID:  optionalString(m, "conversation_id"),
	}
	if secs, ok := optionalFloat(m, "timeout_secs"); ok {
		v := int(secs)
		req.TimeoutSecs = &v
	}
	return req
}

func dispatchHandler(d *dispatch.Dispatcher) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("PROMPT")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cd, err := req.RequireString("cd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		dreq := requestFromArgs(req.GetArguments())
		dreq.Prompt = prompt
		dreq.Cwd = cd

		res := d.Dispatch(ctx, dreq)
		return resultToToolResult(res)
	}
}

func batchTool() mcp.Tool {
	return mcp.NewTool("batch",
		mcp.WithDescription("Run several independent dispatch tasks concurrently in the same working directory."),
		mcp.WithString("cd", mcp.Required(), mcp.Description("working directory shared by every task")),
		mcp.WithArray("tasks", mcp.Required(), mcp.Description("list of {PROMPT, name?, role?, backend?, model?, reasoning_effort?, SESSION_ID?, force_new_session?, session_key?, timeout_secs?, contract?, validate_patch?} objects")),
		mcp.WithNumber("timeout_secs", mcp.Description("default timeout applied to any task that doesn't set its own")),
		mcp.WithString("client", mcp.Description("default client hint applied to any task that doesn't set its own")),
		mcp.WithString("conversation_id", mcp.Description("default conversation id applied to any task that doesn't set its own")),
	)
}

func batchHandler(d *dispatch.Dispatcher) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cd, err := req.RequireString("cd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := req.GetArguments()
		rawTasks, ok := args["tasks"].([]any)
		if !ok || len(rawTasks) == 0 {
			return mcp.NewToolResultError("tasks must be a non-empty array"), nil
		}
		sharedDefaults := fanoutDefaults(args)

		tasks := make([]dispatch.Task, 0, len(rawTasks))
		for i, rt := range rawTasks {
			m, ok := rt.(map[string]any)
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("tasks[%d] must be an object", i)), nil
			}
			label := optionalString(m, "name")
			if label == "" {
				label = fmt.Sprintf("task-%d", i+1)
			}
			treq := requestFromArgs(m)
			treq.Cwd = cd
			sharedDefaults.applyTo(&treq)
			tasks = append(tasks, dispatch.Task{Label: label, Request: treq})
		}

		notifier := &mcpProgressNotifier{ctx: ctx, server: server.ServerFromContext(ctx)}
		out := d.Batch(ctx, cd, tasks, notifier)
		return batchOutputToToolResult(out)
	}
}

// fanoutDefaultValues holds the batch/roundtable-level timeout_secs/client/
// conversation_id fallbacks applied to any task or participant that doesn't
// set its own.
type fanoutDefaultValues struct {
	timeoutSecs    *int
	client         string
	conversationID string
}

func fanoutDefaults(args map[string]any) fanoutDefaultValues {
	d := fanoutDefaultValues{
		client:         optionalString(args, "client"),
		conversationID: optionalString(args, "conversation_id"),
	}
	if secs, ok := optionalFloat(args, "timeout_secs"); ok {
		v := int(secs)
		d.timeoutSecs = &v
	}
	return d
}

func (d fanoutDefaultValues) applyTo(req *dispatch.Request) {
	if req.TimeoutSecs == nil {
		req.TimeoutSecs = d.timeoutSecs
	}
	if req.Client == "" {
		req.Client = d.client
	}
	if req.ConversationID == "" {
		req.ConversationID = d.conversationID
	}
}

func roundtableTool() mcp.Tool {
	return mcp.NewTool("roundtable",
		mcp.WithDescription("Have several roles discuss one topic concurrently, each receiving a synthesized prompt; an optional moderator synthesizes the contributions."),
		mcp.WithString("cd", mcp.Required(), mcp.Description("working directory shared by every participant")),
		mcp.WithString("TOPIC", mcp.Required(), mcp.Description("topic/question every participant is asked to address")),
		mcp.WithArray("participants", mcp.Required(), mcp.Description("list of {name, role?, backend?, model?, reasoning_effort?, force_new_session?} objects")),
		mcp.WithObject("moderator", mcp.Description("optional {role?, backend?, model?, reasoning_effort?, force_new_session?} synthesis seat")),
		mcp.WithNumber("timeout_secs", mcp.Description("default timeout applied to any participant that doesn't set its own")),
		mcp.WithString("client", mcp.Description("default client hint applied to any participant that doesn't set its own")),
		mcp.WithString("conversation_id", mcp.Description("default conversation id applied to any participant that doesn't set its own")),
	)
}

func roundtableHandler(d *dispatch.Dispatcher) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cd, err := req.RequireString("cd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		topic, err := req.RequireString("TOPIC")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := req.GetArguments()
		rawParticipants, ok := args["participants"].([]any)
		if !ok || len(rawParticipants) == 0 {
			return mcp.NewToolResultError("participants must be a non-empty array"), nil
		}
		sharedDefaults := fanoutDefaults(args)

		participants := make([]dispatch.RoundtableParticipant, 0, len(rawParticipants))
		for i, rp := range rawParticipants {
			m, ok := rp.(map[string]any)
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("participants[%d] must be an object", i)), nil
			}
			preq := requestFromArgs(m)
			preq.Cwd = cd
			sharedDefaults.applyTo(&preq)
			participants = append(participants, dispatch.RoundtableParticipant{
				Label:   optionalString(m, "name"),
				Role:    optionalString(m, "role"),
				Request: preq,
			})
		}

		var moderator *dispatch.RoundtableModerator
		if m, ok := args["moderator"].(map[string]any); ok {
			mreq := requestFromArgs(m)
			mreq.Cwd = cd
			sharedDefaults.applyTo(&mreq)
			moderator = &dispatch.RoundtableModerator{
				Role:    optionalString(m, "role"),
				Request: mreq,
			}
		}

		notifier := &mcpProgressNotifier{ctx: ctx, server: server.ServerFromContext(ctx)}
		out := d.Roundtable(ctx, cd, topic, participants, moderator, notifier)
		return batchOutputToToolResult(out)
	}
}

func infoTool() mcp.Tool {
	return mcp.NewTool("info",
		mcp.WithDescription("Report the roles and backends resolved configuration would use for a working directory, without dispatching anything."),
		mcp.WithString("cd", mcp.Required(), mcp.Description("working directory whose configuration should be reported")),
		mcp.WithString("client", mcp.Description("client hint used to select a client-scoped config file")),
	)
}

// roleInfo is one entry of the info tool's roles listing.
type roleInfo struct {
	Role    string `json:"role"`
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend,omitempty"`
	Model   string `json:"model,omitempty"`
	Error   string `json:"error,omitempty"`
}

// infoOutput is the info tool's result envelope.
type infoOutput struct {
	Cwd           string     `json:"cd"`
	ConfigSources []string   `json:"config_sources"`
	KnownBackends []string   `json:"known_backends"`
	Roles         []roleInfo `json:"roles"`
}

func infoHandler(d *dispatch.Dispatcher) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cd, err := req.RequireString("cd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := req.GetArguments()
		client := optionalString(args, "client")

		cfg, sources, loadErr := d.Loader.LoadForRepo(cd, client)
		if loadErr != nil {
			return mcp.NewToolResultError(loadErr.Error()), nil
		}
		out := infoOutput{Cwd: cd, ConfigSources: sources}
		for _, b := range catalog.KnownBackends() {
			out.KnownBackends = append(out.KnownBackends, string(b))
		}
		if cfg != nil {
			out.Roles = rolesInfo(cfg)
		}

		data, err := marshalIndented(out)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func rolesInfo(cfg *config.Config) []roleInfo {
	ids := make([]string, 0, len(cfg.Roles))
	for id := range cfg.Roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	infos := make([]roleInfo, 0, len(ids))
	for _, id := range ids {
		role := cfg.Roles[id]
		ri := roleInfo{Role: id, Enabled: role.IsEnabled()}
		profile, err := resolve.Resolve(cfg, id)
		if err != nil {
			ri.Error = err.Error()
		} else {
			ri.Backend = string(profile.Backend)
			ri.Model = profile.Model
		}
		infos = append(infos, ri)
	}
	return infos
}

// mcpProgressNotifier implements dispatch.Notifier by forwarding fan-out
// start/completion lines to the connected client as MCP progress
// notifications.
type mcpProgressNotifier struct {
	ctx    context.Context
	server *server.MCPServer
}

func (n *mcpProgressNotifier) Notify(op, message string) {
	if n.server == nil {
		return
	}
	_ = n.server.SendNotificationToClient(n.ctx, "notifications/progress", map[string]any{
		"operation": op,
		"message":   message,
	})
}

func optionalString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func optionalBool(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func optionalFloat(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func resultToToolResult(res *dispatch.Result) (*mcp.CallToolResult, error) {
	if res == nil {
		return mcp.NewToolResultError("dispatch returned no result"), nil
	}
	data, err := marshalIndented(res)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !res.Success {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func batchOutputToToolResult(out *dispatch.BatchOutput) (*mcp.CallToolResult, error) {
	if out == nil {
		return mcp.NewToolResultError("fan-out returned no result"), nil
	}
	data, err := marshalIndented(out)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !out.Success {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func marshalIndented(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
