package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kade-ridge/three/internal/dispatch"
	"github.com/kade-ridge/three/internal/history"
)

var (
	dispatchRole            string
	dispatchCwd             string
	dispatchBackend         string
	dispatchModel           string
	dispatchReasoningEffort string
	dispatchSessionID       string
	dispatchForceNewSession bool
	dispatchSessionKey      string
	dispatchTimeoutSecs     int
	dispatchContract        string
	dispatchValidatePatch   bool
	dispatchClient          string
	dispatchConversationID  string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <prompt>",
	Short: "Run a single dispatch against a resolved role, outside of any host protocol",
	Long:  "dispatch exercises the Dispatcher directly from the command line, for manual testing of role resolution, resume behavior, and the fallback chain without an MCP host attached.",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		cwd := dispatchCwd
		if cwd == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determining working directory: %w", err)
			}
			cwd = wd
		}

		req := dispatch.Request{
			Prompt:          args[0],
			Cwd:             cwd,
			Role:            dispatchRole,
			Backend:         dispatchBackend,
			Model:           dispatchModel,
			ReasoningEffort: dispatchReasoningEffort,
			SessionID:       dispatchSessionID,
			ForceNewSession: dispatchForceNewSession,
			SessionKey:      dispatchSessionKey,
			Contract:        dispatchContract,
			ValidatePatch:   dispatchValidatePatch,
			Client:          dispatchClient,
			ConversationID:  dispatchConversationID,
		}
		if dispatchTimeoutSecs > 0 {
			req.TimeoutSecs = &dispatchTimeoutSecs
		}

		d := dispatch.New()
		if h, err := openDefaultHistory(); err == nil {
			d.History = h
			defer h.Close()
		} else {
			log.Warn("dispatch history disabled: %v", err)
		}

		start := time.Now()
		res := d.Dispatch(context.Background(), req)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}

		if isInteractive() {
			if res.Success {
				log.Info("%s/%s resolved to %s, started %s", res.Role, res.RoleID, res.Backend, humanize.Time(start))
			} else {
				log.Error("dispatch started %s failed: %s", humanize.Time(start), res.Error)
			}
		}

		if !res.Success {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchRole, "role", "default", "role id to resolve")
	dispatchCmd.Flags().StringVar(&dispatchCwd, "cwd", "", "working directory (defaults to the current directory)")
	dispatchCmd.Flags().StringVar(&dispatchBackend, "backend", "", "backend override (codex|claude|gemini|opencode|kimi)")
	dispatchCmd.Flags().StringVar(&dispatchModel, "model", "", "model override")
	dispatchCmd.Flags().StringVar(&dispatchReasoningEffort, "reasoning-effort", "", "reasoning effort override (low|medium|high|xhigh)")
	dispatchCmd.Flags().StringVar(&dispatchSessionID, "session-id", "", "explicit backend session id to resume")
	dispatchCmd.Flags().StringVar(&dispatchSessionKey, "session-key", "", "explicit session key used for persistence and locking")
	dispatchCmd.Flags().BoolVar(&dispatchForceNewSession, "force-new-session", false, "start a fresh session even if one is on record")
	dispatchCmd.Flags().IntVar(&dispatchTimeoutSecs, "timeout-secs", 0, "override the backend's configured timeout")
	dispatchCmd.Flags().StringVar(&dispatchContract, "contract", "", "output contract to enforce (patch_with_citations)")
	dispatchCmd.Flags().BoolVar(&dispatchValidatePatch, "validate-patch", false, "run git apply --check against the extracted patch")
	dispatchCmd.Flags().StringVar(&dispatchClient, "client", "", "client hint used to select a client-scoped config file")
	dispatchCmd.Flags().StringVar(&dispatchConversationID, "conversation-id", "", "conversation id used to scope the session key")
}

// openDefaultHistory opens the dispatch-history database at its default XDG
// location, matching the session store's own default-location idiom.
func openDefaultHistory() (*history.DB, error) {
	return history.Open(defaultHistoryPath())
}
