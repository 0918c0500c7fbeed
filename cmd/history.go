package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kade-ridge/three/internal/history"
	"github.com/kade-ridge/three/internal/xdgpath"
)

var (
	historySessionKeyFlag string
	historyJSONFlag       bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the dispatch-history audit log",
	Long:  "history reads the best-effort dispatch_history table, a supplemental audit trail of past dispatch outcomes keyed by session key; the session store in internal/session remains the durable record used for resume decisions.",
	RunE: func(c *cobra.Command, args []string) error {
		if historySessionKeyFlag == "" {
			return fmt.Errorf("--session-key is required")
		}
		h, err := history.Open(defaultHistoryPath())
		if err != nil {
			return fmt.Errorf("opening history db: %w", err)
		}
		defer h.Close()

		entries, err := h.ForSessionKey(historySessionKeyFlag)
		if err != nil {
			return fmt.Errorf("querying history: %w", err)
		}

		if !historyJSONFlag && isInteractive() {
			for _, e := range entries {
				status := "ok"
				if !e.Success {
					status = "error"
				}
				fmt.Printf("%-6s %-10s %-20s %s\n", status, e.Backend, e.Model, humanize.Time(time.Unix(e.RecordedAtUnix, 0)))
			}
			return nil
		}

		data, err := history.MarshalEntries(entries)
		if err != nil {
			return fmt.Errorf("marshaling history: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historySessionKeyFlag, "session-key", "", "session key to look up (see `three dispatch` output's session_key field)")
	historyCmd.Flags().BoolVar(&historyJSONFlag, "json", false, "emit raw JSON instead of the human-readable table")
}

// defaultHistoryPath places dispatch_history.db alongside the session store
// in the XDG data directory, rather than inventing a third location.
func defaultHistoryPath() string {
	return filepath.Join(filepath.Dir(xdgpath.DefaultSessionStorePath()), "dispatch_history.db")
}
