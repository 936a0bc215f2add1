package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show unsettled changes",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// statusEntry is the JSON shape of one unsettled task.
type statusEntry struct {
	ID        string    `json:"id"`
	Policy    string    `json:"policy"`
	Status    string    `json:"status"`
	Threads   []string  `json:"threads,omitempty"`
	Messages  []string  `json:"messages,omitempty"`
	IsUndo    bool      `json:"is_undo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	pending := sess.Queue.Pending()

	if flagJSON {
		entries := make([]statusEntry, 0, len(pending))
		for _, snap := range pending {
			entries = append(entries, statusEntry{
				ID:        snap.ID,
				Policy:    snap.Policy,
				Status:    snap.Status.String(),
				Threads:   snap.ThreadIDs,
				Messages:  snap.MessageIDs,
				IsUndo:    snap.IsUndo,
				CreatedAt: snap.CreatedAt,
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	}

	if len(pending) == 0 {
		statusf(flagQuiet, "All changes settled\n")
		return nil
	}

	rows := make([][]string, 0, len(pending))
	for _, snap := range pending {
		rows = append(rows, []string{
			snap.ID,
			snap.Policy,
			snap.Status.String(),
			fmt.Sprintf("%d", len(snap.ThreadIDs)+len(snap.MessageIDs)),
			snap.CreatedAt.Local().Format("15:04:05"),
		})
	}

	printTable(os.Stdout, []string{"TASK", "POLICY", "STATUS", "TARGETS", "CREATED"}, rows)

	statusf(flagQuiet, "%d unsettled change(s), %d locked object(s)\n",
		len(pending), sess.Tracker.Outstanding())

	return nil
}
