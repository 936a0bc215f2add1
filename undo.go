package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driftmail/driftmail/internal/queue"
)

func newUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Undo the most recent settled change",
		Args:  cobra.NoArgs,
		RunE:  runUndo,
	}
}

func runUndo(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	undo, err := sess.Queue.Undo(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrNothingToUndo) {
			return fmt.Errorf("nothing to undo in this session")
		}

		return err
	}

	statusf(flagQuiet, "Restored previous values locally\n")

	if err := sess.Queue.Drain(ctx); err != nil {
		return err
	}

	statusf(flagQuiet, "Undo %s settled with server\n", undo.ID())

	return nil
}
