package main

import (
	"github.com/spf13/cobra"

	"github.com/driftmail/driftmail/internal/model"
	"github.com/driftmail/driftmail/internal/policy"
	"github.com/driftmail/driftmail/internal/task"
)

// deps returns the collaborator bundle tasks created by this session use.
func (s *Session) deps() task.Deps {
	return task.Deps{
		Store:  s.Store,
		Locker: s.Tracker,
		Remote: s.Remote,
		Logger: s.Logger,
	}
}

// runMutation is the shared driver for every mutating command: build one
// task for the targets, apply it locally, then drain the queue so the
// change settles with the server before the command exits.
func runMutation(cmd *cobra.Command, pol task.ChangePolicy, ids []string, asMessages bool) error {
	ctx := cmd.Context()

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	var threads, messages []model.Model

	for _, id := range ids {
		if asMessages {
			messages = append(messages, model.Message{ID: id, NamespaceID: sess.Cfg.API.Namespace})
			continue
		}

		threads = append(threads, model.Thread{ID: id, NamespaceID: sess.Cfg.API.Namespace})
	}

	tk, err := task.New(sess.deps(), pol, threads, messages)
	if err != nil {
		return err
	}

	if err := sess.Queue.Enqueue(ctx, tk); err != nil {
		return err
	}

	statusf(flagQuiet, "Applied %s to %d target(s) locally\n", pol.Name(), len(ids))

	if err := sess.Queue.Drain(ctx); err != nil {
		return err
	}

	statusf(flagQuiet, "Settled with server\n")

	return nil
}

func newMarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark (read|unread) <thread-id>...",
		Short: "Mark threads read or unread",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runMark,
	}

	cmd.Flags().Bool("message", false, "treat arguments as message ids")

	return cmd
}

func runMark(cmd *cobra.Command, args []string) error {
	var unread bool

	switch args[0] {
	case "read":
		unread = false
	case "unread":
		unread = true
	default:
		return errUsagef("first argument must be read or unread, got %q", args[0])
	}

	asMessages, _ := cmd.Flags().GetBool("message")

	return runMutation(cmd, &policy.Unread{Unread: unread}, args[1:], asMessages)
}

func newStarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "star <thread-id>...",
		Short: "Star threads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asMessages, _ := cmd.Flags().GetBool("message")
			return runMutation(cmd, &policy.Starred{Starred: true}, args, asMessages)
		},
	}

	cmd.Flags().Bool("message", false, "treat arguments as message ids")

	return cmd
}

func newUnstarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unstar <thread-id>...",
		Short: "Remove stars from threads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asMessages, _ := cmd.Flags().GetBool("message")
			return runMutation(cmd, &policy.Starred{Starred: false}, args, asMessages)
		},
	}

	cmd.Flags().Bool("message", false, "treat arguments as message ids")

	return cmd
}

func newLabelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label <thread-id>...",
		Short: "Add or remove labels on threads",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLabel,
	}

	cmd.Flags().StringSlice("add", nil, "labels to add")
	cmd.Flags().StringSlice("remove", nil, "labels to remove")
	cmd.Flags().Bool("message", false, "treat arguments as message ids")

	return cmd
}

func runLabel(cmd *cobra.Command, args []string) error {
	add, _ := cmd.Flags().GetStringSlice("add")
	remove, _ := cmd.Flags().GetStringSlice("remove")

	if len(add) == 0 && len(remove) == 0 {
		return errUsagef("at least one of --add or --remove is required")
	}

	asMessages, _ := cmd.Flags().GetBool("message")

	return runMutation(cmd, &policy.Labels{Add: add, Remove: remove}, args, asMessages)
}

func newMoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move <folder> <thread-id>...",
		Short: "Move threads to a folder",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			asMessages, _ := cmd.Flags().GetBool("message")
			return runMutation(cmd, &policy.Folder{Folder: args[0]}, args[1:], asMessages)
		},
	}

	cmd.Flags().Bool("message", false, "treat arguments as message ids")

	return cmd
}
