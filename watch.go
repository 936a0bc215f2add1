package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/driftmail/driftmail/internal/deltas"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the server's change stream and keep the local replica current",
		Long: `Connect to the delta stream and fold remote changes into the local
replica. Objects with an unsettled local change are left alone until their
task settles. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	token := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: sess.Cfg.API.AccessToken})
	consumer := deltas.NewConsumer(sess.Cfg.StreamURL(), token, sess.Store, sess.Tracker, sess.Logger)

	statusf(flagQuiet, "Watching %s (Ctrl-C to stop)\n", sess.Cfg.StreamURL())

	g, ctx := errgroup.WithContext(ctx)

	// Settle any tasks recovered from a previous run while the stream runs.
	g.Go(func() error {
		return sess.Queue.Drain(ctx)
	})

	g.Go(func() error {
		return consumer.Run(ctx)
	})

	err = g.Wait()

	stats := consumer.Stats()
	statusf(flagQuiet, "Applied %d remote change(s), skipped %d locked, reconnected %d time(s)\n",
		stats.Applied, stats.Skipped, stats.Reconnects)

	return err
}
