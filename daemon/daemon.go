// Package daemon wires the master into a long-running process.
package daemon

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"loom/config"
	"loom/master"
)

// Run builds the master from the deployment config and drives its
// event loop until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	m, err := master.New(master.Options{
		Home:          cfg.ResolvedHome(),
		PageSize:      cfg.PageSize,
		CheckInterval: cfg.IntervalCheck,
		DriftCheck:    cfg.DriftCheck,
	})
	if err != nil {
		return err
	}

	slog.Info("Master up.", "home", cfg.ResolvedHome(), "uid", m.Home.UID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })
	return g.Wait()
}
