package controller

import (
	"context"
	"log/slog"

	"github.com/sbidoul/runboat/internal/adapter/kubernetes"
	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/service"
)

// runReaper reacts to terminal initialize and cleanup jobs. The pass is
// state-based and idempotent: once a transition lands (init-status
// patched, resources deleted), the triggering condition stops holding
// and the job is left alone.
func (c *Controller) runReaper(ctx context.Context) error {
	return c.reconcileLoop(ctx, c.wakeReaper, c.reaperPass)
}

func (c *Controller) reaperPass(ctx context.Context) {
	for key, outcome := range c.jobs.Terminal() {
		b, ok := c.idx.Get(key.build)
		if !ok {
			// The job outlived its deployment. Nothing manages these
			// resources anymore; sweep them away.
			slog.Warn("terminal job without deployment, deleting build resources",
				"build", key.build, "kind", key.kind)
			if err := c.svc.PurgeResources(ctx, key.build); err != nil {
				slog.Error("failed to purge orphaned build resources", "build", key.build, "error", err)
			}
			continue
		}
		switch key.kind {
		case domain.JobKindInitialize:
			// A deleted build gets no further init handling.
			if b.Deleted || b.InitStatus != domain.InitStatusStarted {
				continue
			}
			var err error
			if outcome == kubernetes.JobSucceeded {
				err = c.svc.OnInitializeSucceeded(ctx, b)
			} else {
				err = c.svc.OnInitializeFailed(ctx, b)
			}
			if err != nil {
				slog.Error("failed to handle initialize job outcome", "build", b.Name, "error", err)
			}
		case domain.JobKindCleanup:
			if !b.Deleted {
				continue
			}
			var err error
			if outcome == kubernetes.JobSucceeded {
				err = c.svc.OnCleanupSucceeded(ctx, b)
			} else if b.CleanupAttempts <= service.MaxCleanupAttempts {
				err = c.svc.OnCleanupFailed(ctx, b, b.CleanupAttempts)
			}
			if err != nil {
				slog.Error("failed to handle cleanup job outcome", "build", b.Name, "error", err)
			}
		}
	}
}
