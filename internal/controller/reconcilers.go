package controller

import (
	"context"
	"log/slog"

	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/service"
)

// runInitializer admits builds from the todo queue while the number of
// builds initializing across the cluster stays under max_initializing.
// Admission is best-effort: the init-status patch inside Initialize is
// the lease, and the watch echo settles any race.
func (c *Controller) runInitializer(ctx context.Context) error {
	return c.reconcileLoop(ctx, c.wakeInitializer, c.initializerPass)
}

func (c *Controller) initializerPass(ctx context.Context) {
	initializing := c.idx.CountByInitStatus(domain.InitStatusStarted)
	capacity := c.cfg.MaxInitializing - initializing
	if capacity <= 0 {
		return
	}
	todo := c.idx.ToInitialize(capacity)
	if len(todo) == 0 {
		return
	}
	slog.Info("admitting builds for initialization",
		"initializing", initializing, "max_initializing", c.cfg.MaxInitializing, "admitting", len(todo))
	for _, b := range todo {
		if err := c.svc.Initialize(ctx, b); err != nil {
			slog.Error("failed to initialize build", "build", b.Name, "error", err)
		}
	}
}

// runStopper stops the oldest started builds (by last scaling time)
// until max_started holds.
func (c *Controller) runStopper(ctx context.Context) error {
	return c.reconcileLoop(ctx, c.wakeStopper, c.stopperPass)
}

func (c *Controller) stopperPass(ctx context.Context) {
	started := c.idx.CountByStatus(domain.StatusStarted)
	excess := started - c.cfg.MaxStarted
	if excess <= 0 {
		return
	}
	oldest := c.idx.OldestStarted(excess)
	if len(oldest) == 0 {
		return
	}
	slog.Info("stopping oldest started builds",
		"started", started, "max_started", c.cfg.MaxStarted, "stopping", len(oldest))
	for _, b := range oldest {
		if err := c.svc.Stop(ctx, b.Name); err != nil {
			slog.Error("failed to stop build", "build", b.Name, "error", err)
		}
	}
}

// runUndeployer undeploys the oldest stopped or failed builds (by
// creation time) until max_deployed holds. Initializing and started
// builds are never evicted.
func (c *Controller) runUndeployer(ctx context.Context) error {
	return c.reconcileLoop(ctx, c.wakeUndeployer, c.undeployerPass)
}

func (c *Controller) undeployerPass(ctx context.Context) {
	deployed := c.idx.CountDeployed()
	excess := deployed - c.cfg.MaxDeployed
	if excess <= 0 {
		return
	}
	oldest := c.idx.OldestStopped(excess)
	if len(oldest) == 0 {
		return
	}
	slog.Info("undeploying oldest builds",
		"deployed", deployed, "max_deployed", c.cfg.MaxDeployed, "undeploying", len(oldest))
	for _, b := range oldest {
		if err := c.svc.Undeploy(ctx, b.Name); err != nil {
			slog.Error("failed to undeploy build", "build", b.Name, "error", err)
		}
	}
}

// runCleaner creates the cleanup job for builds marked for deletion
// that do not have one yet (the deletion driver).
func (c *Controller) runCleaner(ctx context.Context) error {
	return c.reconcileLoop(ctx, c.wakeCleaner, c.cleanerPass)
}

func (c *Controller) cleanerPass(ctx context.Context) {
	for _, b := range c.idx.Cleaning() {
		if _, tracked := c.jobs.Get(b.Name, domain.JobKindCleanup); tracked {
			continue
		}
		if b.CleanupAttempts > service.MaxCleanupAttempts {
			continue
		}
		if err := c.svc.Cleanup(ctx, b); err != nil {
			slog.Error("failed to start cleanup of build", "build", b.Name, "error", err)
		}
	}
}
