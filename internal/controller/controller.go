// Package controller runs the reconciliation loops: two supervised
// watch streams feeding the build index and job tracker, and the
// background reconcilers enforcing the capacity limits.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/sbidoul/runboat/internal/config"
	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/index"
	"github.com/sbidoul/runboat/internal/service"
)

const (
	// eventBufferingDelay coalesces bursts of index events (such as the
	// initial sync) into a single reconciler pass.
	eventBufferingDelay = 1 * time.Second
	// restartDelay is how long a crashed or disconnected task waits
	// before restarting.
	restartDelay = 5 * time.Second
	// reconcileInterval drives periodic passes even without events.
	reconcileInterval = 10 * time.Second
)

// clusterWatcher is the watch-side of the gateway.
type clusterWatcher interface {
	WatchDeployments(ctx context.Context,
		onSync func(current []appsv1.Deployment),
		onEvent func(eventType watch.EventType, dep *appsv1.Deployment)) error
	WatchJobs(ctx context.Context,
		onSync func(current []batchv1.Job),
		onEvent func(eventType watch.EventType, job *batchv1.Job)) error
}

// Controller owns the task tree. Reconcilers read index snapshots and
// mutate the cluster through the service transitions; their write sets
// are disjoint, so they run concurrently without coordination.
type Controller struct {
	cfg     *config.Config
	watcher clusterWatcher
	svc     *service.BuildService
	idx     *index.Index
	jobs    *jobTracker

	wakeInitializer chan struct{}
	wakeStopper     chan struct{}
	wakeUndeployer  chan struct{}
	wakeCleaner     chan struct{}
	wakeReaper      chan struct{}
}

func New(cfg *config.Config, watcher clusterWatcher, svc *service.BuildService, idx *index.Index) *Controller {
	c := &Controller{
		cfg:             cfg,
		watcher:         watcher,
		svc:             svc,
		idx:             idx,
		jobs:            newJobTracker(),
		wakeInitializer: make(chan struct{}, 1),
		wakeStopper:     make(chan struct{}, 1),
		wakeUndeployer:  make(chan struct{}, 1),
		wakeCleaner:     make(chan struct{}, 1),
		wakeReaper:      make(chan struct{}, 1),
	}
	idx.AddListener(func(index.Event, *domain.Build) { c.OnBuildEvent() })
	return c
}

// OnBuildEvent is the index listener: any build change may unblock any
// reconciler, so all of them are woken.
func (c *Controller) OnBuildEvent() {
	wake(c.wakeInitializer)
	wake(c.wakeStopper)
	wake(c.wakeUndeployer)
	wake(c.wakeCleaner)
	wake(c.wakeReaper)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run starts every task and blocks until the context is cancelled and
// all tasks have returned.
func (c *Controller) Run(ctx context.Context) {
	slog.Info("starting controller tasks")
	var wg sync.WaitGroup
	tasks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"deployment_watcher", c.runDeploymentWatcher},
		{"job_watcher", c.runJobWatcher},
		{"initializer", c.runInitializer},
		{"reaper", c.runReaper},
		{"cleaner", c.runCleaner},
		{"stopper", c.runStopper},
		{"undeployer", c.runUndeployer},
	}
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.supervise(ctx, task.name, task.fn)
		}()
	}
	wg.Wait()
	slog.Info("controller tasks stopped")
}

// supervise restarts a task whenever it returns with an error, after a
// delay. A dropped watch stream is never fatal: the task re-lists and
// resumes. Only context cancellation ends the loop.
func (c *Controller) supervise(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		slog.Info("(re)starting controller task", "task", name)
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("controller task failed, restarting", "task", name, "error", err, "delay", restartDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// reconcileLoop is the shared shape of the background reconcilers:
// woken by index events (debounced) and by a periodic tick, each pass
// works on a fresh snapshot.
func (c *Controller) reconcileLoop(ctx context.Context, wakeup <-chan struct{}, pass func(context.Context)) error {
	// Wait for the initial sync so passes see a complete picture.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.idx.ReadyCh():
	}
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wakeup:
			// Let bursts of events accumulate before acting.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(eventBufferingDelay):
			}
		case <-ticker.C:
		}
		pass(ctx)
	}
}
