package controller

import (
	"context"
	"log/slog"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/sbidoul/runboat/internal/adapter/kubernetes"
)

// runDeploymentWatcher feeds the build index from the deployment watch
// stream. It is the index's only writer.
func (c *Controller) runDeploymentWatcher(ctx context.Context) error {
	return c.watcher.WatchDeployments(ctx, c.onDeploymentSync, c.onDeploymentEvent)
}

// onDeploymentSync applies the initial (or re-) list as a series of
// deltas: fresh builds are upserted, leftovers removed. The deltas are
// applied one at a time, not as one atomic swap.
func (c *Controller) onDeploymentSync(current []appsv1.Deployment) {
	leftover := c.idx.Names()
	for i := range current {
		b, ok := kubernetes.BuildFromDeployment(&current[i])
		if !ok {
			continue
		}
		delete(leftover, b.Name)
		c.idx.Upsert(b)
	}
	for name := range leftover {
		c.idx.Remove(name)
		c.jobs.ForgetBuild(name)
	}
	c.idx.MarkReady()
}

func (c *Controller) onDeploymentEvent(eventType watch.EventType, dep *appsv1.Deployment) {
	b, ok := kubernetes.BuildFromDeployment(dep)
	if !ok {
		return
	}
	switch eventType {
	case watch.Added, watch.Modified:
		c.idx.Upsert(b)
	case watch.Deleted:
		c.idx.Remove(b.Name)
		c.jobs.ForgetBuild(b.Name)
	}
}

// runJobWatcher mirrors initialize and cleanup jobs into the job
// tracker; the reaper and cleaner act on what it records.
func (c *Controller) runJobWatcher(ctx context.Context) error {
	return c.watcher.WatchJobs(ctx, c.onJobSync, c.onJobEvent)
}

func (c *Controller) onJobSync(current []batchv1.Job) {
	entries := make(map[jobKey]kubernetes.JobOutcome, len(current))
	for i := range current {
		build, kind, ok := kubernetes.JobBuild(&current[i])
		if !ok {
			continue
		}
		entries[jobKey{build, kind}] = kubernetes.OutcomeOf(&current[i])
	}
	c.jobs.Sync(entries)
	wake(c.wakeReaper)
	wake(c.wakeCleaner)
}

func (c *Controller) onJobEvent(eventType watch.EventType, job *batchv1.Job) {
	build, kind, ok := kubernetes.JobBuild(job)
	if !ok {
		return
	}
	switch eventType {
	case watch.Added, watch.Modified:
		outcome := kubernetes.OutcomeOf(job)
		c.jobs.Set(build, kind, outcome)
		slog.Debug("noticed job event", "build", build, "kind", kind, "outcome", outcome)
	case watch.Deleted:
		c.jobs.Delete(build, kind)
	}
	wake(c.wakeReaper)
	wake(c.wakeCleaner)
}
