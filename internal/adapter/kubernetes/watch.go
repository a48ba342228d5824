package kubernetes

import (
	"context"
	"fmt"
	"log/slog"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/sbidoul/runboat/internal/domain"
)

// WatchDeployments lists the managed deployments, hands the initial
// state to onSync, then streams events to onEvent until the context is
// cancelled or the stream fails. A stale cursor surfaces as an error;
// the caller re-invokes to re-list from scratch.
func (g *Gateway) WatchDeployments(
	ctx context.Context,
	onSync func(current []appsv1.Deployment),
	onEvent func(eventType watch.EventType, dep *appsv1.Deployment),
) error {
	selector := domain.LabelBuild
	list, err := g.client.AppsV1().Deployments(g.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	onSync(list.Items)

	return g.stream(ctx, "deployments", list.ResourceVersion, func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
		opts.LabelSelector = selector
		return g.client.AppsV1().Deployments(g.namespace).Watch(ctx, opts)
	}, func(eventType watch.EventType, obj runtime.Object) (string, bool) {
		dep, ok := obj.(*appsv1.Deployment)
		if !ok {
			return "", false
		}
		onEvent(eventType, dep)
		return dep.ResourceVersion, true
	})
}

// WatchJobs is the job-side twin of WatchDeployments, restricted to the
// initialize and cleanup jobs of managed builds.
func (g *Gateway) WatchJobs(
	ctx context.Context,
	onSync func(current []batchv1.Job),
	onEvent func(eventType watch.EventType, job *batchv1.Job),
) error {
	selector := domain.LabelBuild + "," + domain.LabelJobKind
	list, err := g.client.BatchV1().Jobs(g.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	onSync(list.Items)

	return g.stream(ctx, "jobs", list.ResourceVersion, func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
		opts.LabelSelector = selector
		return g.client.BatchV1().Jobs(g.namespace).Watch(ctx, opts)
	}, func(eventType watch.EventType, obj runtime.Object) (string, bool) {
		job, ok := obj.(*batchv1.Job)
		if !ok {
			return "", false
		}
		onEvent(eventType, job)
		return job.ResourceVersion, true
	})
}

// stream watches from resourceVersion, re-establishing the connection
// when the server closes it, until the cursor goes stale or the context
// ends. Bookmarks advance the cursor without producing events.
func (g *Gateway) stream(
	ctx context.Context,
	what string,
	resourceVersion string,
	start func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error),
	dispatch func(eventType watch.EventType, obj runtime.Object) (string, bool),
) error {
	for {
		w, err := start(ctx, metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", what, err)
		}

		closed := false
		for !closed {
			select {
			case <-ctx.Done():
				w.Stop()
				return ctx.Err()
			case event, ok := <-w.ResultChan():
				if !ok {
					closed = true
					break
				}
				switch event.Type {
				case watch.Bookmark:
					if m, err := metaAccessor(event.Object); err == nil {
						resourceVersion = m.GetResourceVersion()
					}
				case watch.Error:
					w.Stop()
					statusErr := apierrors.FromObject(event.Object)
					return fmt.Errorf("watch %s: %w", what, statusErr)
				case watch.Added, watch.Modified, watch.Deleted:
					if rv, ok := dispatch(event.Type, event.Object); ok {
						resourceVersion = rv
					}
				}
			}
		}
		slog.Debug("watch stream closed, resuming", "what", what, "resource_version", resourceVersion)
	}
}

func metaAccessor(obj runtime.Object) (metav1.Object, error) {
	accessor, ok := obj.(metav1.Object)
	if !ok {
		return nil, fmt.Errorf("object has no metadata")
	}
	return accessor, nil
}
