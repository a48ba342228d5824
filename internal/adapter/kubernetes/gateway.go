package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/port"
)

var _ port.ClusterGateway = (*Gateway)(nil)

// Gateway is the cluster-facing side of the controller. Every mutating
// call retries transient API errors with capped exponential backoff and
// wraps persistent failures in domain.ErrUpstream.
type Gateway struct {
	client           kubernetes.Interface
	dyn              dynamic.Interface
	namespace        string
	defaultKubefiles fs.FS
}

func NewGateway(client kubernetes.Interface, dyn dynamic.Interface, namespace string, defaultKubefiles fs.FS) *Gateway {
	return &Gateway{
		client:           client,
		dyn:              dyn,
		namespace:        namespace,
		defaultKubefiles: defaultKubefiles,
	}
}

// transientBackoff allows six attempts with about 15s of waiting overall.
var transientBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    6,
}

func isTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsUnexpectedServerError(err)
}

// withRetry runs fn, retrying transient errors. The final error is
// wrapped in domain.ErrUpstream so callers can map it uniformly.
func withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, transientBackoff, func(ctx context.Context) (bool, error) {
		lastErr = fn(ctx)
		if lastErr == nil {
			return true, nil
		}
		if isTransient(lastErr) {
			slog.Warn("transient cluster error, retrying", "op", op, "error", lastErr)
			return false, nil
		}
		return false, lastErr
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		err = lastErr
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrUpstream, op, err)
}

func (g *Gateway) PatchAnnotations(ctx context.Context, deploymentName string, annotations map[string]string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": annotations},
	})
	if err != nil {
		return err
	}
	return withRetry(ctx, "patch annotations "+deploymentName, func(ctx context.Context) error {
		_, err := g.client.AppsV1().Deployments(g.namespace).
			Patch(ctx, deploymentName, types.MergePatchType, patch, metav1.PatchOptions{})
		return err
	})
}

// Scale sets spec.replicas and stamps runboat/last-scaled in the same
// patch, so the stopper's age ordering is updated atomically with the
// scale change.
func (g *Gateway) Scale(ctx context.Context, deploymentName string, replicas int32) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": map[string]string{
			domain.AnnotationLastScaled: time.Now().UTC().Format(time.RFC3339),
		}},
		"spec": map[string]any{"replicas": replicas},
	})
	if err != nil {
		return err
	}
	return withRetry(ctx, fmt.Sprintf("scale %s to %d", deploymentName, replicas), func(ctx context.Context) error {
		_, err := g.client.AppsV1().Deployments(g.namespace).
			Patch(ctx, deploymentName, types.MergePatchType, patch, metav1.PatchOptions{})
		return err
	})
}

func (g *Gateway) DeleteDeployment(ctx context.Context, deploymentName string) error {
	return withRetry(ctx, "delete deployment "+deploymentName, func(ctx context.Context) error {
		err := g.client.AppsV1().Deployments(g.namespace).
			Delete(ctx, deploymentName, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// DeleteResources removes every labeled resource of a build. Kinds are
// enumerated explicitly: these are the kinds the kubefiles may render.
func (g *Gateway) DeleteResources(ctx context.Context, buildName string) error {
	selector := metav1.ListOptions{LabelSelector: domain.LabelBuild + "=" + buildName}
	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}

	deleteCollections := []struct {
		kind string
		fn   func(context.Context) error
	}{
		{"deployments", func(ctx context.Context) error {
			return g.client.AppsV1().Deployments(g.namespace).DeleteCollection(ctx, opts, selector)
		}},
		{"jobs", func(ctx context.Context) error {
			return g.client.BatchV1().Jobs(g.namespace).DeleteCollection(ctx, opts, selector)
		}},
		{"configmaps", func(ctx context.Context) error {
			return g.client.CoreV1().ConfigMaps(g.namespace).DeleteCollection(ctx, opts, selector)
		}},
		{"secrets", func(ctx context.Context) error {
			return g.client.CoreV1().Secrets(g.namespace).DeleteCollection(ctx, opts, selector)
		}},
		{"pvcs", func(ctx context.Context) error {
			return g.client.CoreV1().PersistentVolumeClaims(g.namespace).DeleteCollection(ctx, opts, selector)
		}},
		{"pods", func(ctx context.Context) error {
			return g.client.CoreV1().Pods(g.namespace).DeleteCollection(ctx, opts, selector)
		}},
	}
	for _, dc := range deleteCollections {
		if err := withRetry(ctx, "delete "+dc.kind+" of "+buildName, func(ctx context.Context) error {
			return dc.fn(ctx)
		}); err != nil {
			return err
		}
	}

	// Services have no DeleteCollection on the typed client; they are
	// listed and deleted one by one. Ingresses are deleted by collection.
	if err := withRetry(ctx, "delete services of "+buildName, func(ctx context.Context) error {
		services, err := g.client.CoreV1().Services(g.namespace).List(ctx, selector)
		if err != nil {
			return err
		}
		for _, svc := range services.Items {
			if err := g.client.CoreV1().Services(g.namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return withRetry(ctx, "delete ingresses of "+buildName, func(ctx context.Context) error {
		return g.client.NetworkingV1().Ingresses(g.namespace).DeleteCollection(ctx, opts, selector)
	})
}

// RemoveFinalizer removes the finalizer from the deployment, retrying on
// optimistic concurrency conflicts.
func (g *Gateway) RemoveFinalizer(ctx context.Context, deploymentName string, finalizer string) error {
	return withRetry(ctx, "remove finalizer "+deploymentName, func(ctx context.Context) error {
		return retry.RetryOnConflict(retry.DefaultRetry, func() error {
			dep, err := g.client.AppsV1().Deployments(g.namespace).Get(ctx, deploymentName, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			kept := dep.Finalizers[:0]
			for _, f := range dep.Finalizers {
				if f != finalizer {
					kept = append(kept, f)
				}
			}
			if len(kept) == len(dep.Finalizers) {
				return nil
			}
			dep.Finalizers = kept
			_, err = g.client.AppsV1().Deployments(g.namespace).Update(ctx, dep, metav1.UpdateOptions{})
			return err
		})
	})
}

// KillJobs removes leftover jobs and pods of a kind before a fresh job
// is created, so failed runs do not block re-initialization.
func (g *Gateway) KillJobs(ctx context.Context, buildName string, kind domain.JobKind) error {
	selector := metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%s", domain.LabelBuild, buildName, domain.LabelJobKind, kind),
	}
	propagation := metav1.DeletePropagationBackground
	zero := int64(0)
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation, GracePeriodSeconds: &zero}
	if err := withRetry(ctx, fmt.Sprintf("kill %s jobs of %s", kind, buildName), func(ctx context.Context) error {
		return g.client.BatchV1().Jobs(g.namespace).DeleteCollection(ctx, opts, selector)
	}); err != nil {
		return err
	}
	return withRetry(ctx, fmt.Sprintf("kill %s pods of %s", kind, buildName), func(ctx context.Context) error {
		return g.client.CoreV1().Pods(g.namespace).DeleteCollection(ctx, opts, selector)
	})
}

// ReadLog returns the tail of the most recent pod of the given job kind
// (nil kind selects the build's runtime pod).
func (g *Gateway) ReadLog(ctx context.Context, buildName string, kind *domain.JobKind, tailLines int64) (string, error) {
	var pods *corev1.PodList
	if err := withRetry(ctx, "list pods of "+buildName, func(ctx context.Context) error {
		var err error
		pods, err = g.client.CoreV1().Pods(g.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: domain.LabelBuild + "=" + buildName,
		})
		return err
	}); err != nil {
		return "", err
	}

	var candidates []corev1.Pod
	for _, pod := range pods.Items {
		podKind := pod.Labels[domain.LabelJobKind]
		if kind == nil {
			if podKind == "" {
				candidates = append(candidates, pod)
			}
		} else if podKind == string(*kind) {
			candidates = append(candidates, pod)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreationTimestamp.After(candidates[j].CreationTimestamp.Time)
	})
	pod := candidates[0]

	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	stream, err := g.client.CoreV1().Pods(g.namespace).GetLogs(pod.Name, opts).Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: get pod logs %s: %v", domain.ErrUpstream, pod.Name, err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("%w: read pod logs %s: %v", domain.ErrUpstream, pod.Name, err)
	}
	return string(data), nil
}
