package kubernetes

import (
	"strconv"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/sbidoul/runboat/internal/domain"
)

// BuildFromDeployment recovers a Build from its deployment's labels,
// annotations and replica counts. Returns false when the deployment is
// not a managed build (no runboat/build label).
func BuildFromDeployment(dep *appsv1.Deployment) (*domain.Build, bool) {
	name := dep.Labels[domain.LabelBuild]
	if name == "" {
		return nil, false
	}
	ann := dep.Annotations

	var desired int32
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}

	pr := 0
	if v := ann[domain.AnnotationPR]; v != "" {
		pr, _ = strconv.Atoi(v)
	}
	cleanupAttempts := 0
	if v := ann[domain.AnnotationCleanupAttempts]; v != "" {
		cleanupAttempts, _ = strconv.Atoi(v)
	}

	image := ""
	if containers := dep.Spec.Template.Spec.Containers; len(containers) > 0 {
		image = containers[0].Image
	}

	created := dep.CreationTimestamp.Time
	b := &domain.Build{
		Name:            name,
		DeploymentName:  dep.Name,
		Repo:            ann[domain.AnnotationRepo],
		TargetBranch:    ann[domain.AnnotationTargetBranch],
		PR:              pr,
		GitCommit:       ann[domain.AnnotationGitCommit],
		Image:           image,
		InitStatus:      domain.InitStatus(ann[domain.AnnotationInitStatus]),
		DesiredReplicas: desired,
		Replicas:        dep.Status.ReadyReplicas,
		Deleted:         dep.DeletionTimestamp != nil,
		CleanupAttempts: cleanupAttempts,
		InitStamp:       parseTime(ann[domain.AnnotationInitStatusTimestamp], created),
		LastScaled:      parseTime(ann[domain.AnnotationLastScaled], created),
		Created:         created,
	}
	b.Derive()
	return b, true
}

// parseTime falls back when the annotation is absent or unparseable, so
// hand-edited deployments do not break eviction ordering.
func parseTime(v string, fallback time.Time) time.Time {
	if v == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fallback
	}
	return t
}

// JobBuild returns the build name and job kind labels of a managed job.
func JobBuild(job *batchv1.Job) (buildName string, kind domain.JobKind, ok bool) {
	buildName = job.Labels[domain.LabelBuild]
	kind = domain.JobKind(job.Labels[domain.LabelJobKind])
	if buildName == "" || (kind != domain.JobKindInitialize && kind != domain.JobKindCleanup) {
		return "", "", false
	}
	return buildName, kind, true
}

// JobOutcome classifies a job's terminal state.
type JobOutcome string

const (
	JobActive    JobOutcome = "active"
	JobSucceeded JobOutcome = "succeeded"
	JobFailed    JobOutcome = "failed"
	JobPending   JobOutcome = "pending"
)

// OutcomeOf inspects the job conditions, like kubectl does.
func OutcomeOf(job *batchv1.Job) JobOutcome {
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
			return JobSucceeded
		}
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			return JobFailed
		}
	}
	if job.Status.Active > 0 {
		return JobActive
	}
	return JobPending
}
