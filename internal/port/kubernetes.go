package port

import (
	"context"

	"github.com/sbidoul/runboat/internal/domain"
)

// DeploymentMode selects which part of a kubefiles bundle is rendered.
type DeploymentMode string

const (
	ModeDeployment DeploymentMode = "deployment"
	ModeInitialize DeploymentMode = "initialize"
	ModeCleanup    DeploymentMode = "cleanup"
)

// DeploymentVars is the variables bag handed to the template renderer.
// Every rendered resource must come out labeled runboat/build=BuildName.
type DeploymentVars struct {
	Mode             DeploymentMode
	Namespace        string
	BuildName        string
	BuildSlug        string
	BuildDomain      string
	Repo             string
	TargetBranch     string
	PR               int
	GitCommit        string
	ImageName        string
	ImageTag         string
	BuildEnv         map[string]string
	BuildSecretEnv   map[string]string
	BuildTemplateVars map[string]string
}

// ClusterGateway is the thin abstraction over the cluster API. All calls
// retry transient errors with bounded backoff; non-retryable errors are
// returned wrapped in domain.ErrUpstream.
type ClusterGateway interface {
	// ApplyBundle renders the kubefiles at kubefilesPath (the gateway's
	// default kubefiles when empty) and server-side applies the resources of the
	// selected mode. Validation runs server-side before anything is
	// persisted, so a rejected bundle leaks no resources.
	ApplyBundle(ctx context.Context, kubefilesPath string, vars DeploymentVars) error

	// PatchAnnotations merge-patches annotations onto the deployment
	// owning the build.
	PatchAnnotations(ctx context.Context, deploymentName string, annotations map[string]string) error

	// Scale sets spec.replicas on the build's deployment.
	Scale(ctx context.Context, deploymentName string, replicas int32) error

	// DeleteDeployment deletes the build's deployment. The cleanup
	// finalizer keeps it around until cleanup has run.
	DeleteDeployment(ctx context.Context, deploymentName string) error

	// DeleteResources deletes every resource labeled runboat/build=name.
	DeleteResources(ctx context.Context, buildName string) error

	// RemoveFinalizer removes a finalizer from the build's deployment.
	RemoveFinalizer(ctx context.Context, deploymentName string, finalizer string) error

	// KillJobs deletes jobs and pods of the given kind for a build, so a
	// fresh job can be created in their place.
	KillJobs(ctx context.Context, buildName string, kind domain.JobKind) error

	// ReadLog returns the tail of the log of the build's pod of the given
	// job kind (nil kind selects the runtime pod).
	ReadLog(ctx context.Context, buildName string, kind *domain.JobKind, tailLines int64) (string, error)
}
