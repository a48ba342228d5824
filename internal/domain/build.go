package domain

import "time"

// Labels and annotations carried by every managed resource. They are the
// only durable state of the controller: everything about a build can be
// recovered from the cluster alone.
const (
	LabelBuild   = "runboat/build"
	LabelJobKind = "runboat/job-kind"

	AnnotationRepo                = "runboat/repo"
	AnnotationTargetBranch        = "runboat/target-branch"
	AnnotationPR                  = "runboat/pr"
	AnnotationGitCommit           = "runboat/git-commit"
	AnnotationInitStatus          = "runboat/init-status"
	AnnotationInitStatusTimestamp = "runboat/init-status-timestamp"
	AnnotationLastScaled          = "runboat/last-scaled"
	AnnotationCleanupAttempts     = "runboat/cleanup-attempts"

	CleanupFinalizer = "runboat/cleanup"
)

// JobKind distinguishes the two one-shot jobs attached to a build.
type JobKind string

const (
	JobKindInitialize JobKind = "initialize"
	JobKindCleanup    JobKind = "cleanup"
)

// InitStatus is the value of the runboat/init-status annotation.
type InitStatus string

const (
	InitStatusTodo      InitStatus = "todo"
	InitStatusStarted   InitStatus = "started"
	InitStatusSucceeded InitStatus = "succeeded"
	InitStatusFailed    InitStatus = "failed"
)

// BuildStatus is derived from the raw cluster fields, never stored.
type BuildStatus string

const (
	StatusTodo         BuildStatus = "todo"
	StatusInitializing BuildStatus = "initializing"
	StatusStarting     BuildStatus = "starting"
	StatusStarted      BuildStatus = "started"
	StatusStopped      BuildStatus = "stopped"
	StatusFailed       BuildStatus = "failed"
	StatusCleaning     BuildStatus = "cleaning"
)

// Build is one managed group of cluster resources for one commit of one
// branch or pull request. All fields except Status mirror labels,
// annotations and spec/status fields of the build's deployment.
type Build struct {
	Name            string      `json:"name"`
	DeploymentName  string      `json:"deployment_name"`
	Repo            string      `json:"repo"`
	TargetBranch    string      `json:"target_branch"`
	PR              int         `json:"pr,omitempty"`
	GitCommit       string      `json:"git_commit"`
	Image           string      `json:"image"`
	InitStatus      InitStatus  `json:"init_status"`
	DesiredReplicas int32       `json:"desired_replicas"`
	Replicas        int32       `json:"replicas"`
	Deleted         bool        `json:"deleted,omitempty"`
	CleanupAttempts int         `json:"-"`
	Status          BuildStatus `json:"status"`
	InitStamp       time.Time   `json:"init_status_timestamp"`
	LastScaled      time.Time   `json:"last_scaled"`
	Created         time.Time   `json:"created"`
}

// DeriveStatus is the total function from raw cluster fields to the build
// status. A deleted deployment is cleaning until its resources are gone
// (at which point the build disappears from the index altogether).
func DeriveStatus(deleted bool, init InitStatus, desiredReplicas, replicas int32) BuildStatus {
	if deleted {
		return StatusCleaning
	}
	switch init {
	case InitStatusTodo:
		return StatusTodo
	case InitStatusStarted:
		return StatusInitializing
	case InitStatusFailed:
		return StatusFailed
	case InitStatusSucceeded:
		if desiredReplicas == 0 {
			return StatusStopped
		}
		if replicas >= 1 {
			return StatusStarted
		}
		return StatusStarting
	}
	// Unknown or missing annotation: treat as waiting for initialization.
	return StatusTodo
}

// Derive recomputes and stores the derived status.
func (b *Build) Derive() {
	b.Status = DeriveStatus(b.Deleted, b.InitStatus, b.DesiredReplicas, b.Replicas)
}

// Slug is the subdomain under which the build is served. The build name
// is already a DNS label, so they coincide.
func (b *Build) Slug() string {
	return b.Name
}

// Equal reports whether two builds are indistinguishable for index and
// event purposes.
func (b *Build) Equal(other *Build) bool {
	if other == nil {
		return false
	}
	return b.Name == other.Name &&
		b.DeploymentName == other.DeploymentName &&
		b.Repo == other.Repo &&
		b.TargetBranch == other.TargetBranch &&
		b.PR == other.PR &&
		b.GitCommit == other.GitCommit &&
		b.Image == other.Image &&
		b.InitStatus == other.InitStatus &&
		b.DesiredReplicas == other.DesiredReplicas &&
		b.Replicas == other.Replicas &&
		b.Deleted == other.Deleted &&
		b.CleanupAttempts == other.CleanupAttempts &&
		b.InitStamp.Equal(other.InitStamp) &&
		b.LastScaled.Equal(other.LastScaled) &&
		b.Created.Equal(other.Created)
}
