package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sbidoul/runboat/internal/config"
	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/index"
	"github.com/sbidoul/runboat/internal/port"
)

// BuildService is the command surface: it authorizes nothing by itself
// (the HTTP layer does), but validates command input, guards every
// command against the build's current state and translates it into
// cluster mutations. It never writes the index; results come back
// through the watch stream.
type BuildService struct {
	cfg        *config.Config
	matcher    *domain.Matcher
	gateway    port.ClusterGateway
	idx        *index.Index
	forge      port.Forge       // nil when no github integration
	logQuerier port.LogQuerier  // nil when no loki endpoint
}

func NewBuildService(
	cfg *config.Config,
	matcher *domain.Matcher,
	gateway port.ClusterGateway,
	idx *index.Index,
	forge port.Forge,
	logQuerier port.LogQuerier,
) *BuildService {
	return &BuildService{
		cfg:        cfg,
		matcher:    matcher,
		gateway:    gateway,
		idx:        idx,
		forge:      forge,
		logQuerier: logQuerier,
	}
}

// Supported reports whether any rule accepts (repo, branch). The
// webhook path uses it to discard irrelevant events without side
// effects.
func (s *BuildService) Supported(repo, branch string) bool {
	return s.matcher.Supported(domain.NormalizeRepo(repo), branch)
}

// Deploy creates the resources of a new build, with zero replicas and
// initialization pending. Rejects unsupported repos and duplicate
// commits.
func (s *BuildService) Deploy(ctx context.Context, ci domain.CommitInfo) (string, error) {
	ci.Repo = domain.NormalizeRepo(ci.Repo)
	if err := ci.Validate(); err != nil {
		return "", err
	}
	recipe, ok := s.matcher.Match(ci.Repo, ci.TargetBranch)
	if !ok {
		return "", fmt.Errorf("%w: branch %s of %s matches no rule", domain.ErrRejected, ci.TargetBranch, ci.Repo)
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	name := ci.BuildName()
	if _, exists := s.idx.Get(name); exists {
		return "", fmt.Errorf("%w: build %s already exists", domain.ErrConflict, name)
	}

	slog.Info("deploying build", "build", name, "repo", ci.Repo, "target_branch", ci.TargetBranch, "pr", ci.PR, "git_commit", ci.GitCommit)
	vars := s.deploymentVars(port.ModeDeployment, ci, name, recipe)
	if err := s.gateway.ApplyBundle(ctx, recipe.KubefilesPath, vars); err != nil {
		return "", err
	}
	s.notifyStatus(ctx, ci.Repo, ci.GitCommit, port.CommitStatePending, name)
	return name, nil
}

// DeployOrSkip is the webhook and trigger path: deploying a commit that
// already has a build is a no-op.
func (s *BuildService) DeployOrSkip(ctx context.Context, ci domain.CommitInfo) error {
	ci.Repo = domain.NormalizeRepo(ci.Repo)
	if err := ci.Validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if _, exists := s.idx.GetForCommit(ci); exists {
		return nil
	}
	_, err := s.Deploy(ctx, ci)
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	return err
}

// Start brings a build up. A stopped build is scaled to one; a failed
// build is re-queued for initialization; a build on its way up already
// is left alone.
func (s *BuildService) Start(ctx context.Context, name string) error {
	b, err := s.get(name)
	if err != nil {
		return err
	}
	switch b.Status {
	case domain.StatusStopped:
		return s.gateway.Scale(ctx, b.DeploymentName, 1)
	case domain.StatusFailed:
		return s.requeueInit(ctx, b)
	case domain.StatusTodo, domain.StatusInitializing, domain.StatusStarting, domain.StatusStarted:
		return nil
	default:
		return fmt.Errorf("%w: cannot start build %s in status %s", domain.ErrConflict, name, b.Status)
	}
}

// Stop scales a build down to zero replicas.
func (s *BuildService) Stop(ctx context.Context, name string) error {
	b, err := s.get(name)
	if err != nil {
		return err
	}
	if b.Status == domain.StatusCleaning {
		return fmt.Errorf("%w: cannot stop build %s in status %s", domain.ErrConflict, name, b.Status)
	}
	return s.gateway.Scale(ctx, b.DeploymentName, 0)
}

// Reset stops the build and queues it for re-initialization from
// scratch.
func (s *BuildService) Reset(ctx context.Context, name string) error {
	b, err := s.get(name)
	if err != nil {
		return err
	}
	if b.Status == domain.StatusCleaning {
		return fmt.Errorf("%w: cannot reset build %s in status %s", domain.ErrConflict, name, b.Status)
	}
	if err := s.gateway.Scale(ctx, b.DeploymentName, 0); err != nil {
		return err
	}
	return s.requeueInit(ctx, b)
}

// Undeploy marks the build for deletion. The cleanup finalizer keeps
// the deployment around until the cleanup job has run; the reaper then
// deletes every labeled resource.
func (s *BuildService) Undeploy(ctx context.Context, name string) error {
	b, err := s.get(name)
	if err != nil {
		return err
	}
	if b.Deleted {
		return nil
	}
	slog.Info("undeploying build", "build", name)
	return s.gateway.DeleteDeployment(ctx, b.DeploymentName)
}

// UndeployAll undeploys every build matching the filter and returns how
// many were touched.
func (s *BuildService) UndeployAll(ctx context.Context, f index.Filter) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	n := 0
	for _, b := range s.idx.Search(f) {
		if b.Deleted {
			continue
		}
		if err := s.gateway.DeleteDeployment(ctx, b.DeploymentName); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PurgeResources deletes every labeled resource of a build, bypassing
// the state machine. Used for orphan sweeps only.
func (s *BuildService) PurgeResources(ctx context.Context, name string) error {
	return s.gateway.DeleteResources(ctx, name)
}

// List returns the builds matching the filter.
func (s *BuildService) List(f index.Filter) ([]*domain.Build, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.idx.Search(f), nil
}

// Get returns one build by name.
func (s *BuildService) Get(name string) (*domain.Build, error) {
	return s.get(name)
}

// Repos lists the distinct repositories with at least one build.
func (s *BuildService) Repos() ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.idx.Repos(), nil
}

// ControllerStatus is the capacity counter snapshot served on /status.
type ControllerStatus struct {
	Deployed        int `json:"deployed"`
	MaxDeployed     int `json:"max_deployed"`
	Started         int `json:"started"`
	MaxStarted      int `json:"max_started"`
	Stopped         int `json:"stopped"`
	Failed          int `json:"failed"`
	ToInitialize    int `json:"to_initialize"`
	Initializing    int `json:"initializing"`
	MaxInitializing int `json:"max_initializing"`
	Cleaning        int `json:"cleaning"`
}

func (s *BuildService) Status() ControllerStatus {
	return ControllerStatus{
		Deployed:        s.idx.CountDeployed(),
		MaxDeployed:     s.cfg.MaxDeployed,
		Started:         s.idx.CountByStatus(domain.StatusStarted),
		MaxStarted:      s.cfg.MaxStarted,
		Stopped:         s.idx.CountByStatus(domain.StatusStopped),
		Failed:          s.idx.CountByStatus(domain.StatusFailed),
		ToInitialize:    s.idx.CountByInitStatus(domain.InitStatusTodo),
		Initializing:    s.idx.CountByInitStatus(domain.InitStatusStarted),
		MaxInitializing: s.cfg.MaxInitializing,
		Cleaning:        s.idx.CountByStatus(domain.StatusCleaning),
	}
}

// InitLog returns the log of the build's initialization job, falling
// back to Loki when the pod is gone.
func (s *BuildService) InitLog(ctx context.Context, name string, tail int64) (string, error) {
	kind := domain.JobKindInitialize
	return s.readLog(ctx, name, &kind, tail)
}

// Log returns the log of the build's runtime pod.
func (s *BuildService) Log(ctx context.Context, name string, tail int64) (string, error) {
	return s.readLog(ctx, name, nil, tail)
}

func (s *BuildService) readLog(ctx context.Context, name string, kind *domain.JobKind, tail int64) (string, error) {
	b, err := s.get(name)
	if err != nil {
		return "", err
	}
	log, err := s.gateway.ReadLog(ctx, b.Name, kind, tail)
	if err != nil {
		slog.Warn("failed to read pod log, trying loki", "build", name, "error", err)
	} else if log != "" {
		return log, nil
	}
	if s.logQuerier == nil {
		return log, err
	}
	jobKind := ""
	if kind != nil {
		jobKind = string(*kind)
	}
	start := b.Created.Add(-time.Minute)
	return s.logQuerier.QueryPodLogs(ctx, s.cfg.BuildNamespace, b.Name, jobKind, start, time.Now(), 5000)
}

func (s *BuildService) get(name string) (*domain.Build, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	b, ok := s.idx.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: build %s", domain.ErrNotFound, name)
	}
	return b, nil
}

func (s *BuildService) ensureReady() error {
	if !s.idx.Ready() {
		return fmt.Errorf("%w: build index is still warming up", domain.ErrUnavailable)
	}
	return nil
}

func (s *BuildService) requeueInit(ctx context.Context, b *domain.Build) error {
	return s.gateway.PatchAnnotations(ctx, b.DeploymentName, map[string]string{
		domain.AnnotationInitStatus:          string(domain.InitStatusTodo),
		domain.AnnotationInitStatusTimestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// BuildURL is where the running build is served.
func (s *BuildService) BuildURL(b *domain.Build) string {
	return fmt.Sprintf("http://%s.%s", b.Slug(), s.cfg.BuildDomain)
}

func (s *BuildService) notifyStatus(ctx context.Context, repo, sha string, state port.CommitState, buildName string) {
	if s.forge == nil || s.cfg.DisableCommitStatuses || s.cfg.GithubToken == "" {
		return
	}
	target := s.cfg.BaseURL + "/builds/" + buildName
	if err := s.forge.NotifyCommitStatus(ctx, repo, sha, state, target); err != nil {
		slog.Warn("failed to post commit status", "repo", repo, "sha", sha, "state", state, "error", err)
	}
}
