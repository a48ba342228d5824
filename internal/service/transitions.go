package service

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/port"
)

// The transitions below are invoked by the controller reconcilers, not
// by user commands. They mutate the cluster only; the index catches up
// through the watch stream.

// MaxCleanupAttempts bounds cleanup retries before escalating.
const MaxCleanupAttempts = 3

// Initialize admits a build for initialization: the init-status patch
// acts as a lease against concurrent controllers, then the one-shot
// init job is created. Leftovers of a previous attempt are removed
// first.
func (s *BuildService) Initialize(ctx context.Context, b *domain.Build) error {
	slog.Info("initializing build", "build", b.Name)
	if err := s.gateway.PatchAnnotations(ctx, b.DeploymentName, map[string]string{
		domain.AnnotationInitStatus:          string(domain.InitStatusStarted),
		domain.AnnotationInitStatusTimestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := s.gateway.KillJobs(ctx, b.Name, domain.JobKindInitialize); err != nil {
		return err
	}
	recipe, kubefilesPath := s.recipeFor(b)
	vars := s.deploymentVars(port.ModeInitialize, commitInfoOf(b), b.Name, recipe)
	if err := s.gateway.ApplyBundle(ctx, kubefilesPath, vars); err != nil {
		return err
	}
	s.notifyStatus(ctx, b.Repo, b.GitCommit, port.CommitStatePending, b.Name)
	return nil
}

// OnInitializeSucceeded records success and starts the fresh build once.
// Subsequent lifecycle is user-driven.
func (s *BuildService) OnInitializeSucceeded(ctx context.Context, b *domain.Build) error {
	slog.Info("build initialization succeeded", "build", b.Name)
	if err := s.gateway.PatchAnnotations(ctx, b.DeploymentName, map[string]string{
		domain.AnnotationInitStatus: string(domain.InitStatusSucceeded),
	}); err != nil {
		return err
	}
	if err := s.gateway.Scale(ctx, b.DeploymentName, 1); err != nil {
		return err
	}
	s.notifyStatus(ctx, b.Repo, b.GitCommit, port.CommitStateSuccess, b.Name)
	return nil
}

// OnInitializeFailed records failure and leaves the build for user
// action (start retries initialization).
func (s *BuildService) OnInitializeFailed(ctx context.Context, b *domain.Build) error {
	slog.Warn("build initialization failed", "build", b.Name)
	if err := s.gateway.PatchAnnotations(ctx, b.DeploymentName, map[string]string{
		domain.AnnotationInitStatus: string(domain.InitStatusFailed),
	}); err != nil {
		return err
	}
	if err := s.gateway.Scale(ctx, b.DeploymentName, 0); err != nil {
		return err
	}
	s.notifyStatus(ctx, b.Repo, b.GitCommit, port.CommitStateFailure, b.Name)
	return nil
}

// Cleanup creates the cleanup job for a build marked for deletion.
func (s *BuildService) Cleanup(ctx context.Context, b *domain.Build) error {
	slog.Info("starting cleanup of build", "build", b.Name)
	recipe, kubefilesPath := s.recipeFor(b)
	vars := s.deploymentVars(port.ModeCleanup, commitInfoOf(b), b.Name, recipe)
	return s.gateway.ApplyBundle(ctx, kubefilesPath, vars)
}

// OnCleanupSucceeded deletes every labeled resource of the build and
// releases the finalizer, letting the deployment finally go away.
func (s *BuildService) OnCleanupSucceeded(ctx context.Context, b *domain.Build) error {
	slog.Info("build cleanup succeeded, deleting resources", "build", b.Name)
	if err := s.gateway.DeleteResources(ctx, b.Name); err != nil {
		return err
	}
	return s.gateway.RemoveFinalizer(ctx, b.DeploymentName, domain.CleanupFinalizer)
}

// OnCleanupFailed retries cleanup a bounded number of times by removing
// the failed job (the deletion driver recreates it), then escalates.
func (s *BuildService) OnCleanupFailed(ctx context.Context, b *domain.Build, attempts int) error {
	if attempts >= MaxCleanupAttempts {
		slog.Error("build cleanup failed repeatedly, manual intervention required",
			"build", b.Name, "attempts", attempts)
		// Bump the counter past the limit so the escalation is logged
		// once, not on every reconciliation pass.
		return s.gateway.PatchAnnotations(ctx, b.DeploymentName, map[string]string{
			domain.AnnotationCleanupAttempts: strconv.Itoa(attempts + 1),
		})
	}
	slog.Warn("build cleanup failed, retrying", "build", b.Name, "attempt", attempts+1)
	if err := s.gateway.PatchAnnotations(ctx, b.DeploymentName, map[string]string{
		domain.AnnotationCleanupAttempts: strconv.Itoa(attempts + 1),
	}); err != nil {
		return err
	}
	return s.gateway.KillJobs(ctx, b.Name, domain.JobKindCleanup)
}

// recipeFor re-resolves the build's recipe from the current rules. A
// build whose rule has since been removed keeps working with its
// original image and the default kubefiles.
func (s *BuildService) recipeFor(b *domain.Build) (domain.BuildRecipe, string) {
	if recipe, ok := s.matcher.Match(b.Repo, b.TargetBranch); ok {
		return recipe, recipe.KubefilesPath
	}
	slog.Warn("build matches no rule anymore, using its current image", "build", b.Name)
	return domain.BuildRecipe{Image: b.Image}, ""
}

func commitInfoOf(b *domain.Build) domain.CommitInfo {
	return domain.CommitInfo{
		Repo:         b.Repo,
		TargetBranch: b.TargetBranch,
		PR:           b.PR,
		GitCommit:    b.GitCommit,
	}
}

// deploymentVars assembles the rendering context: global env bags
// extended by the rule's own.
func (s *BuildService) deploymentVars(mode port.DeploymentMode, ci domain.CommitInfo, name string, recipe domain.BuildRecipe) port.DeploymentVars {
	imageName, imageTag := splitImageNameTag(recipe.Image)
	return port.DeploymentVars{
		Mode:              mode,
		Namespace:         s.cfg.BuildNamespace,
		BuildName:         name,
		BuildSlug:         name,
		BuildDomain:       s.cfg.BuildDomain,
		Repo:              ci.Repo,
		TargetBranch:      ci.TargetBranch,
		PR:                ci.PR,
		GitCommit:         ci.GitCommit,
		ImageName:         imageName,
		ImageTag:          imageTag,
		BuildEnv:          mergeMaps(s.cfg.BuildEnv, recipe.Env),
		BuildSecretEnv:    mergeMaps(s.cfg.BuildSecretEnv, recipe.SecretEnv),
		BuildTemplateVars: mergeMaps(s.cfg.BuildTemplateVars, recipe.TemplateVars),
	}
}

func splitImageNameTag(image string) (string, string) {
	name, tag, found := strings.Cut(image, ":")
	if !found || tag == "" {
		tag = "latest"
	}
	return name, tag
}

func mergeMaps(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
