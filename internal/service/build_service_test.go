package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sbidoul/runboat/internal/config"
	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/index"
	"github.com/sbidoul/runboat/internal/port"
)

const testSHA = "aaaaaaaaaabbbbbbbbbbccccccccccdddddddddd"

// stubGateway records cluster mutations.
type stubGateway struct {
	applied     []port.DeploymentVars
	scaled      map[string]int32
	annotations map[string]map[string]string
	deleted     []string
	purged      []string
	killedJobs  []string
	failWith    error
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		scaled:      map[string]int32{},
		annotations: map[string]map[string]string{},
	}
}

func (g *stubGateway) ApplyBundle(_ context.Context, _ string, vars port.DeploymentVars) error {
	if g.failWith != nil {
		return g.failWith
	}
	g.applied = append(g.applied, vars)
	return nil
}

func (g *stubGateway) PatchAnnotations(_ context.Context, name string, ann map[string]string) error {
	if g.failWith != nil {
		return g.failWith
	}
	if g.annotations[name] == nil {
		g.annotations[name] = map[string]string{}
	}
	for k, v := range ann {
		g.annotations[name][k] = v
	}
	return nil
}

func (g *stubGateway) Scale(_ context.Context, name string, replicas int32) error {
	if g.failWith != nil {
		return g.failWith
	}
	g.scaled[name] = replicas
	return nil
}

func (g *stubGateway) DeleteDeployment(_ context.Context, name string) error {
	g.deleted = append(g.deleted, name)
	return nil
}

func (g *stubGateway) DeleteResources(_ context.Context, name string) error {
	g.purged = append(g.purged, name)
	return nil
}

func (g *stubGateway) RemoveFinalizer(_ context.Context, name, finalizer string) error {
	return nil
}

func (g *stubGateway) KillJobs(_ context.Context, name string, kind domain.JobKind) error {
	g.killedJobs = append(g.killedJobs, name+"/"+string(kind))
	return nil
}

func (g *stubGateway) ReadLog(context.Context, string, *domain.JobKind, int64) (string, error) {
	return "", nil
}

func testConfig() *config.Config {
	return &config.Config{
		BuildNamespace:  "runboat-builds",
		BuildDomain:     "builds.example.com",
		MaxInitializing: 2,
		MaxStarted:      2,
		MaxDeployed:     4,
		BaseURL:         "http://runboat.example.com",
	}
}

func testMatcher(t *testing.T) *domain.Matcher {
	t.Helper()
	rule, err := domain.NewRepoRule("acme/svc", "main|1[56]\\.0", domain.BuildRecipe{Image: "img:1"})
	if err != nil {
		t.Fatal(err)
	}
	return domain.NewMatcher([]domain.RepoRule{rule})
}

func testService(t *testing.T) (*BuildService, *stubGateway, *index.Index) {
	t.Helper()
	gw := newStubGateway()
	idx := index.New()
	idx.MarkReady()
	svc := NewBuildService(testConfig(), testMatcher(t), gw, idx, nil, nil)
	return svc, gw, idx
}

func addBuild(idx *index.Index, name string, status domain.BuildStatus, init domain.InitStatus) *domain.Build {
	b := &domain.Build{
		Name:           name,
		DeploymentName: name,
		Repo:           "acme/svc",
		TargetBranch:   "main",
		GitCommit:      testSHA,
		Image:          "img:1",
		InitStatus:     init,
		Status:         status,
		Created:        time.Now(),
		LastScaled:     time.Now(),
	}
	idx.Upsert(b)
	return b
}

func TestDeploy(t *testing.T) {
	svc, gw, _ := testService(t)

	name, err := svc.Deploy(context.Background(), domain.CommitInfo{
		Repo:         "ACME/svc", // repo is normalized
		TargetBranch: "main",
		GitCommit:    testSHA,
	})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if name != domain.BuildName("acme/svc", "main", 0, testSHA) {
		t.Errorf("Deploy() name = %q", name)
	}
	if len(gw.applied) != 1 {
		t.Fatalf("applied %d bundles, want 1", len(gw.applied))
	}
	vars := gw.applied[0]
	if vars.Mode != port.ModeDeployment || vars.ImageName != "img" || vars.ImageTag != "1" {
		t.Errorf("deployment vars = %+v", vars)
	}
}

func TestDeployRejected(t *testing.T) {
	svc, _, _ := testService(t)
	_, err := svc.Deploy(context.Background(), domain.CommitInfo{
		Repo:         "other/repo",
		TargetBranch: "main",
		GitCommit:    testSHA,
	})
	if !errors.Is(err, domain.ErrRejected) {
		t.Errorf("Deploy() error = %v, want ErrRejected", err)
	}
	_, err = svc.Deploy(context.Background(), domain.CommitInfo{
		Repo:         "acme/svc",
		TargetBranch: "unsupported-branch",
		GitCommit:    testSHA,
	})
	if !errors.Is(err, domain.ErrRejected) {
		t.Errorf("Deploy() error = %v, want ErrRejected", err)
	}
}

func TestDeployDuplicateConflicts(t *testing.T) {
	svc, _, idx := testService(t)
	name := domain.BuildName("acme/svc", "main", 0, testSHA)
	addBuild(idx, name, domain.StatusTodo, domain.InitStatusTodo)

	_, err := svc.Deploy(context.Background(), domain.CommitInfo{
		Repo:         "acme/svc",
		TargetBranch: "main",
		GitCommit:    testSHA,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Deploy() error = %v, want ErrConflict", err)
	}

	// The webhook path treats the duplicate as a no-op.
	if err := svc.DeployOrSkip(context.Background(), domain.CommitInfo{
		Repo:         "acme/svc",
		TargetBranch: "main",
		GitCommit:    testSHA,
	}); err != nil {
		t.Errorf("DeployOrSkip() error = %v, want nil", err)
	}
}

func TestDeployUnavailableBeforeSync(t *testing.T) {
	gw := newStubGateway()
	idx := index.New() // not ready
	svc := NewBuildService(testConfig(), testMatcher(t), gw, idx, nil, nil)

	_, err := svc.Deploy(context.Background(), domain.CommitInfo{
		Repo:         "acme/svc",
		TargetBranch: "main",
		GitCommit:    testSHA,
	})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Deploy() error = %v, want ErrUnavailable", err)
	}
	if _, err := svc.List(index.Filter{}); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("List() error = %v, want ErrUnavailable", err)
	}
}

func TestStart(t *testing.T) {
	tests := []struct {
		name        string
		status      domain.BuildStatus
		init        domain.InitStatus
		wantScale   bool
		wantRequeue bool
		wantErr     error
	}{
		{"stopped scales up", domain.StatusStopped, domain.InitStatusSucceeded, true, false, nil},
		{"failed requeues init", domain.StatusFailed, domain.InitStatusFailed, false, true, nil},
		{"todo is a no-op", domain.StatusTodo, domain.InitStatusTodo, false, false, nil},
		{"initializing is a no-op", domain.StatusInitializing, domain.InitStatusStarted, false, false, nil},
		{"started is a no-op", domain.StatusStarted, domain.InitStatusSucceeded, false, false, nil},
		{"cleaning conflicts", domain.StatusCleaning, domain.InitStatusSucceeded, false, false, domain.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, gw, idx := testService(t)
			addBuild(idx, "b1", tt.status, tt.init)

			err := svc.Start(context.Background(), "b1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if scaled := gw.scaled["b1"]; (scaled == 1) != tt.wantScale {
				t.Errorf("scaled = %v, wantScale %v", gw.scaled, tt.wantScale)
			}
			requeued := gw.annotations["b1"][domain.AnnotationInitStatus] == string(domain.InitStatusTodo)
			if requeued != tt.wantRequeue {
				t.Errorf("requeued = %v, want %v", requeued, tt.wantRequeue)
			}
		})
	}
}

func TestStartUnknownBuild(t *testing.T) {
	svc, _, _ := testService(t)
	if err := svc.Start(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Start() error = %v, want ErrNotFound", err)
	}
}

func TestStopAndReset(t *testing.T) {
	svc, gw, idx := testService(t)
	addBuild(idx, "b1", domain.StatusStarted, domain.InitStatusSucceeded)

	if err := svc.Stop(context.Background(), "b1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if gw.scaled["b1"] != 0 {
		t.Errorf("Stop() scaled to %d, want 0", gw.scaled["b1"])
	}

	if err := svc.Reset(context.Background(), "b1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if gw.annotations["b1"][domain.AnnotationInitStatus] != string(domain.InitStatusTodo) {
		t.Error("Reset() did not requeue initialization")
	}
}

func TestUndeployIdempotent(t *testing.T) {
	svc, gw, idx := testService(t)
	addBuild(idx, "b1", domain.StatusStarted, domain.InitStatusSucceeded)

	if err := svc.Undeploy(context.Background(), "b1"); err != nil {
		t.Fatalf("Undeploy() error = %v", err)
	}
	if len(gw.deleted) != 1 {
		t.Fatalf("deleted %v, want [b1]", gw.deleted)
	}

	// Once the deletion timestamp is visible, a repeat is a no-op.
	b, _ := idx.Get("b1")
	b.Deleted = true
	b.Derive()
	idx.Upsert(b)
	if err := svc.Undeploy(context.Background(), "b1"); err != nil {
		t.Fatalf("repeat Undeploy() error = %v", err)
	}
	if len(gw.deleted) != 1 {
		t.Errorf("repeat Undeploy() deleted again: %v", gw.deleted)
	}
}

func TestUndeployAll(t *testing.T) {
	svc, gw, idx := testService(t)
	addBuild(idx, "b1", domain.StatusStopped, domain.InitStatusSucceeded)
	b2 := addBuild(idx, "b2", domain.StatusStopped, domain.InitStatusSucceeded)
	b2.PR = 7
	b2.GitCommit = "bbbbbbbbbbccccccccccddddddddddeeeeeeeeee"
	idx.Upsert(b2)
	other := addBuild(idx, "b3", domain.StatusStopped, domain.InitStatusSucceeded)
	other.Repo = "other/repo"
	other.GitCommit = "cccccccccc" + testSHA[10:]
	idx.Upsert(other)

	n, err := svc.UndeployAll(context.Background(), index.Filter{Repo: "acme/svc", PR: 7})
	if err != nil {
		t.Fatalf("UndeployAll() error = %v", err)
	}
	if n != 1 || len(gw.deleted) != 1 || gw.deleted[0] != "b2" {
		t.Errorf("UndeployAll(pr=7) deleted %v, want [b2]", gw.deleted)
	}
}

func TestInitializeTransition(t *testing.T) {
	svc, gw, idx := testService(t)
	b := addBuild(idx, "b1", domain.StatusTodo, domain.InitStatusTodo)

	if err := svc.Initialize(context.Background(), b); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if gw.annotations["b1"][domain.AnnotationInitStatus] != string(domain.InitStatusStarted) {
		t.Error("Initialize() did not mark init-status=started")
	}
	if gw.annotations["b1"][domain.AnnotationInitStatusTimestamp] == "" {
		t.Error("Initialize() did not stamp the init status")
	}
	if len(gw.killedJobs) != 1 || gw.killedJobs[0] != "b1/initialize" {
		t.Errorf("killed jobs = %v, want [b1/initialize]", gw.killedJobs)
	}
	if len(gw.applied) != 1 || gw.applied[0].Mode != port.ModeInitialize {
		t.Fatalf("applied = %+v, want one initialize bundle", gw.applied)
	}
}

func TestInitOutcomeTransitions(t *testing.T) {
	svc, gw, idx := testService(t)
	b := addBuild(idx, "b1", domain.StatusInitializing, domain.InitStatusStarted)

	if err := svc.OnInitializeSucceeded(context.Background(), b); err != nil {
		t.Fatalf("OnInitializeSucceeded() error = %v", err)
	}
	if gw.annotations["b1"][domain.AnnotationInitStatus] != string(domain.InitStatusSucceeded) {
		t.Error("init-status not patched to succeeded")
	}
	if gw.scaled["b1"] != 1 {
		t.Error("fresh build was not auto-started")
	}

	gw2 := newStubGateway()
	svc2 := NewBuildService(testConfig(), testMatcher(t), gw2, idx, nil, nil)
	if err := svc2.OnInitializeFailed(context.Background(), b); err != nil {
		t.Fatalf("OnInitializeFailed() error = %v", err)
	}
	if gw2.annotations["b1"][domain.AnnotationInitStatus] != string(domain.InitStatusFailed) {
		t.Error("init-status not patched to failed")
	}
	if v, ok := gw2.scaled["b1"]; !ok || v != 0 {
		t.Error("failed build was not scaled to zero")
	}
}

func TestCleanupTransitions(t *testing.T) {
	svc, gw, idx := testService(t)
	b := addBuild(idx, "b1", domain.StatusCleaning, domain.InitStatusSucceeded)
	b.Deleted = true

	if err := svc.Cleanup(context.Background(), b); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if len(gw.applied) != 1 || gw.applied[0].Mode != port.ModeCleanup {
		t.Fatalf("applied = %+v, want one cleanup bundle", gw.applied)
	}

	if err := svc.OnCleanupSucceeded(context.Background(), b); err != nil {
		t.Fatalf("OnCleanupSucceeded() error = %v", err)
	}
	if len(gw.purged) != 1 || gw.purged[0] != "b1" {
		t.Errorf("purged = %v, want [b1]", gw.purged)
	}
}

func TestCleanupRetryBounded(t *testing.T) {
	svc, gw, idx := testService(t)
	b := addBuild(idx, "b1", domain.StatusCleaning, domain.InitStatusSucceeded)

	if err := svc.OnCleanupFailed(context.Background(), b, 0); err != nil {
		t.Fatalf("OnCleanupFailed() error = %v", err)
	}
	if gw.annotations["b1"][domain.AnnotationCleanupAttempts] != "1" {
		t.Errorf("attempts annotation = %v", gw.annotations["b1"])
	}
	if len(gw.killedJobs) != 1 {
		t.Errorf("killed jobs = %v, want the failed cleanup job", gw.killedJobs)
	}

	// At the limit: escalates, does not kill the job again.
	if err := svc.OnCleanupFailed(context.Background(), b, MaxCleanupAttempts); err != nil {
		t.Fatalf("OnCleanupFailed(max) error = %v", err)
	}
	if len(gw.killedJobs) != 1 {
		t.Errorf("escalation still killed jobs: %v", gw.killedJobs)
	}
	if gw.annotations["b1"][domain.AnnotationCleanupAttempts] != fmt.Sprint(MaxCleanupAttempts+1) {
		t.Errorf("escalation did not bump attempts: %v", gw.annotations["b1"])
	}
}

func TestStatusCounters(t *testing.T) {
	svc, _, idx := testService(t)
	addBuild(idx, "b1", domain.StatusStarted, domain.InitStatusSucceeded)
	b2 := addBuild(idx, "b2", domain.StatusCleaning, domain.InitStatusSucceeded)
	b2.GitCommit = "bbbbbbbbbbccccccccccddddddddddeeeeeeeeee"
	idx.Upsert(b2)

	st := svc.Status()
	if st.Started != 1 || st.Cleaning != 1 || st.Deployed != 1 {
		t.Errorf("Status() = %+v", st)
	}
	if st.MaxStarted != 2 || st.MaxDeployed != 4 || st.MaxInitializing != 2 {
		t.Errorf("Status() limits = %+v", st)
	}
}
