package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sbidoul/runboat/internal/bus"
	"github.com/sbidoul/runboat/internal/config"
	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/index"
	"github.com/sbidoul/runboat/internal/port"
	"github.com/sbidoul/runboat/internal/service"
)

const testSHA = "aaaaaaaaaabbbbbbbbbbccccccccccdddddddddd"

func testHandler(t *testing.T, ready bool) (http.Handler, *index.Index) {
	t.Helper()
	cfg := &config.Config{
		BuildNamespace:  "runboat-builds",
		BuildDomain:     "builds.example.com",
		MaxInitializing: 2,
		MaxStarted:      2,
		MaxDeployed:     4,
	}
	rule, err := domain.NewRepoRule("acme/svc", "main", domain.BuildRecipe{Image: "img:1"})
	if err != nil {
		t.Fatal(err)
	}
	idx := index.New()
	if ready {
		idx.MarkReady()
	}
	svc := service.NewBuildService(cfg, domain.NewMatcher([]domain.RepoRule{rule}), nopGateway{}, idx, nil, nil)
	return NewRouter(
		NewBuildHandler(svc, nil),
		NewWebhookHandler(svc, ""),
		NewEventsHandler(svc, bus.New()),
		"admin", "hunter2",
	), idx
}

func addBuild(idx *index.Index, name string, status domain.BuildStatus) {
	idx.Upsert(&domain.Build{
		Name:           name,
		DeploymentName: name,
		Repo:           "acme/svc",
		TargetBranch:   "main",
		GitCommit:      testSHA,
		InitStatus:     domain.InitStatusSucceeded,
		Status:         status,
		Created:        time.Now(),
		LastScaled:     time.Now(),
	})
}

func TestHealthz(t *testing.T) {
	h, _ := testHandler(t, true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
}

func TestListBuilds(t *testing.T) {
	h, idx := testHandler(t, true)
	addBuild(idx, "b1", domain.StatusStarted)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/builds", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/builds = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"b1"`) {
		t.Errorf("body = %s, want it to list b1", rec.Body.String())
	}
}

func TestListBuildsUnavailableWhileWarming(t *testing.T) {
	h, _ := testHandler(t, false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/builds", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/v1/builds while warming = %d, want 503", rec.Code)
	}
}

func TestGetBuildNotFound(t *testing.T) {
	h, _ := testHandler(t, true)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/builds/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET missing build = %d, want 404", rec.Code)
	}
}

func TestMutatingRoutesRequireCredential(t *testing.T) {
	h, idx := testHandler(t, true)
	addBuild(idx, "b1", domain.StatusStopped)

	paths := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/v1/builds"},
		{http.MethodPost, "/api/v1/builds/b1/start"},
		{http.MethodPost, "/api/v1/builds/b1/stop"},
		{http.MethodPost, "/api/v1/builds/b1/reset"},
		{http.MethodPost, "/api/v1/builds/b1/undeploy"},
		{http.MethodDelete, "/api/v1/builds/b1"},
		{http.MethodDelete, "/api/v1/builds"},
	}
	for _, p := range paths {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(p.method, p.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without credential = %d, want 401", p.method, p.path, rec.Code)
		}

		rec = httptest.NewRecorder()
		req := httptest.NewRequest(p.method, p.path, nil)
		req.SetBasicAuth("admin", "wrong")
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad credential = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestDeployEndpoint(t *testing.T) {
	h, _ := testHandler(t, true)

	body := `{"repo": "acme/svc", "target_branch": "main", "git_commit": "` + testSHA + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(body))
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/v1/builds = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestDeployEndpointRejectsUnknownRepo(t *testing.T) {
	h, _ := testHandler(t, true)

	body := `{"repo": "other/repo", "target_branch": "main", "git_commit": "` + testSHA + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(body))
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST unsupported repo = %d, want 400", rec.Code)
	}
}

func TestDeployEndpointDuplicate(t *testing.T) {
	h, idx := testHandler(t, true)
	addBuild(idx, domain.BuildName("acme/svc", "main", 0, testSHA), domain.StatusStarted)

	body := `{"repo": "acme/svc", "target_branch": "main", "git_commit": "` + testSHA + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(body))
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate POST /api/v1/builds = %d, want 409", rec.Code)
	}
}

func TestCommandEndpoint(t *testing.T) {
	h, idx := testHandler(t, true)
	addBuild(idx, "b1", domain.StatusStopped)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds/b1/start", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("POST start = %d, want 202", rec.Code)
	}
}

func TestTriggerEndpointsWithoutForge(t *testing.T) {
	h, _ := testHandler(t, true) // no github integration configured

	for _, path := range []string{
		"/api/v1/builds/trigger/branch?repo=acme/svc&branch=main",
		"/api/v1/builds/trigger/pr?repo=acme/svc&pr=42",
	} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.SetBasicAuth("admin", "hunter2")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400 when github is not configured", path, rec.Code)
		}
	}
}

func TestWebhookEndpointIsOpenWithoutSecret(t *testing.T) {
	h, _ := testHandler(t, true)
	payload := `{
		"repository": {"full_name": "acme/svc"},
		"ref": "refs/heads/main",
		"after": "` + testSHA + `"
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", strings.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("POST webhook = %d, want 200", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h, idx := testHandler(t, true)
	addBuild(idx, "b1", domain.StatusStarted)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"started":1`) {
		t.Errorf("status body = %s", rec.Body.String())
	}
}

// nopGateway satisfies the gateway port for handler tests that never
// need to observe cluster effects.
type nopGateway struct{}

func (nopGateway) ApplyBundle(context.Context, string, port.DeploymentVars) error { return nil }
func (nopGateway) PatchAnnotations(context.Context, string, map[string]string) error {
	return nil
}
func (nopGateway) Scale(context.Context, string, int32) error            { return nil }
func (nopGateway) DeleteDeployment(context.Context, string) error        { return nil }
func (nopGateway) DeleteResources(context.Context, string) error         { return nil }
func (nopGateway) RemoveFinalizer(context.Context, string, string) error { return nil }
func (nopGateway) KillJobs(context.Context, string, domain.JobKind) error {
	return nil
}
func (nopGateway) ReadLog(context.Context, string, *domain.JobKind, int64) (string, error) {
	return "", nil
}
