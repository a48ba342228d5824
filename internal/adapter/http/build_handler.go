package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/index"
	"github.com/sbidoul/runboat/internal/port"
	"github.com/sbidoul/runboat/internal/service"
)

// logTailLines is the default tail served on the log endpoints.
const logTailLines = 1000

type BuildHandler struct {
	svc   *service.BuildService
	forge port.Forge // nil when no github token is configured
}

func NewBuildHandler(svc *service.BuildService, forge port.Forge) *BuildHandler {
	return &BuildHandler{svc: svc, forge: forge}
}

func filterFromQuery(r *http.Request) index.Filter {
	f := index.Filter{
		Repo:         r.URL.Query().Get("repo"),
		TargetBranch: r.URL.Query().Get("target_branch"),
		Branch:       r.URL.Query().Get("branch"),
	}
	if raw := r.URL.Query().Get("pr"); raw != "" {
		if pr, err := strconv.Atoi(raw); err == nil {
			f.PR = pr
		}
	}
	return f
}

func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	builds, err := h.svc.List(filterFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	build, err := h.svc.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

type deployRequest struct {
	Repo         string `json:"repo"`
	TargetBranch string `json:"target_branch"`
	PR           int    `json:"pr,omitempty"`
	GitCommit    string `json:"git_commit"`
}

func (h *BuildHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}
	name, err := h.svc.Deploy(r.Context(), domain.CommitInfo{
		Repo:         req.Repo,
		TargetBranch: req.TargetBranch,
		PR:           req.PR,
		GitCommit:    req.GitCommit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"name": name})
}

func (h *BuildHandler) command(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := fn(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"name": name})
	}
}

func (h *BuildHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.command(h.svc.Start)(w, r)
}

func (h *BuildHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.command(h.svc.Stop)(w, r)
}

func (h *BuildHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.command(h.svc.Reset)(w, r)
}

func (h *BuildHandler) Undeploy(w http.ResponseWriter, r *http.Request) {
	h.command(h.svc.Undeploy)(w, r)
}

func (h *BuildHandler) UndeployAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.UndeployAll(r.Context(), filterFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"undeployed": n})
}

func (h *BuildHandler) InitLog(w http.ResponseWriter, r *http.Request) {
	h.serveLog(w, r, h.svc.InitLog)
}

func (h *BuildHandler) Log(w http.ResponseWriter, r *http.Request) {
	h.serveLog(w, r, h.svc.Log)
}

func (h *BuildHandler) serveLog(w http.ResponseWriter, r *http.Request, read func(context.Context, string, int64) (string, error)) {
	tail := int64(logTailLines)
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			tail = v
		}
	}
	log, err := read(r.Context(), chi.URLParam(r, "name"), tail)
	if err != nil {
		writeError(w, err)
		return
	}
	if log == "" {
		writeError(w, fmt.Errorf("%w: no log found", domain.ErrNotFound))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(log))
}

func (h *BuildHandler) Repos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.svc.Repos()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (h *BuildHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// TriggerBranch resolves the head of a branch on the forge and deploys
// it (no-op when the commit already has a build).
func (h *BuildHandler) TriggerBranch(w http.ResponseWriter, r *http.Request) {
	if h.forge == nil {
		writeError(w, fmt.Errorf("%w: github integration is not configured", domain.ErrRejected))
		return
	}
	repo := r.URL.Query().Get("repo")
	branch := r.URL.Query().Get("branch")
	if repo == "" || branch == "" {
		writeError(w, fmt.Errorf("%w: repo and branch are required", domain.ErrInvalidInput))
		return
	}
	ci, err := h.forge.BranchHead(r.Context(), repo, branch)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.DeployOrSkip(r.Context(), ci); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"name": ci.BuildName()})
}

// TriggerPull is TriggerBranch for a pull request.
func (h *BuildHandler) TriggerPull(w http.ResponseWriter, r *http.Request) {
	if h.forge == nil {
		writeError(w, fmt.Errorf("%w: github integration is not configured", domain.ErrRejected))
		return
	}
	repo := r.URL.Query().Get("repo")
	pr, err := strconv.Atoi(r.URL.Query().Get("pr"))
	if repo == "" || err != nil || pr <= 0 {
		writeError(w, fmt.Errorf("%w: repo and pr are required", domain.ErrInvalidInput))
		return
	}
	ci, err := h.forge.PullHead(r.Context(), repo, pr)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.DeployOrSkip(r.Context(), ci); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"name": ci.BuildName()})
}
