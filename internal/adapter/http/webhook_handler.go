package http

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/sbidoul/runboat/internal/adapter/github"
	"github.com/sbidoul/runboat/internal/index"
	"github.com/sbidoul/runboat/internal/service"
)

// WebhookHandler ingests GitHub webhooks. With a secret configured the
// HMAC signature is verified; without one the endpoint is open (a
// documented deployment risk). Delivery is at-least-once: duplicate
// deploys are no-ops.
type WebhookHandler struct {
	svc    *service.BuildService
	secret []byte
}

func NewWebhookHandler(svc *service.BuildService, secret string) *WebhookHandler {
	var secretBytes []byte
	if secret != "" {
		secretBytes = []byte(secret)
	}
	return &WebhookHandler{svc: svc, secret: secretBytes}
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	// The raw body is needed for HMAC verification.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}
	if h.secret != nil {
		if err := github.VerifySignature(h.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			slog.Warn("webhook signature verification failed", "remote_addr", r.RemoteAddr)
			writeError(w, err)
			return
		}
	}

	event, err := github.ParseEvent(r.Header.Get("X-GitHub-Event"), body)
	if err != nil {
		writeError(w, err)
		return
	}

	switch event.Kind {
	case github.EventDeploy:
		// Filter irrelevant events before touching the cluster.
		if !h.svc.Supported(event.Commit.Repo, event.Commit.TargetBranch) {
			break
		}
		if err := h.svc.DeployOrSkip(r.Context(), event.Commit); err != nil {
			slog.Error("webhook deploy failed",
				"repo", event.Commit.Repo, "target_branch", event.Commit.TargetBranch,
				"pr", event.Commit.PR, "error", err)
		}
	case github.EventUndeploy:
		f := index.Filter{Repo: event.Repo, PR: event.PR}
		if event.PR == 0 {
			f.Branch = event.Branch
		}
		if _, err := h.svc.UndeployAll(r.Context(), f); err != nil {
			slog.Error("webhook undeploy failed", "repo", event.Repo, "pr", event.PR, "error", err)
		}
	}
	// Always 200: GitHub retries non-2xx deliveries and a retry will
	// not fare better for events we chose to ignore.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
