package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sbidoul/runboat/internal/domain"
)

// EventKind classifies what a webhook payload asks of the controller.
type EventKind string

const (
	// EventDeploy requests a build for Commit.
	EventDeploy EventKind = "deploy"
	// EventUndeploy requests undeployment of the builds matching
	// Repo and Branch or PR (branch deleted, pull request closed).
	EventUndeploy EventKind = "undeploy"
	// EventIgnore is everything else.
	EventIgnore EventKind = "ignore"
)

// Event is the distilled form of a webhook payload.
type Event struct {
	Kind   EventKind
	Commit domain.CommitInfo
	Repo   string
	Branch string
	PR     int
}

// zeroSHA is the "after" sha of a branch deletion push.
const zeroSHA = "0000000000000000000000000000000000000000"

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// body. Constant-time, like the basic auth check.
func VerifySignature(secret, body []byte, signatureHeader string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return fmt.Errorf("%w: missing or malformed webhook signature", domain.ErrUnauthorized)
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, prefix))
	if err != nil {
		return fmt.Errorf("%w: malformed webhook signature", domain.ErrUnauthorized)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), provided) != 1 {
		return fmt.Errorf("%w: webhook signature mismatch", domain.ErrUnauthorized)
	}
	return nil
}

type pushPayload struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

type pullRequestPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

// ParseEvent turns a GitHub event (X-GitHub-Event header plus payload)
// into an Event. Unknown event types and irrelevant actions are
// EventIgnore, never an error: webhooks deliver far more than we use.
func ParseEvent(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case "push":
		var p pushPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("%w: malformed push payload: %v", domain.ErrInvalidInput, err)
		}
		repo := domain.NormalizeRepo(p.Repository.FullName)
		branch := strings.TrimPrefix(p.Ref, "refs/heads/")
		if repo == "" || branch == p.Ref {
			return Event{Kind: EventIgnore}, nil
		}
		if p.Deleted || p.After == zeroSHA {
			return Event{Kind: EventUndeploy, Repo: repo, Branch: branch}, nil
		}
		return Event{
			Kind: EventDeploy,
			Commit: domain.CommitInfo{
				Repo:         repo,
				TargetBranch: branch,
				GitCommit:    p.After,
			},
		}, nil

	case "pull_request":
		var p pullRequestPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("%w: malformed pull_request payload: %v", domain.ErrInvalidInput, err)
		}
		repo := domain.NormalizeRepo(p.Repository.FullName)
		if repo == "" || p.PullRequest.Number == 0 {
			return Event{Kind: EventIgnore}, nil
		}
		switch p.Action {
		case "opened", "synchronize", "reopened":
			return Event{
				Kind: EventDeploy,
				Commit: domain.CommitInfo{
					Repo:         repo,
					TargetBranch: p.PullRequest.Base.Ref,
					PR:           p.PullRequest.Number,
					GitCommit:    p.PullRequest.Head.SHA,
				},
			}, nil
		case "closed":
			return Event{Kind: EventUndeploy, Repo: repo, PR: p.PullRequest.Number}, nil
		}
		return Event{Kind: EventIgnore}, nil
	}
	return Event{Kind: EventIgnore}, nil
}
