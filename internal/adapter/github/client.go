// Package github talks to the GitHub REST API: resolving branch and
// pull request heads for triggers, and posting commit statuses.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/port"
)

const (
	defaultBaseURL = "https://api.github.com"
	acceptHeader   = "application/vnd.github.v3+json"

	// statusContext identifies our statuses among other CI contexts.
	statusContext = "runboat/build"
)

var _ port.Forge = (*Client)(nil)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a GitHub API client. An empty token is allowed:
// requests then run unauthenticated (with GitHub's low rate limit).
func NewClient(token string) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) request(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", acceptHeader)
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: github: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: github: %s %s", domain.ErrNotFound, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: github: %s %s returned %d", domain.ErrUpstream, method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: github: decode response: %v", domain.ErrUpstream, err)
		}
	}
	return nil
}

// BranchHead resolves the head commit of a branch.
func (c *Client) BranchHead(ctx context.Context, repo, branch string) (domain.CommitInfo, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/git/ref/heads/%s", repo, branch), nil, &ref); err != nil {
		return domain.CommitInfo{}, err
	}
	return domain.CommitInfo{
		Repo:         domain.NormalizeRepo(repo),
		TargetBranch: branch,
		GitCommit:    ref.Object.SHA,
	}, nil
}

// PullHead resolves the head commit and base branch of a pull request.
func (c *Client) PullHead(ctx context.Context, repo string, pr int) (domain.CommitInfo, error) {
	var pull struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	}
	if err := c.request(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repo, pr), nil, &pull); err != nil {
		return domain.CommitInfo{}, err
	}
	return domain.CommitInfo{
		Repo:         domain.NormalizeRepo(repo),
		TargetBranch: pull.Base.Ref,
		PR:           pr,
		GitCommit:    pull.Head.SHA,
	}, nil
}

// NotifyCommitStatus posts a commit status with a backlink to the build.
func (c *Client) NotifyCommitStatus(ctx context.Context, repo, sha string, state port.CommitState, targetURL string) error {
	body := map[string]any{
		"state":   string(state),
		"context": statusContext,
	}
	if targetURL != "" {
		body["target_url"] = targetURL
	}
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/statuses/%s", repo, sha), body, nil)
}
