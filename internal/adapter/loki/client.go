// Package loki queries historical build logs through the Loki HTTP API,
// for when the pods that produced them are already gone.
package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sbidoul/runboat/internal/port"
)

var _ port.LogQuerier = (*Client)(nil)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// QueryPodLogs queries the logs of a build's pods. jobKind selects the
// initialize or cleanup job pods; empty selects the runtime pods.
func (c *Client) QueryPodLogs(ctx context.Context, namespace, buildName, jobKind string, start, end time.Time, limit int) (string, error) {
	var query string
	if jobKind != "" {
		query = fmt.Sprintf(`{namespace=%q, pod=~%q}`, namespace, buildName+"-"+jobKind+"-.*")
	} else {
		query = fmt.Sprintf(`{namespace=%q, pod=~%q, pod!~%q}`,
			namespace, buildName+"-.*", buildName+"-(initialize|cleanup)-.*")
	}
	if limit <= 0 {
		limit = 1000
	}
	if limit > 5000 {
		limit = 5000
	}

	params := url.Values{
		"query":     {query},
		"start":     {strconv.FormatInt(start.UnixNano(), 10)},
		"end":       {strconv.FormatInt(end.UnixNano(), 10)},
		"direction": {"forward"},
		"limit":     {strconv.Itoa(limit)},
	}

	reqURL := c.baseURL + "/loki/api/v1/query_range?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("loki: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("loki: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loki: unexpected status %d", resp.StatusCode)
	}

	var result queryRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("loki: decode response: %w", err)
	}
	if result.Status != "success" {
		return "", fmt.Errorf("loki: query status %q", result.Status)
	}
	return extractLogs(result.Data), nil
}

// Loki query_range response, only the fields we need.

type queryRangeResponse struct {
	Status string         `json:"status"`
	Data   queryRangeData `json:"data"`
}

type queryRangeData struct {
	ResultType string   `json:"resultType"`
	Result     []stream `json:"result"`
}

type stream struct {
	Values [][]string `json:"values"` // [[timestamp_ns, line], ...]
}

type logEntry struct {
	ts   string
	line string
}

// extractLogs merges all streams, ordered by timestamp.
func extractLogs(data queryRangeData) string {
	var entries []logEntry
	for _, s := range data.Result {
		for _, v := range s.Values {
			if len(v) >= 2 {
				entries = append(entries, logEntry{ts: v[0], line: v[1]})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ts < entries[j].ts
	})

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.line)
		b.WriteByte('\n')
	}
	return b.String()
}
