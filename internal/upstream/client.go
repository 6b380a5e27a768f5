// internal/upstream/client.go
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"repo-activity-chart/internal/apperr"
	"repo-activity-chart/internal/model"
)

// RepositoryInfo is the subset of upstream repository metadata the History
// Service needs to bound a new repository's discovery interval.
type RepositoryInfo struct {
	CreatedAt  time.Time
	TotalIssues int
	TotalPRs    int
}

// RateLimitInfo mirrors the upstream rateLimit{remaining, resetAt} field.
type RateLimitInfo struct {
	Remaining int
	ResetAt   time.Time
}

// Client is a GraphQL batching client over the upstream search API. It
// translates lists of probe dates into a single aliased document per call,
// respecting a hard per-call batch ceiling.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger
	maxBatch   int

	requestCount atomic.Int64
	lastRemain   atomic.Int64
	lastReset    atomic.Int64 // unix seconds
}

// NewClient builds a bearer-token-authenticated HTTP client for the
// GraphQL endpoint.
func NewClient(token, endpoint string, maxBatch int, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		httpClient: tc,
		endpoint:   endpoint,
		logger:     logger,
		maxBatch:   maxBatch,
	}
}

// RequestCount returns the number of upstream calls made so far (observability).
func (c *Client) RequestCount() int64 {
	return c.requestCount.Load()
}

// RateLimit returns the most recently observed rate-limit state.
func (c *Client) RateLimit() RateLimitInfo {
	return RateLimitInfo{
		Remaining: int(c.lastRemain.Load()),
		ResetAt:   time.Unix(c.lastReset.Load(), 0).UTC(),
	}
}

type gqlRequest struct {
	Query string `json:"query"`
}

type gqlError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// RepositoryInfo fetches creation time and rough item totals for a repo.
func (c *Client) RepositoryInfo(ctx context.Context, owner, name string) (*RepositoryInfo, error) {
	query := fmt.Sprintf(`query {
  repository(owner: "%s", name: "%s") {
    createdAt
    issues { totalCount }
    pullRequests { totalCount }
  }
  rateLimit { remaining resetAt }
}`, escapeGraphQLString(owner), escapeGraphQLString(name))

	var body struct {
		Repository *struct {
			CreatedAt    time.Time `json:"createdAt"`
			Issues       struct{ TotalCount int } `json:"issues"`
			PullRequests struct{ TotalCount int } `json:"pullRequests"`
		} `json:"repository"`
		RateLimit *struct {
			Remaining int       `json:"remaining"`
			ResetAt   time.Time `json:"resetAt"`
		} `json:"rateLimit"`
	}

	if err := c.execute(ctx, query, &body); err != nil {
		return nil, err
	}
	if body.Repository == nil {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("repository %s/%s not found", owner, name), nil)
	}
	c.recordRateLimit(body.RateLimit)

	return &RepositoryInfo{
		CreatedAt:   body.Repository.CreatedAt,
		TotalIssues: body.Repository.Issues.TotalCount,
		TotalPRs:    body.Repository.PullRequests.TotalCount,
	}, nil
}

// CountsAt probes C(d) for each date in dates in a single batched upstream
// call, packing up to MAX_BATCH dates per call via aliased sub-queries.
// len(dates) must be <= the configured batch ceiling; a larger input is a
// programmer error (BatchTooLarge). An empty input returns an empty map
// without issuing a network call.
func (c *Client) CountsAt(ctx context.Context, owner, name string, dates []time.Time) (map[string]model.CountTuple, error) {
	if len(dates) == 0 {
		return map[string]model.CountTuple{}, nil
	}
	if len(dates) > c.maxBatch {
		return nil, apperr.New(apperr.KindBatchTooLarge, fmt.Sprintf("%d dates exceeds max batch %d", len(dates), c.maxBatch), nil)
	}

	aliasToDate := make(map[string]string, len(dates)*5)
	var b strings.Builder
	b.WriteString("query {\n")
	for _, d := range dates {
		iso := d.UTC().Format("2006-01-02")
		writeAliasedSearch(&b, aliasToDate, "ic", iso, owner, name, fmt.Sprintf("is:issue created:<%s", iso))
		writeAliasedSearch(&b, aliasToDate, "icl", iso, owner, name, fmt.Sprintf("is:issue is:closed closed:<%s", iso))
		writeAliasedSearch(&b, aliasToDate, "pc", iso, owner, name, fmt.Sprintf("is:pr created:<%s", iso))
		writeAliasedSearch(&b, aliasToDate, "pcl", iso, owner, name, fmt.Sprintf("is:pr is:closed closed:<%s", iso))
		writeAliasedSearch(&b, aliasToDate, "pm", iso, owner, name, fmt.Sprintf("is:pr is:merged merged:<%s", iso))
	}
	b.WriteString("  rateLimit { remaining resetAt }\n}")

	var raw map[string]json.RawMessage
	if err := c.execute(ctx, b.String(), &raw); err != nil {
		return nil, err
	}

	var rl *struct {
		Remaining int       `json:"remaining"`
		ResetAt   time.Time `json:"resetAt"`
	}
	if v, ok := raw["rateLimit"]; ok {
		if err := json.Unmarshal(v, &rl); err == nil {
			c.recordRateLimit(rl)
		}
	}

	result := make(map[string]model.CountTuple, len(dates))
	for alias, dateISO := range aliasToDate {
		v, ok := raw[alias]
		if !ok {
			continue
		}
		var parsed struct {
			IssueCount int64 `json:"issueCount"`
		}
		if err := json.Unmarshal(v, &parsed); err != nil {
			return nil, apperr.New(apperr.KindProtocol, "malformed search result for alias "+alias, err)
		}
		tuple := result[dateISO]
		switch aliasPrefix(alias) {
		case "ic":
			tuple.IssuesCreatedBefore = parsed.IssueCount
		case "icl":
			tuple.IssuesClosedBefore = parsed.IssueCount
		case "pc":
			tuple.PRsCreatedBefore = parsed.IssueCount
		case "pcl":
			tuple.PRsClosedBefore = parsed.IssueCount
		case "pm":
			tuple.PRsMergedBefore = parsed.IssueCount
		}
		result[dateISO] = tuple
	}

	return result, nil
}

func writeAliasedSearch(b *strings.Builder, aliasToDate map[string]string, prefix, iso, owner, name, filter string) {
	alias := prefix + "_" + strings.ReplaceAll(iso, "-", "")
	aliasToDate[alias] = iso
	query := fmt.Sprintf("repo:%s/%s %s", escapeGraphQLString(owner), escapeGraphQLString(name), filter)
	fmt.Fprintf(b, "  %s: search(query: \"%s\", type: ISSUE, first: 1) { issueCount }\n", alias, escapeGraphQLString(query))
}

func aliasPrefix(alias string) string {
	if i := strings.IndexByte(alias, '_'); i >= 0 {
		return alias[:i]
	}
	return alias
}

// escapeGraphQLString escapes backslashes and double quotes for safe
// interpolation into a GraphQL string literal; all other characters pass
// through unchanged.
func escapeGraphQLString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func (c *Client) execute(ctx context.Context, query string, out interface{}) error {
	payload, err := json.Marshal(gqlRequest{Query: query})
	if err != nil {
		return apperr.New(apperr.KindProtocol, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperr.New(apperr.KindTransport, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.requestCount.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.New(apperr.KindTransport, "upstream request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.New(apperr.KindTransport, "failed to read upstream response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.KindTransport, fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil)
	}

	var envelope gqlResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return apperr.New(apperr.KindProtocol, "malformed upstream JSON", err)
	}

	if len(envelope.Errors) > 0 {
		for _, e := range envelope.Errors {
			if e.Type == "RATE_LIMITED" {
				return apperr.New(apperr.KindRateLimited, "upstream rate limit exhausted", nil)
			}
		}
		var msgs []string
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return apperr.New(apperr.KindProtocol, strings.Join(msgs, "; "), nil)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return apperr.New(apperr.KindProtocol, "malformed upstream data", err)
		}
	}

	return nil
}

func (c *Client) recordRateLimit(rl *struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}) {
	if rl == nil {
		return
	}
	c.lastRemain.Store(int64(rl.Remaining))
	c.lastReset.Store(rl.ResetAt.Unix())
}
