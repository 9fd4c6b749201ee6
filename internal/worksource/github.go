package worksource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

func init() {
	Register("github", func(cfg config.WorkSourceConfig) (Source, error) {
		return NewGitHub(cfg)
	})
}

const githubAPIBase = "https://api.github.com"

// GitHub adapts a GitHub Issues repository as a work source. Claims are
// label-based: ready label marks available work, in_progress marks claimed.
type GitHub struct {
	cfg     config.WorkSourceConfig
	owner   string
	repo    string
	token   string
	base    string
	client  *http.Client
	limiter *rate.Limiter

	// WarnRateLimit fires when remaining drops under cfg.WarnRemaining.
	WarnRateLimit func(RateLimitInfo)

	mu       sync.Mutex
	lastRate *RateLimitInfo
}

// NewGitHub builds a GitHub source from config. The token is resolved from the
// configured environment variable.
func NewGitHub(cfg config.WorkSourceConfig) (*GitHub, error) {
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github work source: repo must be owner/name, got %q", cfg.Repo)
	}
	token, err := config.ResolveToken(cfg.TokenEnv)
	if err != nil {
		return nil, fmt.Errorf("github work source: %w", err)
	}
	return &GitHub{
		cfg:     cfg,
		owner:   owner,
		repo:    repo,
		token:   token,
		base:    githubAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		// Client-side ceiling, keeps a busy fleet well under GitHub's
		// secondary rate limits regardless of how many schedules poll.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}, nil
}

func (g *GitHub) Name() string { return "github" }

// SetBaseURL redirects API calls, for tests.
func (g *GitHub) SetBaseURL(base string) { g.base = strings.TrimRight(base, "/") }

// LastRateLimitInfo returns the most recently observed rate limit headers.
func (g *GitHub) LastRateLimitInfo() *RateLimitInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastRate == nil {
		return nil
	}
	info := *g.lastRate
	return &info
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghUser struct {
	Login string `json:"login"`
}

type ghIssue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	Labels      []ghLabel `json:"labels"`
	User        ghUser    `json:"user"`
	HTMLURL     string    `json:"html_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

func (g *GitHub) toWorkItem(issue ghIssue) WorkItem {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.Name)
	}
	external := strconv.Itoa(issue.Number)
	return WorkItem{
		ID:          "github-" + external,
		Source:      "github",
		ExternalID:  external,
		Title:       issue.Title,
		Description: issue.Body,
		Priority:    InferPriority(labels),
		Labels:      labels,
		Metadata: map[string]string{
			"repo":  g.cfg.Repo,
			"state": issue.State,
			"user":  issue.User.Login,
		},
		URL:       issue.HTMLURL,
		CreatedAt: issue.CreatedAt,
		UpdatedAt: issue.UpdatedAt,
	}
}

// issueNumber extracts the issue number from a work id like "github-42".
func issueNumber(workID string) (int, error) {
	raw := strings.TrimPrefix(workID, "github-")
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid work id %q", workID)
	}
	return n, nil
}

// FetchAvailable lists open issues carrying the ready label, oldest first.
func (g *GitHub) FetchAvailable(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	page := 1
	if opts.Cursor != "" {
		p, err := strconv.Atoi(opts.Cursor)
		if err != nil || p < 1 {
			return nil, fmt.Errorf("invalid cursor %q", opts.Cursor)
		}
		page = p
	}
	limit := opts.EffectiveLimit()

	labels := []string{g.cfg.EffectiveReadyLabel()}
	labels = append(labels, opts.Labels...)

	q := url.Values{}
	q.Set("state", "open")
	q.Set("labels", strings.Join(labels, ","))
	q.Set("sort", "created")
	q.Set("direction", "asc")
	q.Set("per_page", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))

	var issues []ghIssue
	if err := g.doJSON(ctx, http.MethodGet, "/issues?"+q.Encode(), nil, &issues); err != nil {
		return nil, err
	}

	items := make([]WorkItem, 0, len(issues))
	for _, issue := range issues {
		if issue.PullRequest != nil {
			continue
		}
		items = append(items, g.toWorkItem(issue))
	}
	fetched := len(items)
	items = FilterAndSort(items, g.cfg.ExcludeLabels, g.cfg.EffectiveInProgressLabel(), opts.IncludeClaimed)
	if opts.Priority != "" {
		filtered := items[:0]
		for _, item := range items {
			if item.Priority == opts.Priority {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	res := &FetchResult{Items: items, TotalCount: len(items)}
	if fetched == limit {
		res.NextCursor = strconv.Itoa(page + 1)
	}
	return res, nil
}

// Get fetches a single work item, or nil when it does not exist.
func (g *GitHub) Get(ctx context.Context, workID string) (*WorkItem, error) {
	n, err := issueNumber(workID)
	if err != nil {
		return nil, err
	}
	var issue ghIssue
	if err := g.doJSON(ctx, http.MethodGet, fmt.Sprintf("/issues/%d", n), nil, &issue); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	item := g.toWorkItem(issue)
	return &item, nil
}

// Claim attempts to take the work item by adding the in_progress label and
// removing ready. Races are visible: a concurrent claimant sees
// already_claimed on re-check.
func (g *GitHub) Claim(ctx context.Context, workID string) (*ClaimResult, error) {
	n, err := issueNumber(workID)
	if err != nil {
		return &ClaimResult{Success: false, Reason: ReasonNotFound, Message: err.Error()}, nil
	}

	var issue ghIssue
	if err := g.doJSON(ctx, http.MethodGet, fmt.Sprintf("/issues/%d", n), nil, &issue); err != nil {
		return claimFailure(err), nil
	}

	if issue.State != "open" {
		return &ClaimResult{
			Success: false,
			Reason:  ReasonInvalidState,
			Message: fmt.Sprintf("issue #%d is %s", n, issue.State),
		}, nil
	}

	inProgress := g.cfg.EffectiveInProgressLabel()
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.Name)
	}
	if HasLabel(labels, inProgress) {
		return &ClaimResult{
			Success: false,
			Reason:  ReasonAlreadyClaimed,
			Message: fmt.Sprintf("issue #%d already carries %q", n, inProgress),
		}, nil
	}

	addBody := map[string][]string{"labels": {inProgress}}
	if err := g.doJSON(ctx, http.MethodPost, fmt.Sprintf("/issues/%d/labels", n), addBody, nil); err != nil {
		return claimFailure(err), nil
	}

	ready := g.cfg.EffectiveReadyLabel()
	if err := g.removeLabel(ctx, n, ready); err != nil {
		return claimFailure(err), nil
	}

	var updated ghIssue
	if err := g.doJSON(ctx, http.MethodGet, fmt.Sprintf("/issues/%d", n), nil, &updated); err != nil {
		return claimFailure(err), nil
	}
	item := g.toWorkItem(updated)
	return &ClaimResult{Success: true, WorkItem: &item}, nil
}

func claimFailure(err error) *ClaimResult {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusNotFound:
			return &ClaimResult{Success: false, Reason: ReasonNotFound, Message: err.Error()}
		case se.Code == http.StatusForbidden && !se.RateLimited:
			return &ClaimResult{Success: false, Reason: ReasonPermissionDenied, Message: err.Error()}
		}
	}
	return &ClaimResult{Success: false, Reason: ReasonSourceError, Message: err.Error()}
}

// Complete posts an outcome comment, removes the in_progress label, and on
// success closes the issue.
func (g *GitHub) Complete(ctx context.Context, workID string, outcome Outcome) error {
	n, err := issueNumber(workID)
	if err != nil {
		return err
	}

	comment := formatOutcomeComment(outcome)
	if err := g.doJSON(ctx, http.MethodPost, fmt.Sprintf("/issues/%d/comments", n),
		map[string]string{"body": comment}, nil); err != nil {
		return fmt.Errorf("post outcome comment: %w", err)
	}

	if err := g.removeLabel(ctx, n, g.cfg.EffectiveInProgressLabel()); err != nil {
		return fmt.Errorf("remove in-progress label: %w", err)
	}

	if outcome.Success && !outcome.Partial {
		patch := map[string]string{"state": "closed", "state_reason": "completed"}
		if err := g.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/issues/%d", n), patch, nil); err != nil {
			return fmt.Errorf("close issue: %w", err)
		}
	}
	return nil
}

// Release gives the claim back: removes in_progress and, when cleanup is
// enabled, restores the ready label.
func (g *GitHub) Release(ctx context.Context, workID string, opts ReleaseOptions) (*ReleaseResult, error) {
	n, err := issueNumber(workID)
	if err != nil {
		return &ReleaseResult{Success: false, Message: err.Error()}, nil
	}

	if err := g.removeLabel(ctx, n, g.cfg.EffectiveInProgressLabel()); err != nil {
		return &ReleaseResult{Success: false, Message: err.Error()}, nil
	}

	if g.cfg.CleanupEnabled() {
		addBody := map[string][]string{"labels": {g.cfg.EffectiveReadyLabel()}}
		if err := g.doJSON(ctx, http.MethodPost, fmt.Sprintf("/issues/%d/labels", n), addBody, nil); err != nil {
			return &ReleaseResult{Success: false, Message: err.Error()}, nil
		}
	}

	if opts.PostComment {
		body := "## Work Released\n\nThis item is available again."
		if opts.Reason != "" {
			body += "\n\n**Reason:** " + opts.Reason
		}
		if err := g.doJSON(ctx, http.MethodPost, fmt.Sprintf("/issues/%d/comments", n),
			map[string]string{"body": body}, nil); err != nil {
			return &ReleaseResult{Success: false, Message: err.Error()}, nil
		}
	}
	return &ReleaseResult{Success: true}, nil
}

// removeLabel tolerates the label already being gone.
func (g *GitHub) removeLabel(ctx context.Context, issue int, label string) error {
	path := fmt.Sprintf("/issues/%d/labels/%s", issue, url.PathEscape(label))
	err := g.doJSON(ctx, http.MethodDelete, path, nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func formatOutcomeComment(outcome Outcome) string {
	var b strings.Builder
	switch {
	case outcome.Success && !outcome.Partial:
		b.WriteString("## ✅ Work Completed\n\n")
	case outcome.Partial:
		b.WriteString("## ⚠️ Work Partially Completed\n\n")
	default:
		b.WriteString("## ❌ Work Failed\n\n")
	}
	b.WriteString(outcome.Summary)
	if outcome.Details != "" {
		b.WriteString("\n\n### Details\n\n")
		b.WriteString(outcome.Details)
	}
	if len(outcome.Artifacts) > 0 {
		b.WriteString("\n\n### Artifacts\n")
		for _, a := range outcome.Artifacts {
			b.WriteString("\n- ")
			b.WriteString(a)
		}
	}
	if outcome.Error != "" {
		b.WriteString("\n\n### Error\n\n```\n")
		b.WriteString(outcome.Error)
		b.WriteString("\n```")
	}
	return b.String()
}

// statusError carries the HTTP status of a failed API call.
type statusError struct {
	Code        int
	RateLimited bool
	Body        string
}

func (e *statusError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("github: rate limited (status %d)", e.Code)
	}
	return fmt.Sprintf("github: status %d: %s", e.Code, e.Body)
}

// doJSON performs one API call with retry on rate limits, 5xx, and network
// errors. 401, non-rate-limit 403, and 404 are never retried.
func (g *GitHub) doJSON(ctx context.Context, method, path string, body, out any) error {
	retry := g.cfg.Retry
	maxRetries := retry.EffectiveMaxRetries()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoffDelay(retry, attempt-1, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := g.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.RateLimited || se.Code >= 500
	}
	// Network-level failure.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// backoffDelay is base * 2^attempt capped at max, raised to reset+1s when the
// rate limit window end is known.
func (g *GitHub) backoffDelay(retry config.RetryConfig, attempt int, lastErr error) time.Duration {
	base := retry.BaseDelayDuration()
	max := retry.MaxDelayDuration()

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > max {
		delay = max
	}

	var se *statusError
	if errors.As(lastErr, &se) && se.RateLimited {
		if info := g.LastRateLimitInfo(); info != nil && !info.Reset.IsZero() {
			untilReset := time.Until(info.Reset) + time.Second
			if untilReset > delay {
				delay = untilReset
			}
		}
	}
	if delay > max {
		delay = max
	}
	if retry.Jitter > 0 {
		delay += time.Duration(rand.Float64() * retry.Jitter * float64(delay))
	}
	return delay
}

func (g *GitHub) doOnce(ctx context.Context, method, path string, body, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := fmt.Sprintf("%s/repos/%s/%s%s", g.base, g.owner, g.repo, path)
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	info := extractRateLimit(resp.Header)
	if info != nil {
		g.mu.Lock()
		g.lastRate = info
		g.mu.Unlock()
		if g.WarnRateLimit != nil && g.cfg.WarnRemaining > 0 && info.Remaining < g.cfg.WarnRemaining {
			g.WarnRateLimit(*info)
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	rateLimited := resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && info != nil && info.Remaining == 0)
	return &statusError{
		Code:        resp.StatusCode,
		RateLimited: rateLimited,
		Body:        strings.TrimSpace(string(raw)),
	}
}

// extractRateLimit reads the X-RateLimit-* response headers.
func extractRateLimit(h http.Header) *RateLimitInfo {
	remaining := h.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return nil
	}
	info := &RateLimitInfo{Resource: h.Get("X-RateLimit-Resource")}
	info.Remaining, _ = strconv.Atoi(remaining)
	info.Limit, _ = strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil && reset > 0 {
		info.Reset = time.Unix(reset, 0)
	}
	return info
}
