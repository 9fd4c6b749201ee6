// Package worksource normalises external task sources (issue queues) behind a
// claim/complete/release capability set with label-based claim semantics.
package worksource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// Priorities, ordered.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Claim failure reasons.
const (
	ReasonNotFound         = "not_found"
	ReasonInvalidState     = "invalid_state"
	ReasonAlreadyClaimed   = "already_claimed"
	ReasonPermissionDenied = "permission_denied"
	ReasonSourceError      = "source_error"
)

// maxFetchLimit caps FetchOptions.Limit.
const maxFetchLimit = 100

// WorkItem is the normalised representation of one external task.
type WorkItem struct {
	ID          string            `json:"id"` // <source>-<externalId>
	Source      string            `json:"source"`
	ExternalID  string            `json:"external_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Priority    string            `json:"priority"`
	Labels      []string          `json:"labels"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	URL         string            `json:"url"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// FetchOptions filters a FetchAvailable call.
type FetchOptions struct {
	Labels         []string
	Priority       string
	Limit          int
	Cursor         string
	IncludeClaimed bool
}

// EffectiveLimit clamps the requested page size.
func (o FetchOptions) EffectiveLimit() int {
	if o.Limit <= 0 || o.Limit > maxFetchLimit {
		return maxFetchLimit
	}
	return o.Limit
}

// FetchResult is one page of available work.
type FetchResult struct {
	Items      []WorkItem
	NextCursor string
	TotalCount int
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Success  bool
	WorkItem *WorkItem
	Reason   string
	Message  string
}

// Outcome describes how a completed work item went.
type Outcome struct {
	Success   bool
	Partial   bool
	Summary   string
	Details   string
	Artifacts []string
	Error     string
}

// ReleaseOptions control how a claim is given back.
type ReleaseOptions struct {
	Reason      string
	PostComment bool
}

// ReleaseResult reports a release attempt.
type ReleaseResult struct {
	Success bool
	Message string
}

// RateLimitInfo is extracted from source response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
	Resource  string
}

// Source is the capability set every work-source variant implements.
type Source interface {
	Name() string
	FetchAvailable(ctx context.Context, opts FetchOptions) (*FetchResult, error)
	Claim(ctx context.Context, workID string) (*ClaimResult, error)
	Complete(ctx context.Context, workID string, outcome Outcome) error
	Release(ctx context.Context, workID string, opts ReleaseOptions) (*ReleaseResult, error)
	Get(ctx context.Context, workID string) (*WorkItem, error)
	LastRateLimitInfo() *RateLimitInfo
}

// Factory builds a Source from its config block.
type Factory func(cfg config.WorkSourceConfig) (Source, error)

var factories = map[string]Factory{}

// Register installs a source factory. Duplicate registration panics.
func Register(name string, f Factory) {
	if _, dup := factories[name]; dup {
		panic("worksource: duplicate registration for " + name)
	}
	factories[name] = f
}

// New constructs the source named by cfg.Type.
func New(cfg config.WorkSourceConfig) (Source, error) {
	f, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown work source type %q", cfg.Type)
	}
	return f(cfg)
}

// InferPriority maps labels to a priority, case-insensitive. Unmatched labels
// yield medium.
func InferPriority(labels []string) string {
	for _, l := range labels {
		switch strings.ToLower(l) {
		case "critical", "p0", "urgent":
			return PriorityCritical
		}
	}
	for _, l := range labels {
		switch strings.ToLower(l) {
		case "high", "p1", "important":
			return PriorityHigh
		}
	}
	for _, l := range labels {
		switch strings.ToLower(l) {
		case "low", "p3":
			return PriorityLow
		}
	}
	return PriorityMedium
}

// HasLabel reports whether labels contains name, case-insensitive.
func HasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// FilterAndSort applies exclude-label and claim filtering then sorts oldest
// first, the order queue consumers drain in.
func FilterAndSort(items []WorkItem, excludeLabels []string, inProgressLabel string, includeClaimed bool) []WorkItem {
	out := make([]WorkItem, 0, len(items))
	for _, item := range items {
		excluded := false
		for _, ex := range excludeLabels {
			if HasLabel(item.Labels, ex) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		if !includeClaimed && HasLabel(item.Labels, inProgressLabel) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
