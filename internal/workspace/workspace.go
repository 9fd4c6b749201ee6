// Package workspace prepares and tears down the directory a job runs in:
// either the agent's configured directory as-is, or a per-job git worktree.
package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// JobContext identifies the job a workspace is being prepared for.
type JobContext struct {
	JobID         string
	AgentName     string
	ScheduleName  string
	WorkItemID    string
	WorkItemTitle string
}

// SetupResult describes the prepared workspace.
type SetupResult struct {
	WorkingDirectory string
	BranchName       string
	BaseBranch       string
	Env              map[string]string
}

// JobResult is the slice of the job outcome teardown needs.
type JobResult struct {
	Success bool
	Summary string
}

// Strategy names recognised in workspace config.
const (
	StrategyStatic      = "static"
	StrategyGitWorktree = "git_worktree"
)

// Strategy is implemented per workspace_strategy variant.
type Strategy interface {
	Name() string
	Setup(ctx context.Context, agent config.AgentConfig, job JobContext) (*SetupResult, error)
	Teardown(ctx context.Context, agent config.AgentConfig, setup *SetupResult, result JobResult) error
}

// ForAgent returns the strategy the agent's config selects.
func ForAgent(agent config.AgentConfig) (Strategy, error) {
	switch agent.Workspace.Strategy {
	case "", StrategyStatic:
		return StaticStrategy{}, nil
	case StrategyGitWorktree:
		return NewGitWorktreeStrategy(agent.Workspace), nil
	default:
		return nil, fmt.Errorf("unknown workspace strategy %q", agent.Workspace.Strategy)
	}
}

// StaticStrategy runs the job directly in the configured working directory.
type StaticStrategy struct{}

func (StaticStrategy) Name() string { return StrategyStatic }

func (StaticStrategy) Setup(_ context.Context, agent config.AgentConfig, _ JobContext) (*SetupResult, error) {
	return &SetupResult{
		WorkingDirectory: agent.WorkingDirectory,
		Env: map[string]string{
			"WORKSPACE_STRATEGY": StrategyStatic,
		},
	}, nil
}

func (StaticStrategy) Teardown(context.Context, config.AgentConfig, *SetupResult, JobResult) error {
	return nil
}

// RenderBranchPattern expands the branch name placeholders. Unknown
// placeholders are left intact so misconfiguration is visible in the branch.
func RenderBranchPattern(pattern string, job JobContext, now time.Time) string {
	if pattern == "" {
		pattern = "fleet/{agent}/{job_id}"
	}
	r := strings.NewReplacer(
		"{agent}", job.AgentName,
		"{work_item}", job.WorkItemID,
		"{schedule}", job.ScheduleName,
		"{job_id}", job.JobID,
		"{date}", now.Format("2006-01-02"),
	)
	name := r.Replace(pattern)
	// Collapse empty path segments left by unset placeholders.
	for strings.Contains(name, "//") {
		name = strings.ReplaceAll(name, "//", "/")
	}
	return strings.Trim(name, "/")
}
