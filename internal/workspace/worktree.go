package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// GitWorktreeStrategy isolates each job in its own git worktree and branch.
// One worktree spans every session of the job, including handoff sessions.
type GitWorktreeStrategy struct {
	cfg config.WorkspaceConfig
	now func() time.Time
}

// NewGitWorktreeStrategy builds the strategy from its config block.
func NewGitWorktreeStrategy(cfg config.WorkspaceConfig) *GitWorktreeStrategy {
	return &GitWorktreeStrategy{cfg: cfg, now: time.Now}
}

func (s *GitWorktreeStrategy) Name() string { return StrategyGitWorktree }

func (s *GitWorktreeStrategy) baseBranch() string {
	if s.cfg.BaseBranch == "" {
		return "main"
	}
	return s.cfg.BaseBranch
}

func (s *GitWorktreeStrategy) worktreeDir(repoRoot string) string {
	dir := s.cfg.WorktreeDir
	if dir == "" {
		dir = ".fleet-worktrees"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(repoRoot, dir)
}

// Setup creates <worktree_dir>/<job_id> from origin/<base> with the templated
// branch checked out.
func (s *GitWorktreeStrategy) Setup(ctx context.Context, agent config.AgentConfig, job JobContext) (*SetupResult, error) {
	repoRoot := agent.WorkingDirectory
	branch := RenderBranchPattern(s.cfg.BranchPattern, job, s.now())
	path := filepath.Join(s.worktreeDir(repoRoot), job.JobID)

	if _, err := runGit(ctx, repoRoot, "fetch", "origin", s.baseBranch()); err != nil {
		return nil, fmt.Errorf("fetch base branch: %w", err)
	}
	if _, err := runGit(ctx, repoRoot, "worktree", "add", "-b", branch, path,
		"origin/"+s.baseBranch()); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	env := map[string]string{
		"WORKTREE_PATH":        path,
		"WORKTREE_BRANCH":      branch,
		"WORKTREE_BASE_BRANCH": s.baseBranch(),
		"REPO_ROOT":            repoRoot,
		"WORKSPACE_STRATEGY":   StrategyGitWorktree,
	}
	if job.WorkItemID != "" {
		env["WORK_ITEM_ID"] = job.WorkItemID
	}
	if job.WorkItemTitle != "" {
		env["WORK_ITEM_TITLE"] = job.WorkItemTitle
	}

	return &SetupResult{
		WorkingDirectory: path,
		BranchName:       branch,
		BaseBranch:       s.baseBranch(),
		Env:              env,
	}, nil
}

// Teardown commits and pushes remaining changes on success, then removes the
// worktree unconditionally.
func (s *GitWorktreeStrategy) Teardown(ctx context.Context, agent config.AgentConfig, setup *SetupResult, result JobResult) error {
	repoRoot := agent.WorkingDirectory
	path := setup.WorkingDirectory

	var finishErr error
	if result.Success {
		finishErr = s.commitAndPush(ctx, setup, result)
	}

	if _, err := runGit(ctx, repoRoot, "worktree", "remove", "--force", path); err != nil {
		// The worktree directory may already be gone; prune the bookkeeping.
		runGit(ctx, repoRoot, "worktree", "prune")
		if _, statErr := os.Stat(path); statErr == nil {
			if finishErr != nil {
				return finishErr
			}
			return fmt.Errorf("remove worktree: %w", err)
		}
	}
	return finishErr
}

func (s *GitWorktreeStrategy) commitAndPush(ctx context.Context, setup *SetupResult, result JobResult) error {
	path := setup.WorkingDirectory

	status, err := runGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("check worktree status: %w", err)
	}
	if strings.TrimSpace(status) != "" {
		if _, err := runGit(ctx, path, "add", "-A"); err != nil {
			return fmt.Errorf("stage changes: %w", err)
		}
		if _, err := runGit(ctx, path, "commit", "-m", s.commitMessage(result.Summary)); err != nil {
			return fmt.Errorf("commit changes: %w", err)
		}
	}

	if s.cfg.PushEnabled() {
		if _, err := runGit(ctx, path, "push", "-u", "origin", setup.BranchName); err != nil {
			return fmt.Errorf("push branch %s: %w", setup.BranchName, err)
		}
	}
	return nil
}

func (s *GitWorktreeStrategy) commitMessage(summary string) string {
	tmpl := s.cfg.CommitMessage
	if tmpl == "" {
		tmpl = "fleet: {summary}"
	}
	if summary == "" {
		summary = "automated changes"
	}
	return strings.ReplaceAll(tmpl, "{summary}", summary)
}

// PruneOrphans removes worktrees whose job id no longer corresponds to a live
// job. Called at fleet initialise.
func (s *GitWorktreeStrategy) PruneOrphans(ctx context.Context, agent config.AgentConfig, isLiveJob func(jobID string) bool) int {
	repoRoot := agent.WorkingDirectory
	dir := s.worktreeDir(repoRoot)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || isLiveJob(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := runGit(ctx, repoRoot, "worktree", "remove", "--force", path); err != nil {
			os.RemoveAll(path)
		}
		removed++
	}
	runGit(ctx, repoRoot, "worktree", "prune")
	return removed
}

// runGit executes one git command in dir and returns combined output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
