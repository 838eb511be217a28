package status

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

//go:generate mockgen -package=status -destination=mock_runner_test.go -source=github.go commandRunner

const (
	defaultGhTimeout = 30 * time.Second
	// GitHub rejects commit status descriptions longer than this.
	maxDescriptionLength = 140
)

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s %s failed: %s", name, strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return output, nil
}

// GitHubReporter posts commit statuses through the gh CLI.
type GitHubReporter struct {
	runner  commandRunner
	repo    string
	sha     string
	context string
	timeout time.Duration
}

// GitHubOptions identifies the commit a GitHubReporter reports on.
type GitHubOptions struct {
	Repo    string // owner/name
	SHA     string
	Context string
	Timeout time.Duration
}

// NewGitHubReporter creates a reporter that shells out to gh.
func NewGitHubReporter(opts GitHubOptions) (*GitHubReporter, error) {
	return newGitHubReporter(execRunner{}, opts)
}

func newGitHubReporter(runner commandRunner, opts GitHubOptions) (*GitHubReporter, error) {
	repo := strings.Trim(strings.TrimSpace(opts.Repo), "/")
	if strings.Count(repo, "/") != 1 {
		return nil, fmt.Errorf("github repo must be owner/name, got %q", opts.Repo)
	}
	sha := strings.TrimSpace(opts.SHA)
	if sha == "" {
		return nil, fmt.Errorf("commit sha is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultGhTimeout
	}
	statusContext := strings.TrimSpace(opts.Context)
	if statusContext == "" {
		statusContext = "screenshot-test"
	}
	return &GitHubReporter{
		runner:  runner,
		repo:    repo,
		sha:     sha,
		context: statusContext,
		timeout: opts.Timeout,
	}, nil
}

// Name returns the reporter name.
func (g *GitHubReporter) Name() string {
	return "github"
}

// Report creates a commit status for the configured sha.
func (g *GitHubReporter) Report(ctx context.Context, update Update) error {
	args := []string{
		"api",
		"--method", "POST",
		fmt.Sprintf("repos/%s/statuses/%s", g.repo, g.sha),
		"-f", "state=" + githubState(update.State),
		"-f", "description=" + Truncate(update.Description, maxDescriptionLength),
		"-f", "context=" + g.context,
	}
	if target := strings.TrimSpace(update.TargetURL); target != "" {
		args = append(args, "-f", "target_url="+target)
	}
	_, err := g.run(ctx, args...)
	return err
}

func (g *GitHubReporter) run(ctx context.Context, args ...string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.runner.Run(ctx, "gh", args...)
}

// githubState maps run states onto the commit status vocabulary.
func githubState(state State) string {
	switch state {
	case StatePassed:
		return "success"
	case StateFailed:
		return "failure"
	case StateError:
		return "error"
	default:
		return "pending"
	}
}
