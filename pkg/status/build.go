package status

import (
	"fmt"

	"github.com/odvcencio/shotdiff/pkg/config"
	"github.com/odvcencio/shotdiff/pkg/logging"
)

// Target identifies the commit a run reports against.
type Target struct {
	Repo string
	SHA  string
}

// FromConfig builds the enabled reporters. The log reporter is always
// included so local runs still surface status transitions.
func FromConfig(cfg config.StatusConfig, target Target, logger *logging.Logger) (*MultiReporter, error) {
	reporters := []Reporter{NewLogReporter(logger)}

	if cfg.GitHub.Enabled {
		repo := cfg.GitHub.Repo
		if repo == "" {
			repo = target.Repo
		}
		sha := cfg.GitHub.SHA
		if sha == "" {
			sha = target.SHA
		}
		gh, err := NewGitHubReporter(GitHubOptions{Repo: repo, SHA: sha, Context: cfg.Context})
		if err != nil {
			return nil, fmt.Errorf("github status: %w", err)
		}
		reporters = append(reporters, gh)
	}

	if cfg.Slack.Enabled {
		slack, err := NewSlackReporter(SlackOptions{WebhookURL: cfg.Slack.WebhookURL, Channel: cfg.Slack.Channel})
		if err != nil {
			return nil, fmt.Errorf("slack status: %w", err)
		}
		reporters = append(reporters, slack)
	}

	if cfg.NATS.Enabled {
		n, err := NewNATSReporter(NATSOptions{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject})
		if err != nil {
			return nil, fmt.Errorf("nats status: %w", err)
		}
		reporters = append(reporters, n)
	}

	return NewMultiReporter(reporters...), nil
}
