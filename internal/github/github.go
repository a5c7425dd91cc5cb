// Package github talks to the issue tracker, through the gh CLI by default
// or the REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec. A non-empty Token is passed to gh
// as GH_TOKEN.
type ExecRunner struct {
	Token string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if r.Token != "" {
		cmd.Env = append(os.Environ(), "GH_TOKEN="+r.Token)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client implements Tracker with the gh CLI.
type Client struct {
	cmd  CmdRunner
	repo string
}

// NewClient creates a gh-backed client for repo ("owner/name").
func NewClient(cmd CmdRunner, repo string) *Client {
	return &Client{cmd: cmd, repo: repo}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if c.repo != "" {
		args = append(args, "--repo", c.repo)
	}
	return c.cmd.Run(ctx, args...)
}

// GetIssue fetches a GitHub issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	if err := ValidateIssueNumber(number); err != nil {
		return nil, err
	}

	out, err := c.run(ctx, "issue", "view", strconv.Itoa(number), "--json", "number,title,body,state,labels,url")
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", number, err)
	}

	var issue Issue
	if err := json.Unmarshal([]byte(out), &issue); err != nil {
		return nil, fmt.Errorf("parse issue JSON: %w", err)
	}
	return &issue, nil
}

// Comment adds a comment to an issue.
func (c *Client) Comment(ctx context.Context, number int, body string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	if _, err := c.run(ctx, "issue", "comment", strconv.Itoa(number), "--body", body); err != nil {
		return fmt.Errorf("comment on issue %d: %w", number, err)
	}
	return nil
}

var prNumberRe = regexp.MustCompile(`/pull/(\d+)`)

// CreatePR creates a pull request. gh prints the PR URL on success.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOpts) (*PullRequest, error) {
	if strings.HasPrefix(opts.Branch, "-") {
		return nil, fmt.Errorf("invalid branch name %q: must not start with -", opts.Branch)
	}
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Branch}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	for _, l := range opts.Labels {
		args = append(args, "--label", l)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	url := lastLine(out)
	pr := &PullRequest{URL: url, Branch: opts.Branch}
	if m := prNumberRe.FindStringSubmatch(url); m != nil {
		pr.Number, _ = strconv.Atoi(m[1])
	}
	return pr, nil
}

// FindOpenPR returns the open PR for branch, or nil when there is none.
func (c *Client) FindOpenPR(ctx context.Context, branch string) (*PullRequest, error) {
	out, err := c.run(ctx, "pr", "list", "--head", branch, "--state", "open", "--json", "number,url,headRefName", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}

	var prs []PullRequest
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// ClosePR closes a pull request.
func (c *Client) ClosePR(ctx context.Context, number int) error {
	if _, err := c.run(ctx, "pr", "close", strconv.Itoa(number)); err != nil {
		return fmt.Errorf("close PR #%d: %w", number, err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
