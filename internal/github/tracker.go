package github

import (
	"context"
	"fmt"
	"strings"
)

// Issue represents a GitHub issue.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state,omitempty"`
	Labels []Label `json:"labels"`
	URL    string  `json:"url,omitempty"`
}

// Label represents a GitHub label.
type Label struct {
	Name string `json:"name"`
}

// LabelNames returns the label names.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// PullRequest identifies a pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Branch string `json:"headRefName"`
}

// PRCreateOpts holds options for creating a PR.
type PRCreateOpts struct {
	Title  string
	Body   string
	Branch string
	Base   string
	Labels []string
	Draft  bool
}

// Tracker is the issue tracker the pipeline reads issues from and
// publishes results to.
type Tracker interface {
	GetIssue(ctx context.Context, number int) (*Issue, error)
	Comment(ctx context.Context, number int, body string) error
	CreatePR(ctx context.Context, opts PRCreateOpts) (*PullRequest, error)
	FindOpenPR(ctx context.Context, branch string) (*PullRequest, error)
	ClosePR(ctx context.Context, number int) error
}

// ValidateIssueNumber checks that an issue number is positive.
func ValidateIssueNumber(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid issue number %d: must be positive", n)
	}
	return nil
}

// SplitRepo splits "owner/name".
func SplitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", repo)
	}
	return owner, name, nil
}

// NewTracker builds the tracker for driver: "gh" (default) or "api".
func NewTracker(ctx context.Context, driver, token, repo, baseURL string) (Tracker, error) {
	switch driver {
	case "", "gh":
		return NewClient(&ExecRunner{Token: token}, repo), nil
	case "api":
		return NewAPIClient(ctx, token, repo, baseURL)
	default:
		return nil, fmt.Errorf("unknown tracker driver %q (want gh or api)", driver)
	}
}
