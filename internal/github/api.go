package github

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// APIClient implements Tracker with the GitHub REST API.
type APIClient struct {
	client *gh.Client
	owner  string
	name   string
}

// NewAPIClient creates a REST client authenticated with a static token.
// baseURL selects a GitHub Enterprise server; empty means github.com.
func NewAPIClient(ctx context.Context, token, repo, baseURL string) (*APIClient, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := gh.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		var err error
		if client, err = client.WithEnterpriseURLs(baseURL, baseURL); err != nil {
			return nil, fmt.Errorf("enterprise URL: %w", err)
		}
	}
	return newAPIClient(client, repo)
}

func newAPIClient(client *gh.Client, repo string) (*APIClient, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	return &APIClient{client: client, owner: owner, name: name}, nil
}

// GetIssue fetches a GitHub issue by number.
func (c *APIClient) GetIssue(ctx context.Context, number int) (*Issue, error) {
	if err := ValidateIssueNumber(number); err != nil {
		return nil, err
	}
	is, _, err := c.client.Issues.Get(ctx, c.owner, c.name, number)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", number, err)
	}
	issue := &Issue{
		Number: is.GetNumber(),
		Title:  is.GetTitle(),
		Body:   is.GetBody(),
		State:  strings.ToUpper(is.GetState()),
		URL:    is.GetHTMLURL(),
	}
	for _, l := range is.Labels {
		issue.Labels = append(issue.Labels, Label{Name: l.GetName()})
	}
	return issue, nil
}

// Comment adds a comment to an issue.
func (c *APIClient) Comment(ctx context.Context, number int, body string) error {
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	_, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.name, number, &gh.IssueComment{Body: gh.String(body)})
	if err != nil {
		return fmt.Errorf("comment on issue %d: %w", number, err)
	}
	return nil
}

// CreatePR opens a pull request and applies labels to it.
func (c *APIClient) CreatePR(ctx context.Context, opts PRCreateOpts) (*PullRequest, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, c.owner, c.name, &gh.NewPullRequest{
		Title: gh.String(opts.Title),
		Head:  gh.String(opts.Branch),
		Base:  gh.String(opts.Base),
		Body:  gh.String(opts.Body),
		Draft: gh.Bool(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	out := &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Branch: opts.Branch}
	if len(opts.Labels) > 0 {
		if _, _, err := c.client.Issues.AddLabelsToIssue(ctx, c.owner, c.name, out.Number, opts.Labels); err != nil {
			return out, fmt.Errorf("label PR #%d: %w", out.Number, err)
		}
	}
	return out, nil
}

// FindOpenPR returns the open PR for branch, or nil when there is none.
func (c *APIClient) FindOpenPR(ctx context.Context, branch string) (*PullRequest, error) {
	prs, _, err := c.client.PullRequests.List(ctx, c.owner, c.name, &gh.PullRequestListOptions{
		State:       "open",
		Head:        c.owner + ":" + branch,
		ListOptions: gh.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PullRequest{Number: prs[0].GetNumber(), URL: prs[0].GetHTMLURL(), Branch: prs[0].GetHead().GetRef()}, nil
}

// ClosePR closes a pull request.
func (c *APIClient) ClosePR(ctx context.Context, number int) error {
	_, _, err := c.client.PullRequests.Edit(ctx, c.owner, c.name, number, &gh.PullRequest{State: gh.String("closed")})
	if err != nil {
		return fmt.Errorf("close PR #%d: %w", number, err)
	}
	return nil
}
