// Package github is the issue tracker client.
package github

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/commitsync/internal/capability"
)

const (
	DefaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
)

type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

type Options struct {
	BaseURL    string
	Tokens     capability.TokenSource
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	UserAgent  string
}

type Client struct {
	caps *capability.Client
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "commitsync"
	}
	return &Client{caps: capability.NewClient(capability.Options{
		BaseURL:    baseURL,
		Tokens:     opts.Tokens,
		HTTPClient: opts.HTTPClient,
		Limiter:    opts.Limiter,
		UserAgent:  userAgent,
		Headers: map[string]string{
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": apiVersion,
		},
	})}
}

func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string) (Issue, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{
		Method: http.MethodPost,
		Path:   issuesPath(owner, repo),
		Body:   map[string]string{"title": title, "body": body},
	})
	if err != nil {
		return Issue{}, err
	}
	var out Issue
	if err := resp.Decode(&out); err != nil {
		return Issue{}, err
	}
	return out, nil
}

func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{Path: issuesPath(owner, repo) + "/" + strconv.Itoa(number)})
	if err != nil {
		return Issue{}, err
	}
	var out Issue
	if err := resp.Decode(&out); err != nil {
		return Issue{}, err
	}
	return out, nil
}

// SetIssueState opens or closes an issue. state is "open" or "closed".
func (c *Client) SetIssueState(ctx context.Context, owner, repo string, number int, state string) (Issue, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{
		Method: http.MethodPatch,
		Path:   issuesPath(owner, repo) + "/" + strconv.Itoa(number),
		Body:   map[string]string{"state": state},
	})
	if err != nil {
		return Issue{}, err
	}
	var out Issue
	if err := resp.Decode(&out); err != nil {
		return Issue{}, err
	}
	return out, nil
}

func issuesPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/issues"
}
