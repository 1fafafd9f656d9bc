package commitsync

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	linkMarker         = "GitHub Issue:"
	DefaultIssuesHost  = "github.com"
	issueURLPathFormat = `/([A-Za-z0-9](?:[A-Za-z0-9-]{0,38}))/([A-Za-z0-9._-]{1,100})/issues/([0-9]+)`
)

// Guard detects and writes the back-reference that marks a task as
// already linked to an issue.
type Guard struct {
	host     string
	markerRe *regexp.Regexp
	urlRe    *regexp.Regexp
}

func NewGuard(host string) *Guard {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		host = DefaultIssuesHost
	}
	urlPattern := `https://` + regexp.QuoteMeta(host) + issueURLPathFormat
	return &Guard{
		host:     host,
		markerRe: regexp.MustCompile(`(?m)` + regexp.QuoteMeta(linkMarker) + `[ \t]*(` + urlPattern + `)(?:[^A-Za-z0-9/._-]|$)`),
		urlRe:    regexp.MustCompile(`^` + urlPattern + `$`),
	}
}

func (g *Guard) Host() string {
	return g.host
}

func (g *Guard) AlreadyLinked(body string) bool {
	_, ok := g.LinkedURL(body)
	return ok
}

// LinkedURL returns the first well-formed issue URL following the marker.
func (g *Guard) LinkedURL(body string) (string, bool) {
	match := g.markerRe.FindStringSubmatch(body)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// Embed appends the marker and url. Existing text is kept as is.
func (g *Guard) Embed(body, url string) string {
	if linked, ok := g.LinkedURL(body); ok && linked == url {
		return body
	}
	line := linkMarker + " " + url
	trimmed := strings.TrimRight(body, " \t\r\n")
	if trimmed == "" {
		return line
	}
	return trimmed + "\n\n" + line
}

// IssueRef identifies one issue on the issue tracker.
type IssueRef struct {
	Owner  string
	Repo   string
	Number int
	URL    string
}

func (g *Guard) ParseIssueURL(url string) (IssueRef, error) {
	url = strings.TrimSpace(url)
	match := g.urlRe.FindStringSubmatch(url)
	if match == nil {
		return IssueRef{}, fmt.Errorf("%w: not an issue url: %q", ErrInvalidInput, url)
	}
	number, err := strconv.Atoi(match[3])
	if err != nil || number <= 0 {
		return IssueRef{}, fmt.Errorf("%w: invalid issue number in %q", ErrInvalidInput, url)
	}
	return IssueRef{Owner: match[1], Repo: match[2], Number: number, URL: url}, nil
}

// IssueURL builds the canonical issue URL for this guard's host.
func (g *Guard) IssueURL(owner, repo string, number int) string {
	return fmt.Sprintf("https://%s/%s/%s/issues/%d", g.host, owner, repo, number)
}
