// Package graph is the task service client: Outlook task groups, task
// folders and tasks, plus change-notification subscription renewal.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/commitsync/internal/capability"
)

const DefaultBaseURL = "https://graph.microsoft.com/beta"

// Error codes Graph returns when the mailbox cannot host Outlook tasks.
const (
	codeMailboxNotEnabled      = "MailboxNotEnabledForRESTAPI"
	codeUnsupportedAccountType = "UnsupportedAccountType"
)

type Group struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	GroupKey string `json:"groupKey"`
}

type Container struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ParentGroupKey string `json:"parentGroupKey,omitempty"`
}

type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"subject"`
	Body           ItemBody `json:"body"`
	Status         string   `json:"status"`
	ParentFolderID string   `json:"parentFolderId,omitempty"`
}

// TaskPatch updates only the fields that are set.
type TaskPatch struct {
	Title  *string
	Body   *string
	Status *string
}

func (p TaskPatch) payload() map[string]any {
	out := map[string]any{}
	if p.Title != nil {
		out["subject"] = *p.Title
	}
	if p.Body != nil {
		out["body"] = ItemBody{ContentType: "text", Content: *p.Body}
	}
	if p.Status != nil {
		out["status"] = *p.Status
	}
	return out
}

type Subscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
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
	return &Client{caps: capability.NewClient(capability.Options{
		BaseURL:    baseURL,
		Tokens:     opts.Tokens,
		HTTPClient: opts.HTTPClient,
		Classifier: Classify,
		Limiter:    opts.Limiter,
		UserAgent:  opts.UserAgent,
	})}
}

type listEnvelope[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	return listAll[Group](ctx, c.caps, "/me/outlook/taskGroups")
}

func (c *Client) ListContainers(ctx context.Context, groupID string) ([]Container, error) {
	return listAll[Container](ctx, c.caps, "/me/outlook/taskGroups/"+url.PathEscape(groupID)+"/taskFolders")
}

func (c *Client) CreateContainer(ctx context.Context, groupID, name string) (Container, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{
		Method: http.MethodPost,
		Path:   "/me/outlook/taskGroups/" + url.PathEscape(groupID) + "/taskFolders",
		Body:   map[string]string{"name": name},
	})
	if err != nil {
		return Container{}, err
	}
	var out Container
	if err := resp.Decode(&out); err != nil {
		return Container{}, err
	}
	return out, nil
}

func (c *Client) GetContainer(ctx context.Context, id string) (Container, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{Path: "/me/outlook/taskFolders/" + url.PathEscape(id)})
	if err != nil {
		return Container{}, err
	}
	var out Container
	if err := resp.Decode(&out); err != nil {
		return Container{}, err
	}
	return out, nil
}

func (c *Client) ListTasks(ctx context.Context, containerID string) ([]Task, error) {
	return listAll[Task](ctx, c.caps, "/me/outlook/taskFolders/"+url.PathEscape(containerID)+"/tasks")
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{Path: "/me/outlook/tasks/" + url.PathEscape(id)})
	if err != nil {
		return Task{}, err
	}
	var out Task
	if err := resp.Decode(&out); err != nil {
		return Task{}, err
	}
	return out, nil
}

func (c *Client) CreateTask(ctx context.Context, containerID, title, body, status string) (Task, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{
		Method: http.MethodPost,
		Path:   "/me/outlook/taskFolders/" + url.PathEscape(containerID) + "/tasks",
		Body: map[string]any{
			"subject": title,
			"body":    ItemBody{ContentType: "text", Content: body},
			"status":  status,
		},
	})
	if err != nil {
		return Task{}, err
	}
	var out Task
	if err := resp.Decode(&out); err != nil {
		return Task{}, err
	}
	if out.ParentFolderID == "" {
		out.ParentFolderID = containerID
	}
	return out, nil
}

func (c *Client) UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{
		Method: http.MethodPatch,
		Path:   "/me/outlook/tasks/" + url.PathEscape(id),
		Body:   patch.payload(),
	})
	if err != nil {
		return Task{}, err
	}
	var out Task
	if err := resp.Decode(&out); err != nil {
		return Task{}, err
	}
	return out, nil
}

// RenewSubscription extends a change-notification subscription.
func (c *Client) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (Subscription, error) {
	resp, err := c.caps.Invoke(ctx, capability.Request{
		Method: http.MethodPatch,
		Path:   "/subscriptions/" + url.PathEscape(id),
		Body:   map[string]string{"expirationDateTime": expiresAt.UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return Subscription{}, err
	}
	out := Subscription{ID: id, ExpirationDateTime: expiresAt.UTC()}
	if err := resp.Decode(&out); err != nil {
		return Subscription{}, err
	}
	return out, nil
}

func listAll[T any](ctx context.Context, caps *capability.Client, path string) ([]T, error) {
	var out []T
	next := path
	for next != "" {
		resp, err := caps.Invoke(ctx, capability.Request{Path: next})
		if err != nil {
			return nil, err
		}
		var page listEnvelope[T]
		if err := resp.Decode(&page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		next = page.NextLink
	}
	return out, nil
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Classify maps the account-type failures to capability.ErrFeatureUnavailable.
func Classify(status int, body []byte) error {
	var parsed graphErrorBody
	if err := json.Unmarshal(bytes.TrimSpace(body), &parsed); err != nil {
		return nil
	}
	switch parsed.Error.Code {
	case codeMailboxNotEnabled, codeUnsupportedAccountType:
		return &capability.FeatureError{
			Code:    parsed.Error.Code,
			Message: fmt.Sprintf("task lists are not available for this account type (status %d)", status),
		}
	default:
		return nil
	}
}
