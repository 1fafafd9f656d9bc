package commitsync

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaBaseURL            = "https://commitsync.local/schemas/"
	issueEventSchema         = "issue_event.json"
	notificationBatchSchema  = "notification_batch.json"
	PayloadKindIssueEvent    = "issue_event"
	PayloadKindNotifications = "notification_batch"
)

var (
	schemasOnce sync.Once
	schemasErr  error
	schemas     map[string]*jsonschema.Schema
)

func compiledSchema(name string) (*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas, schemasErr = compileSchemas()
	})
	if schemasErr != nil {
		return nil, schemasErr
	}
	return schemas[name], nil
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	names := []string{issueEventSchema, notificationBatchSchema}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		compiled, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = compiled
	}
	return out, nil
}

func validatePayload(kind, schemaName string, raw []byte) error {
	sch, err := compiledSchema(schemaName)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &PayloadError{Kind: kind, Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &PayloadError{Kind: kind, Err: err}
	}
	return nil
}

// IssueEvent is an issues webhook delivery reduced to what the engine reads.
type IssueEvent struct {
	DeliveryID string
	Action     string
	Number     int
	Title      string
	Body       string
	URL        string
	State      string
	Owner      string
	Repo       string
}

type issuePayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number  int     `json:"number"`
		Title   string  `json:"title"`
		Body    *string `json:"body"`
		State   string  `json:"state"`
		HTMLURL string  `json:"html_url"`
	} `json:"issue"`
	Repository *struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// ParseIssueEvent validates raw against the issues payload schema and
// converts it. Failures wrap ErrPayloadInvalid.
func ParseIssueEvent(deliveryID string, raw []byte) (IssueEvent, error) {
	if err := validatePayload(PayloadKindIssueEvent, issueEventSchema, raw); err != nil {
		return IssueEvent{}, err
	}
	var payload issuePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return IssueEvent{}, &PayloadError{Kind: PayloadKindIssueEvent, Err: err}
	}
	ev := IssueEvent{
		DeliveryID: strings.TrimSpace(deliveryID),
		Action:     strings.TrimSpace(payload.Action),
		Number:     payload.Issue.Number,
		Title:      payload.Issue.Title,
		URL:        strings.TrimSpace(payload.Issue.HTMLURL),
		State:      payload.Issue.State,
	}
	if payload.Issue.Body != nil {
		ev.Body = *payload.Issue.Body
	}
	if payload.Repository != nil {
		ev.Owner = payload.Repository.Owner.Login
		ev.Repo = payload.Repository.Name
	}
	return ev, nil
}

// TaskNotification is one entry of a change notification batch. ID is the
// notification's own id and serves as its delivery id.
type TaskNotification struct {
	ID             string
	SubscriptionID string
	ChangeType     string
	ClientState    string
	Resource       string
	TaskID         string
	TenantID       string
}

type notificationBatch struct {
	Value []struct {
		ID             string  `json:"id"`
		SubscriptionID string  `json:"subscriptionId"`
		ChangeType     string  `json:"changeType"`
		ClientState    *string `json:"clientState"`
		Resource       string  `json:"resource"`
		TenantID       string  `json:"tenantId"`
		ResourceData   *struct {
			ID string `json:"id"`
		} `json:"resourceData"`
	} `json:"value"`
}

// ParseNotificationBatch validates and converts a change notification
// batch. Failures wrap ErrPayloadInvalid.
func ParseNotificationBatch(raw []byte) ([]TaskNotification, error) {
	if err := validatePayload(PayloadKindNotifications, notificationBatchSchema, raw); err != nil {
		return nil, err
	}
	var batch notificationBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, &PayloadError{Kind: PayloadKindNotifications, Err: err}
	}
	out := make([]TaskNotification, 0, len(batch.Value))
	for _, entry := range batch.Value {
		n := TaskNotification{
			ID:             strings.TrimSpace(entry.ID),
			SubscriptionID: entry.SubscriptionID,
			ChangeType:     strings.ToLower(strings.TrimSpace(entry.ChangeType)),
			Resource:       entry.Resource,
			TenantID:       entry.TenantID,
		}
		if entry.ClientState != nil {
			n.ClientState = *entry.ClientState
		}
		if entry.ResourceData != nil {
			n.TaskID = strings.TrimSpace(entry.ResourceData.ID)
		}
		if n.TaskID == "" {
			n.TaskID = taskIDFromResource(entry.Resource)
		}
		out = append(out, n)
	}
	return out, nil
}

var resourceKeyRe = regexp.MustCompile(`(?i)tasks(?:\('([^']+)'\)|/([^/?]+))`)

// taskIDFromResource reads the id out of "me/outlook/tasks('id')" or
// "me/outlook/tasks/id".
func taskIDFromResource(resource string) string {
	m := resourceKeyRe.FindAllStringSubmatch(resource, -1)
	if len(m) == 0 {
		return ""
	}
	last := m[len(m)-1]
	if last[1] != "" {
		return last[1]
	}
	return last[2]
}
