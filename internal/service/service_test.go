package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/commitsync/internal/commitsync"
	"github.com/agentworkforce/commitsync/internal/config"
	"github.com/agentworkforce/commitsync/internal/httpapi"
	"github.com/agentworkforce/commitsync/internal/tokens"
)

// upstream fakes just enough of both remote APIs for one round trip.
type upstream struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string][]byte
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path
	u.mu.Lock()
	u.requests = append(u.requests, key)
	if u.bodies == nil {
		u.bodies = map[string][]byte{}
	}
	u.bodies[key] = body
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch key {
	case "GET /graph/me/outlook/taskGroups":
		_, _ = io.WriteString(w, `{"value":[{"id":"g1","name":"acme","groupKey":"key-g1"}]}`)
	case "GET /graph/me/outlook/taskGroups/g1/taskFolders":
		_, _ = io.WriteString(w, `{"value":[{"id":"f-widgets","name":"widgets","parentGroupKey":"key-g1"}]}`)
	case "POST /graph/me/outlook/taskFolders/f-widgets/tasks":
		_, _ = io.WriteString(w, `{"id":"t-1","subject":"Ship it","status":"notStarted","body":{"contentType":"text","content":""}}`)
	case "PATCH /graph/subscriptions/sub-a":
		_, _ = io.WriteString(w, `{"id":"sub-a","expirationDateTime":"2026-03-04T00:00:00Z"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"not found"}`)
	}
}

func (u *upstream) seen(key string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	body, ok := u.bodies[key]
	return body, ok
}

func testConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.Tasks.BaseURL = baseURL + "/graph"
	cfg.Tasks.AccessToken = "graph-token"
	cfg.Tasks.RequestsRPS = 0
	cfg.Issues.BaseURL = baseURL + "/gh"
	cfg.Issues.Token = "gh-token"
	cfg.Issues.RequestsRPS = 0
	cfg.Webhooks.GitHubSecret = "s3cret"
	cfg.Webhooks.ClientState = "state-1"
	cfg.Renewal.Leases = []string{"sub-a"}
	cfg.RateLimit.RPS = 0
	return cfg
}

func TestBuildWiresIssueWebhookToTaskService(t *testing.T) {
	up := &upstream{}
	ts := httptest.NewServer(up)
	defer ts.Close()

	svc, err := Build(testConfig(ts.URL), nil, Options{HTTPClient: ts.Client()})
	require.NoError(t, err)
	defer svc.Close()

	events, cancel := svc.Activity.Subscribe()
	defer cancel()

	body := []byte(`{"action":"opened","issue":{"number":7,"title":"Ship it","state":"open","html_url":"https://github.com/acme/widgets/issues/7"},"repository":{"name":"widgets","owner":{"login":"acme"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-Hub-Signature-256", httpapi.SignPayload("s3cret", body))
	rec := httptest.NewRecorder()
	svc.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"created"`)

	created, ok := up.seen("POST /graph/me/outlook/taskFolders/f-widgets/tasks")
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(created, &payload))
	assert.Equal(t, "Ship it", payload["subject"])
	assert.Equal(t, "notStarted", payload["status"])
	assert.Contains(t, payload["body"].(map[string]any)["content"], "https://github.com/acme/widgets/issues/7")

	res := <-events
	assert.Equal(t, "t-1", res.TaskID)

	link, err := svc.Links.Get(context.Background(), "github:https://github.com/acme/widgets/issues/7")
	require.NoError(t, err)
	assert.Equal(t, "t-1", link.ItemIDA)
}

func TestBuildWiresRenewerToConfiguredLeases(t *testing.T) {
	up := &upstream{}
	ts := httptest.NewServer(up)
	defer ts.Close()

	svc, err := Build(testConfig(ts.URL), nil, Options{HTTPClient: ts.Client()})
	require.NoError(t, err)
	defer svc.Close()

	report := svc.Renewer.RenewAll(context.Background())
	assert.Equal(t, []string{"sub-a"}, report.Renewed)
	_, ok := up.seen("PATCH /graph/subscriptions/sub-a")
	assert.True(t, ok)
}

func TestBuildTaskTokensStaticWhenNoClient(t *testing.T) {
	cfg := config.Default()
	cfg.Tasks.AccessToken = "tok"
	source, closer, err := BuildTaskTokens(cfg, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, closer)
	token, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}

func TestBuildTaskTokensUsesManagerWithSQLStore(t *testing.T) {
	cfg := config.Default()
	cfg.Tasks.ClientID = "app-1"
	cfg.Tasks.RefreshToken = "rt-1"
	cfg.Storage.CredentialStoreDSN = "sqlite://" + filepath.Join(t.TempDir(), "creds.db")
	cfg.Storage.CredentialKey = strings.Repeat("0f", 32)

	source, closer, err := BuildTaskTokens(cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()
	_, isManager := source.(*tokens.Manager)
	assert.True(t, isManager)
}

func TestBuildTaskTokensRejectsBadKey(t *testing.T) {
	cfg := config.Default()
	cfg.Tasks.ClientID = "app-1"
	cfg.Storage.CredentialKey = "short"
	_, _, err := BuildTaskTokens(cfg, nil, nil)
	assert.Error(t, err)
}

func TestBuildRejectsConflictingMappings(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Mappings = append(cfg.Mappings,
		commitsync.Mapping{ContainerID: "f1", Owner: "acme", Repo: "widgets"},
		commitsync.Mapping{ContainerID: "f2", Owner: "acme", Repo: "widgets"},
	)
	_, err := Build(cfg, nil, Options{})
	assert.Error(t, err)
}
