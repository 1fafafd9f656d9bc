package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentworkforce/commitsync/internal/capability"
	"github.com/agentworkforce/commitsync/internal/tokens"
)

func TestCreateIssue(t *testing.T) {
	var captured map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/acme/widgets/issues" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer ghp_1" {
			t.Fatalf("unexpected auth: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Accept") != "application/vnd.github+json" {
			t.Fatalf("unexpected accept: %q", r.Header.Get("Accept"))
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":7,"title":"ship","state":"open","html_url":"https://github.com/acme/widgets/issues/7"}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, Tokens: tokens.NewStaticSource("ghp_1"), HTTPClient: server.Client()})
	issue, err := client.CreateIssue(context.Background(), "acme", "widgets", "ship", "details")
	if err != nil {
		t.Fatalf("create issue failed: %v", err)
	}
	if captured["title"] != "ship" || captured["body"] != "details" {
		t.Fatalf("unexpected payload: %+v", captured)
	}
	if issue.Number != 7 || issue.HTMLURL != "https://github.com/acme/widgets/issues/7" {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

func TestSetIssueStateAndGetIssue(t *testing.T) {
	state := "open"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues/7" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method == http.MethodPatch {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			state = body["state"]
		}
		_ = json.NewEncoder(w).Encode(Issue{Number: 7, State: state})
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, Tokens: tokens.NewStaticSource("ghp_1"), HTTPClient: server.Client()})
	if _, err := client.SetIssueState(context.Background(), "acme", "widgets", 7, "closed"); err != nil {
		t.Fatalf("set state failed: %v", err)
	}
	issue, err := client.GetIssue(context.Background(), "acme", "widgets", 7)
	if err != nil {
		t.Fatalf("get issue failed: %v", err)
	}
	if issue.State != "closed" {
		t.Fatalf("expected closed, got %+v", issue)
	}
}

func TestStaticTokenSecondUnauthorizedIsTerminal(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, Tokens: tokens.NewStaticSource("ghp_bad"), HTTPClient: server.Client()})
	_, err := client.GetIssue(context.Background(), "acme", "widgets", 1)
	var capErr *capability.Error
	if !errors.As(err, &capErr) || capErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 capability error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}
