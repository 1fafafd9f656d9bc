package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/agentworkforce/commitsync/internal/commitsync"
	"github.com/agentworkforce/commitsync/internal/httpapi"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commitsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestSignMatchesServerVerification(t *testing.T) {
	payload := `{"action":"opened"}`
	file := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(file, []byte(payload), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	fromFile, err := execute(t, "", "sign", "--secret", "s3cret", file)
	if err != nil {
		t.Fatalf("sign file: %v", err)
	}
	fromStdin, err := execute(t, payload, "sign", "--secret", "s3cret")
	if err != nil {
		t.Fatalf("sign stdin: %v", err)
	}
	want := httpapi.SignPayload("s3cret", []byte(payload))
	if strings.TrimSpace(fromFile) != want || strings.TrimSpace(fromStdin) != want {
		t.Fatalf("expected %s, got %q and %q", want, fromFile, fromStdin)
	}
}

func TestSignRequiresSecret(t *testing.T) {
	t.Setenv("COMMITSYNC_GITHUB_WEBHOOK_SECRET", "")
	if _, err := execute(t, "{}", "sign"); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestLinksGetAndRelease(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "links.json")
	store, err := commitsync.NewFileLinkStore(storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if _, _, err := store.Claim(ctx, commitsync.Link{Fingerprint: "todo:t1", State: commitsync.LinkPending, ItemIDA: "t1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := store.Claim(ctx, commitsync.Link{Fingerprint: "todo:t2", State: commitsync.LinkLinked, ItemIDA: "t2"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = store.Close()
	cfgPath := writeConfig(t, fmt.Sprintf("storage:\n  linkStoreDsn: %q\n", storePath))

	out, err := execute(t, "", "--config", cfgPath, "links", "get", "todo:t1")
	if err != nil {
		t.Fatalf("links get: %v", err)
	}
	var link commitsync.Link
	if err := json.Unmarshal([]byte(out), &link); err != nil {
		t.Fatalf("decode link: %v (%s)", err, out)
	}
	if link.ItemIDA != "t1" || link.State != commitsync.LinkPending {
		t.Fatalf("unexpected link: %+v", link)
	}

	if _, err := execute(t, "", "--config", cfgPath, "links", "release", "todo:t2"); err == nil {
		t.Fatalf("expected refusal to release a linked record")
	}
	out, err = execute(t, "", "--config", cfgPath, "links", "release", "todo:t1")
	if err != nil {
		t.Fatalf("links release: %v", err)
	}
	if !strings.Contains(out, "released todo:t1") {
		t.Fatalf("unexpected release output %q", out)
	}
	if _, err := execute(t, "", "--config", cfgPath, "links", "get", "todo:t1"); err == nil {
		t.Fatalf("expected released record to be gone")
	}
}

func TestLinksRequiresSharedStore(t *testing.T) {
	cfgPath := writeConfig(t, "addr: \":9000\"\n")
	if _, err := execute(t, "", "--config", cfgPath, "links", "get", "todo:t1"); err == nil {
		t.Fatalf("expected error without a link store dsn")
	}
}

func TestRenewOnceReportsEachLease(t *testing.T) {
	var (
		mu      sync.Mutex
		patched []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		mu.Lock()
		patched = append(patched, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/subscriptions/sub-gone" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"ResourceNotFound","message":"gone"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub-a"}`))
	}))
	defer ts.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(`
tasks:
  baseUrl: %q
  accessToken: tok
renewal:
  leases: [sub-a]
`, ts.URL))

	out, err := execute(t, "", "--config", cfgPath, "renew", "--once")
	if err != nil {
		t.Fatalf("renew --once: %v", err)
	}
	var report commitsync.RenewReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v (%s)", err, out)
	}
	if len(report.Renewed) != 1 || report.Renewed[0] != "sub-a" {
		t.Fatalf("unexpected report: %+v", report)
	}

	t.Setenv("COMMITSYNC_LEASES", "sub-a,sub-gone")
	if _, err := execute(t, "", "--config", cfgPath, "renew", "--once"); err == nil {
		t.Fatalf("expected failure when a lease cannot be renewed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(patched) != 3 {
		t.Fatalf("expected 3 renewal calls, got %v", patched)
	}
}
