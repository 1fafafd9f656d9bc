package tokens

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/commitsync/internal/sqlstore"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestSQLiteStoreRoundTripWithEncryption(t *testing.T) {
	store, err := NewSQLStore("sqlite://"+filepath.Join(t.TempDir(), "creds.db"), WithEncryptionKey(testKey))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cred, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)

	expires := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(context.Background(), Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: expires}))

	var rawAccess, rawRefresh string
	require.NoError(t, store.db.QueryRow(`SELECT access_token, refresh_token FROM "commitsync_credentials"`).Scan(&rawAccess, &rawRefresh))
	assert.NotEqual(t, "at-1", rawAccess)
	assert.NotContains(t, rawRefresh, "rt-1")

	cred, err = store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "at-1", cred.AccessToken)
	assert.Equal(t, "rt-1", cred.RefreshToken)
	assert.True(t, expires.Equal(cred.ExpiresAt))

	require.NoError(t, store.Save(context.Background(), Credential{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: expires.Add(time.Hour)}))
	cred, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-2", cred.RefreshToken)
}

func TestSQLStoreRejectsShortKey(t *testing.T) {
	_, err := NewSQLStore("sqlite:///tmp/x.db", WithEncryptionKey([]byte("short")))
	assert.ErrorIs(t, err, ErrEncryptionKey)
}

func TestPostgresStoreStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "commitsync_credentials"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLStoreWithDB(db, sqlstore.Postgres, WithCredentialID("tenant-a"))
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (id) DO UPDATE SET`)).
		WithArgs("tenant-a", "at-1", "rt-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Save(context.Background(), Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: time.Unix(100, 0)}))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT access_token, refresh_token, expires_at FROM "commitsync_credentials" WHERE id = $1`)).
		WithArgs("tenant-a").
		WillReturnError(sql.ErrNoRows)
	cred, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildStoreFromDSNSeedsOnlyEmptyStore(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "creds.db")
	seed := &Credential{RefreshToken: "rt-config"}

	store, err := BuildStoreFromDSN(dsn, seed)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), Credential{AccessToken: "at-rotated", RefreshToken: "rt-rotated", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, store.(*SQLStore).Close())

	reopened, err := BuildStoreFromDSN(dsn, seed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.(*SQLStore).Close() })
	cred, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-rotated", cred.RefreshToken)

	mem, err := BuildStoreFromDSN("", seed)
	require.NoError(t, err)
	cred, err = mem.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-config", cred.RefreshToken)

	_, err = BuildStoreFromDSN("redis://localhost:6379", nil)
	assert.Error(t, err)
}

func TestOAuthRefresherPostsRefreshGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenant-1/oauth2/v2.0/token" {
			t.Fatalf("unexpected token path: %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Fatalf("expected refresh_token grant, got %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-1" {
			t.Fatalf("expected refresh token rt-1, got %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "client-1" {
			t.Fatalf("expected client id in params, got %q", got)
		}
		if !strings.Contains(r.PostForm.Get("scope"), "offline_access") {
			t.Fatalf("expected offline_access scope, got %q", r.PostForm.Get("scope"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	refresher, err := NewOAuthRefresher(OAuthConfig{
		ClientID:     "client-1",
		ClientSecret: "secret",
		TenantID:     "tenant-1",
		Authority:    srv.URL,
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)

	before := time.Now()
	cred, err := refresher.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", cred.AccessToken)
	assert.Equal(t, "rt-2", cred.RefreshToken)
	assert.True(t, cred.ExpiresAt.After(before.Add(50*time.Minute)))
}

func TestOAuthRefresherSurfacesProviderErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS70008: expired"}`))
	}))
	defer srv.Close()

	refresher, err := NewOAuthRefresher(OAuthConfig{ClientID: "client-1", TokenURL: srv.URL + "/token", HTTPClient: srv.Client()})
	require.NoError(t, err)

	m := NewManager(ManagerOptions{Store: NewMemoryStore(&Credential{RefreshToken: "rt-old"}), Refresher: refresher})
	_, err = m.Acquire(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "invalid_grant", authErr.Reason)
}

func TestNewOAuthRefresherRequiresClientID(t *testing.T) {
	_, err := NewOAuthRefresher(OAuthConfig{})
	assert.Error(t, err)
}
