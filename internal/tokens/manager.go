// Package tokens owns the OAuth credential used against the task service
// and refreshes it before it goes stale.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshBuffer = 5 * time.Minute

	ReasonNoCredential    = "no_credential"
	ReasonRefreshRejected = "refresh_rejected"
)

var ErrNoCredential = errors.New("no credential available")

// AuthError reports why no usable credential could be produced.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth failure: " + e.Reason
	}
	return fmt.Sprintf("auth failure: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return target == ErrNoCredential && e.Reason == ReasonNoCredential
}

type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// usableAt reports whether the access token may be sent at now, keeping
// buffer of headroom before expiry.
func (c Credential) usableAt(now time.Time, buffer time.Duration) bool {
	if strings.TrimSpace(c.AccessToken) == "" {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-buffer))
}

// Store persists the credential so that restarts and sibling processes
// see the latest rotation.
type Store interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred Credential) error
}

// Refresher performs the refresh-token grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}

type ManagerOptions struct {
	Store     Store
	Refresher Refresher
	Buffer    time.Duration
	Clock     func() time.Time
	Logger    *slog.Logger
}

type Manager struct {
	store     Store
	refresher Refresher
	buffer    time.Duration
	clock     func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	cached  *Credential
	revoked string
	flight  singleflight.Group
}

func NewManager(opts ManagerOptions) *Manager {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore(nil)
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		refresher: opts.Refresher,
		buffer:    buffer,
		clock:     clock,
		logger:    logger,
	}
}

// Acquire returns a credential that is valid for at least the refresh
// buffer, refreshing it when needed. Concurrent callers in this process
// share a single refresh.
func (m *Manager) Acquire(ctx context.Context) (Credential, error) {
	if cred, ok := m.cachedCredential(); ok {
		return cred, nil
	}
	v, err, _ := m.flight.Do("refresh", func() (any, error) {
		if cred, ok := m.cachedCredential(); ok {
			return cred, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Token adapts Acquire to the capability client token source contract.
func (m *Manager) Token(ctx context.Context) (string, error) {
	cred, err := m.Acquire(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Invalidate marks the current access token as rejected so the next
// Acquire refreshes instead of serving it from cache.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		m.revoked = m.cached.AccessToken
	}
	m.cached = nil
}

func (m *Manager) cachedCredential() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil || !m.cached.usableAt(m.clock(), m.buffer) {
		return Credential{}, false
	}
	return *m.cached, true
}

func (m *Manager) install(cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cred
	m.cached = &c
	m.revoked = ""
}

// usableStored reports whether a stored credential can be served without
// refreshing: fresh and not the token a server just rejected.
func (m *Manager) usableStored(cred *Credential) bool {
	if cred == nil || !cred.usableAt(m.clock(), m.buffer) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked == "" || cred.AccessToken != m.revoked
}

func (m *Manager) refresh(ctx context.Context) (Credential, error) {
	stored, err := m.store.Load(ctx)
	if err != nil {
		return Credential{}, &AuthError{Reason: ReasonRefreshRejected, Err: fmt.Errorf("load credential: %w", err)}
	}
	if m.usableStored(stored) {
		m.install(*stored)
		return *stored, nil
	}
	refreshToken := ""
	if stored != nil {
		refreshToken = strings.TrimSpace(stored.RefreshToken)
	}
	if refreshToken == "" || m.refresher == nil {
		return Credential{}, &AuthError{Reason: ReasonNoCredential}
	}

	fresh, refreshErr := m.refresher.Refresh(ctx, refreshToken)
	if refreshErr != nil {
		// A sibling process may have rotated the refresh token first, which
		// voids ours. Its result is in the store if so.
		if rotated, loadErr := m.store.Load(ctx); loadErr == nil && rotated != nil &&
			rotated.RefreshToken != refreshToken && m.usableStored(rotated) {
			m.logger.Info("token refresh lost rotation race, using rotated credential")
			m.install(*rotated)
			return *rotated, nil
		}
		m.logger.Warn("token refresh failed", "error", refreshErr)
		return Credential{}, &AuthError{Reason: refreshReason(refreshErr), Err: refreshErr}
	}
	if strings.TrimSpace(fresh.RefreshToken) == "" {
		fresh.RefreshToken = refreshToken
	}
	if err := m.store.Save(ctx, fresh); err != nil {
		// The new token is still good for this process; the next process
		// will refresh again with the rotated token it cannot see.
		m.logger.Error("persist refreshed credential failed", "error", err)
	}
	m.install(fresh)
	m.logger.Debug("token refreshed", "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

func refreshReason(err error) string {
	var reasoned interface{ RefreshReason() string }
	if errors.As(err, &reasoned) {
		if reason := strings.TrimSpace(reasoned.RefreshReason()); reason != "" {
			return reason
		}
	}
	return ReasonRefreshRejected
}

// StaticSource hands out a fixed token. Used for the issue tracker, whose
// token does not rotate; Invalidate is a no-op so a second 401 is terminal.
type StaticSource struct {
	token string
}

func NewStaticSource(token string) StaticSource {
	return StaticSource{token: strings.TrimSpace(token)}
}

func (s StaticSource) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", &AuthError{Reason: ReasonNoCredential}
	}
	return s.token, nil
}

func (StaticSource) Invalidate() {}
