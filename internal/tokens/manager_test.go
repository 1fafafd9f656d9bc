package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	calls   atomic.Int32
	gate    chan struct{}
	refresh func(ctx context.Context, refreshToken string) (Credential, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.refresh(ctx, refreshToken)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAcquireServesCachedCredentialOutsideBuffer(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore(&Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: clock.Now().Add(time.Hour)})
	refresher := &fakeRefresher{refresh: func(context.Context, string) (Credential, error) {
		t.Fatalf("refresh should not run while the credential is fresh")
		return Credential{}, nil
	}}
	m := NewManager(ManagerOptions{Store: store, Refresher: refresher, Clock: clock.Now})

	for i := 0; i < 3; i++ {
		cred, err := m.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "at-1", cred.AccessToken)
	}
	assert.Equal(t, int32(0), refresher.calls.Load())
}

func TestAcquireRefreshesInsideBufferAndPersists(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore(&Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: clock.Now().Add(4 * time.Minute)})
	refresher := &fakeRefresher{refresh: func(_ context.Context, rt string) (Credential, error) {
		assert.Equal(t, "rt-1", rt)
		return Credential{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}}
	m := NewManager(ManagerOptions{Store: store, Refresher: refresher, Clock: clock.Now})

	cred, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", cred.AccessToken)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "rt-2", persisted.RefreshToken)
}

func TestAcquireKeepsRefreshTokenWhenProviderOmitsIt(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore(&Credential{RefreshToken: "rt-1"})
	refresher := &fakeRefresher{refresh: func(context.Context, string) (Credential, error) {
		return Credential{AccessToken: "at-2", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}}
	m := NewManager(ManagerOptions{Store: store, Refresher: refresher, Clock: clock.Now})

	cred, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-1", cred.RefreshToken)
}

func TestConcurrentAcquireSharesOneRefresh(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore(&Credential{RefreshToken: "rt-1"})
	refresher := &fakeRefresher{
		gate: make(chan struct{}),
		refresh: func(context.Context, string) (Credential, error) {
			return Credential{AccessToken: "at-shared", RefreshToken: "rt-2", ExpiresAt: clock.Now().Add(time.Hour)}, nil
		},
	}
	m := NewManager(ManagerOptions{Store: store, Refresher: refresher, Clock: clock.Now})

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := m.Acquire(context.Background())
			results[i], errs[i] = cred.AccessToken, err
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(refresher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), refresher.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-shared", results[i])
	}
}

func TestAcquireWithoutRefreshTokenIsNoCredential(t *testing.T) {
	m := NewManager(ManagerOptions{Store: NewMemoryStore(nil), Refresher: &fakeRefresher{}})

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCredential))

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, ReasonNoCredential, authErr.Reason)
}

func TestAcquireReloadsStoreBeforeRefreshing(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore(&Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: clock.Now().Add(time.Hour)})
	refresher := &fakeRefresher{refresh: func(context.Context, string) (Credential, error) {
		return Credential{AccessToken: "at-mine", RefreshToken: "rt-mine", ExpiresAt: clock.Now().Add(2 * time.Hour)}, nil
	}}
	m := NewManager(ManagerOptions{Store: store, Refresher: refresher, Clock: clock.Now})
	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	// A sibling rotates while our cached copy ages into the buffer.
	clock.Advance(56 * time.Minute)
	require.NoError(t, store.Save(context.Background(), Credential{AccessToken: "at-sibling", RefreshToken: "rt-sibling", ExpiresAt: clock.Now().Add(time.Hour)}))

	cred, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-sibling", cred.AccessToken)
	assert.Equal(t, int32(0), refresher.calls.Load())
}

func TestAcquireRereadsStoreAfterLostRotationRace(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore(&Credential{RefreshToken: "rt-1"})
	refresher := &fakeRefresher{refresh: func(ctx context.Context, _ string) (Credential, error) {
		// The sibling wins and voids rt-1.
		_ = store.Save(ctx, Credential{AccessToken: "at-sibling", RefreshToken: "rt-sibling", ExpiresAt: clock.Now().Add(time.Hour)})
		return Credential{}, &RefreshError{Code: "invalid_grant", Err: errors.New("refresh token revoked")}
	}}
	m := NewManager(ManagerOptions{Store: store, Refresher: refresher, Clock: clock.Now})

	cred, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-sibling", cred.AccessToken)
}

func TestAcquireReportsRefreshRejection(t *testing.T) {
	store := NewMemoryStore(&Credential{RefreshToken: "rt-1"})
	refresher := &fakeRefresher{refresh: func(context.Context, string) (Credential, error) {
		return Credential{}, &RefreshError{Code: "invalid_grant", Err: errors.New("expired")}
	}}
	m := NewManager(ManagerOptions{Store: store, Refresher: refresher})

	_, err := m.Acquire(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "invalid_grant", authErr.Reason)
	assert.False(t, errors.Is(err, ErrNoCredential))

	refresher.refresh = func(context.Context, string) (Credential, error) {
		return Credential{}, errors.New("connection reset")
	}
	_, err = m.Acquire(context.Background())
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, ReasonRefreshRejected, authErr.Reason)
}

func TestInvalidateForcesRefreshOfUnexpiredToken(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore(&Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: clock.Now().Add(time.Hour)})
	refresher := &fakeRefresher{refresh: func(context.Context, string) (Credential, error) {
		return Credential{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	}}
	m := NewManager(ManagerOptions{Store: store, Refresher: refresher, Clock: clock.Now})

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)

	m.Invalidate()
	token, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", token)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestStaticSource(t *testing.T) {
	token, err := NewStaticSource(" ghp_abc ").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ghp_abc", token)

	_, err = NewStaticSource("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}
