package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/lobby-client/internal/httpapi"
	"github.com/DoyleJ11/lobby-client/internal/storage"
)

const testKey = "xianqi.auth.session"

// fakeAPI implements API and Refresher. refreshGate, when set, blocks
// Refresh until a value is sent or the channel closed.
type fakeAPI struct {
	loginCalls   atomic.Int32
	refreshCalls atomic.Int32

	loginResp *TokenResponse
	loginErr  error

	refreshResp  *TokenResponse
	refreshErr   error
	refreshGate  chan struct{}
	refreshEnter chan struct{}
}

func (f *fakeAPI) Login(_ context.Context, c Credentials) (*TokenResponse, error) {
	f.loginCalls.Add(1)
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.loginResp, nil
}

func (f *fakeAPI) Refresh(_ context.Context, _ string) (*TokenResponse, error) {
	f.refreshCalls.Add(1)
	if f.refreshEnter != nil {
		f.refreshEnter <- struct{}{}
	}
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	return f.refreshResp, f.refreshErr
}

// loginOnlyAPI has no refresh and no register capability.
type loginOnlyAPI struct{ inner fakeAPI }

func (l *loginOnlyAPI) Login(ctx context.Context, c Credentials) (*TokenResponse, error) {
	return l.inner.Login(ctx, c)
}

type registerAPI struct {
	*fakeAPI
	registerResp *TokenResponse
	registerErr  error
	registered   atomic.Int32
}

func (r *registerAPI) Register(_ context.Context, _ Credentials) (*TokenResponse, error) {
	r.registered.Add(1)
	return r.registerResp, r.registerErr
}

func loginResponse(access, refresh string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    900,
		User:         &UserPayload{ID: 7, Username: "alice", CreatedAt: "2026-01-01T00:00:00Z"},
	}
}

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestManager(api API, store storage.Store, opts ...Option) *Manager {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewManager(api, store, opts...)
}

func assertInvariant(t *testing.T, s Session) {
	t.Helper()
	assert.Equal(t, s.AccessToken == "", s.User == nil, "access token vs user")
	assert.Equal(t, s.AccessToken == "", s.RefreshToken == "", "access token vs refresh token")
}

func TestLogin_InstallsAndPersists(t *testing.T) {
	api := &fakeAPI{loginResp: loginResponse("a1", "r1")}
	store := storage.NewMemoryStore()
	m := newTestManager(api, store)

	require.NoError(t, m.Login(context.Background(), "alice", "pw"))

	s := m.Session()
	assertInvariant(t, s)
	assert.Equal(t, "a1", s.AccessToken)
	assert.Equal(t, "r1", s.RefreshToken)
	assert.Equal(t, "alice", s.User.Username)
	assert.True(t, s.AccessExpireAt.After(fixedNow))
	assert.Equal(t, fixedNow.Add(900*time.Second), s.AccessExpireAt)

	raw, err := store.Get(context.Background(), testKey)
	require.NoError(t, err)
	restored, err := decodeSession(raw)
	require.NoError(t, err)
	assert.Equal(t, "a1", restored.AccessToken)
	assert.Equal(t, s.AccessExpireAt.UnixMilli(), restored.AccessExpireAt.UnixMilli())
}

func TestLogin_FailureLeavesSessionUntouched(t *testing.T) {
	api := &fakeAPI{loginErr: &httpapi.APIError{Status: 401, Message: "invalid username or password"}}
	store := storage.NewMemoryStore()
	m := newTestManager(api, store)

	err := m.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.Equal(t, "invalid username or password", err.Error())

	s := m.Session()
	assertInvariant(t, s)
	assert.False(t, s.Authenticated())
	_, err = store.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLogin_MalformedResponseUsesFallback(t *testing.T) {
	api := &fakeAPI{loginResp: &TokenResponse{AccessToken: "a1"}}
	m := newTestManager(api, storage.NewMemoryStore())

	err := m.Login(context.Background(), "alice", "pw")
	require.Error(t, err)
	assert.Equal(t, MsgLoginFailed, err.Error())
	assert.False(t, m.Authenticated())
}

func TestLogin_ExpiryFromJWTWhenExpiresInMissing(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "7", "exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	resp := loginResponse(tok, "r1")
	resp.ExpiresIn = 0
	m := newTestManager(&fakeAPI{loginResp: resp}, storage.NewMemoryStore())

	require.NoError(t, m.Login(context.Background(), "alice", "pw"))
	assert.True(t, exp.Equal(m.Session().AccessExpireAt))
}

func TestRegister_UsesRegisterResponse(t *testing.T) {
	base := &fakeAPI{loginResp: loginResponse("login", "r")}
	api := &registerAPI{fakeAPI: base, registerResp: loginResponse("reg", "r2")}
	m := newTestManager(api, storage.NewMemoryStore())

	require.NoError(t, m.Register(context.Background(), "alice", "pw"))
	assert.Equal(t, "reg", m.AccessToken())
	assert.EqualValues(t, 1, api.registered.Load())
	assert.EqualValues(t, 0, base.loginCalls.Load())
}

func TestRegister_FallsBackToLogin(t *testing.T) {
	t.Run("no token in register response", func(t *testing.T) {
		base := &fakeAPI{loginResp: loginResponse("login", "r")}
		api := &registerAPI{fakeAPI: base, registerResp: &TokenResponse{}}
		m := newTestManager(api, storage.NewMemoryStore())

		require.NoError(t, m.Register(context.Background(), "alice", "pw"))
		assert.Equal(t, "login", m.AccessToken())
		assert.EqualValues(t, 1, base.loginCalls.Load())
	})

	t.Run("no register endpoint", func(t *testing.T) {
		api := &loginOnlyAPI{inner: fakeAPI{loginResp: loginResponse("login", "r")}}
		m := newTestManager(api, storage.NewMemoryStore())

		require.NoError(t, m.Register(context.Background(), "alice", "pw"))
		assert.Equal(t, "login", m.AccessToken())
	})

	t.Run("register error propagates", func(t *testing.T) {
		base := &fakeAPI{loginResp: loginResponse("login", "r")}
		api := &registerAPI{fakeAPI: base, registerErr: &httpapi.APIError{Status: 409, Message: "username taken"}}
		m := newTestManager(api, storage.NewMemoryStore())

		err := m.Register(context.Background(), "alice", "pw")
		assert.EqualError(t, err, "username taken")
		assert.EqualValues(t, 0, base.loginCalls.Load())
	})
}

func loggedIn(t *testing.T, api API) (*Manager, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	m := newTestManager(api, store)
	m.mu.Lock()
	m.session = Session{
		User:           loginResponse("", "").User.toUser(),
		AccessToken:    "a1",
		RefreshToken:   "r1",
		AccessExpireAt: fixedNow.Add(time.Minute),
	}
	m.mu.Unlock()
	return m, store
}

func TestRefreshSession_SingleFlight(t *testing.T) {
	api := &fakeAPI{
		refreshResp:  &TokenResponse{AccessToken: "a2", ExpiresIn: 900},
		refreshGate:  make(chan struct{}),
		refreshEnter: make(chan struct{}, 1),
	}
	m, _ := loggedIn(t, api)

	var first bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = m.RefreshSession(context.Background())
	}()

	select {
	case <-api.refreshEnter:
	case <-time.After(time.Second):
		t.Fatal("first refresh never reached the network")
	}
	assert.True(t, m.Session().IsRefreshing)

	// second caller is turned away without a network call
	assert.False(t, m.RefreshSession(context.Background()))
	assert.EqualValues(t, 1, api.refreshCalls.Load())

	close(api.refreshGate)
	wg.Wait()

	assert.True(t, first)
	assert.EqualValues(t, 1, api.refreshCalls.Load())
	assert.False(t, m.Session().IsRefreshing)
	assert.Equal(t, "a2", m.AccessToken())
}

func TestRefreshSession_Preconditions(t *testing.T) {
	t.Run("no refresh token", func(t *testing.T) {
		api := &fakeAPI{}
		m := newTestManager(api, storage.NewMemoryStore())
		assert.False(t, m.RefreshSession(context.Background()))
		assert.EqualValues(t, 0, api.refreshCalls.Load())
	})

	t.Run("no refresh capability", func(t *testing.T) {
		api := &loginOnlyAPI{}
		m, _ := loggedIn(t, api)
		assert.False(t, m.RefreshSession(context.Background()))
		assert.EqualValues(t, 0, api.inner.refreshCalls.Load())
	})
}

func TestRefreshSession_RotatesOrKeepsRefreshToken(t *testing.T) {
	api := &fakeAPI{refreshResp: &TokenResponse{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 60}}
	m, store := loggedIn(t, api)

	require.True(t, m.RefreshSession(context.Background()))
	s := m.Session()
	assert.Equal(t, "a2", s.AccessToken)
	assert.Equal(t, "r2", s.RefreshToken)
	assert.Equal(t, fixedNow.Add(time.Minute), s.AccessExpireAt)

	raw, err := store.Get(context.Background(), testKey)
	require.NoError(t, err)
	persisted, err := decodeSession(raw)
	require.NoError(t, err)
	assert.Equal(t, "r2", persisted.RefreshToken)

	api.refreshResp = &TokenResponse{AccessToken: "a3", ExpiresIn: 60}
	require.True(t, m.RefreshSession(context.Background()))
	assert.Equal(t, "a3", m.AccessToken())
	assert.Equal(t, "r2", m.Session().RefreshToken, "old refresh token retained when not rotated")
}

func TestRefreshSession_FailureLeavesSessionUnchanged(t *testing.T) {
	for name, api := range map[string]*fakeAPI{
		"network":   {refreshErr: errors.New("connection refused")},
		"malformed": {refreshResp: &TokenResponse{}},
	} {
		t.Run(name, func(t *testing.T) {
			m, _ := loggedIn(t, api)
			before := m.Session()

			assert.False(t, m.RefreshSession(context.Background()))
			after := m.Session()
			assert.Equal(t, before, after)
			assert.False(t, after.IsRefreshing)
		})
	}
}

func TestRefreshSession_LateCompletionAfterLogoutIsIgnored(t *testing.T) {
	api := &fakeAPI{
		refreshResp:  &TokenResponse{AccessToken: "a2", ExpiresIn: 900},
		refreshGate:  make(chan struct{}),
		refreshEnter: make(chan struct{}, 1),
	}
	m, store := loggedIn(t, api)

	result := make(chan bool, 1)
	go func() { result <- m.RefreshSession(context.Background()) }()
	<-api.refreshEnter

	m.Logout()
	close(api.refreshGate)

	assert.False(t, <-result)
	s := m.Session()
	assertInvariant(t, s)
	assert.False(t, s.Authenticated())
	_, err := store.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAwaitRefresh(t *testing.T) {
	api := &fakeAPI{
		refreshResp:  &TokenResponse{AccessToken: "a2", ExpiresIn: 900},
		refreshGate:  make(chan struct{}),
		refreshEnter: make(chan struct{}, 1),
	}
	m, _ := loggedIn(t, api)

	require.NoError(t, m.AwaitRefresh(context.Background()), "idle returns at once")

	go m.RefreshSession(context.Background())
	<-api.refreshEnter

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.AwaitRefresh(ctx), context.DeadlineExceeded)

	close(api.refreshGate)
	require.NoError(t, m.AwaitRefresh(context.Background()))
	assert.Equal(t, "a2", m.AccessToken())
}

func TestHydrateFromStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("valid entry replaces session", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.Set(ctx, testKey,
			`{"user":{"id":3,"username":"bob"},"accessToken":"a","refreshToken":"r","accessExpireAt":1790000000000}`))
		m := newTestManager(&fakeAPI{}, store)

		m.HydrateFromStorage(ctx)
		s := m.Session()
		assertInvariant(t, s)
		assert.Equal(t, "bob", s.User.Username)
		assert.Equal(t, int64(1790000000000), s.AccessExpireAt.UnixMilli())
	})

	corrupt := map[string]string{
		"not json":        `{"user":`,
		"token w/o user":  `{"user":null,"accessToken":"a","refreshToken":"r","accessExpireAt":null}`,
		"missing refresh": `{"user":{"id":1,"username":"x"},"accessToken":"a","refreshToken":null}`,
		"wrong types":     `{"user":"alice","accessToken":1}`,
	}
	for name, raw := range corrupt {
		t.Run(name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			require.NoError(t, store.Set(ctx, testKey, raw))
			m, _ := loggedIn(t, &fakeAPI{})
			m.store = store
			before := m.Session()

			m.HydrateFromStorage(ctx)

			assert.Equal(t, before, m.Session())
			_, err := store.Get(ctx, testKey)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}

	t.Run("missing entry is a no-op", func(t *testing.T) {
		m := newTestManager(&fakeAPI{}, storage.NewMemoryStore())
		m.HydrateFromStorage(ctx)
		assert.False(t, m.Authenticated())
	})
}

func TestLogout_IdempotentAndNotifies(t *testing.T) {
	api := &fakeAPI{loginResp: loginResponse("a1", "r1")}
	store := storage.NewMemoryStore()
	var notified atomic.Int32
	m := newTestManager(api, store, WithLogoutObserver(func() { notified.Add(1) }))
	require.NoError(t, m.Login(context.Background(), "alice", "pw"))

	m.Logout()
	m.Logout()

	s := m.Session()
	assertInvariant(t, s)
	assert.False(t, s.Authenticated())
	assert.True(t, s.AccessExpireAt.IsZero())
	_, err := store.Get(context.Background(), testKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.EqualValues(t, 2, notified.Load())
}

func TestEnsureFresh(t *testing.T) {
	ctx := context.Background()

	t.Run("logged out", func(t *testing.T) {
		m := newTestManager(&fakeAPI{}, storage.NewMemoryStore())
		assert.ErrorIs(t, m.EnsureFresh(ctx), ErrNotAuthenticated)
	})

	t.Run("far from expiry", func(t *testing.T) {
		api := &fakeAPI{}
		m, _ := loggedIn(t, api)
		m.leeway = 10 * time.Second
		assert.NoError(t, m.EnsureFresh(ctx))
		assert.EqualValues(t, 0, api.refreshCalls.Load())
	})

	t.Run("within leeway refreshes", func(t *testing.T) {
		api := &fakeAPI{refreshResp: &TokenResponse{AccessToken: "a2", ExpiresIn: 900}}
		m, _ := loggedIn(t, api) // expires in 1 minute, default leeway 60s
		assert.NoError(t, m.EnsureFresh(ctx))
		assert.Equal(t, "a2", m.AccessToken())
	})

	t.Run("refresh failure logs out", func(t *testing.T) {
		api := &fakeAPI{refreshErr: errors.New("boom")}
		m, _ := loggedIn(t, api)
		assert.ErrorIs(t, m.EnsureFresh(ctx), ErrSessionExpired)
		assert.False(t, m.Authenticated())
	})
}

func TestNormalizeUsername(t *testing.T) {
	decomposed := "Zoé"
	assert.Equal(t, "Zoé", NormalizeUsername(decomposed))
	assert.Equal(t, "Alice", NormalizeUsername("Alice"))
}
