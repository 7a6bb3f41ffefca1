package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/config"
	"github.com/DoyleJ11/lobby-client/internal/httpapi"
	"github.com/DoyleJ11/lobby-client/internal/storage"
	"github.com/DoyleJ11/lobby-client/internal/types"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired")
)

// Manager exclusively owns the Session. Other components get read accessors
// (AccessToken, Session) and triggers (RefreshSession, Logout) only.
type Manager struct {
	api    API
	store  storage.Store
	key    string
	leeway time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	session Session
	// generation changes whenever the session is replaced or cleared; a
	// refresh started under an older generation is discarded on completion.
	generation  uint64
	refreshDone chan struct{} // non-nil while a refresh is in flight
	observers   []func()

	persistMu sync.Mutex
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithStorageKey(key string) Option {
	return func(m *Manager) { m.key = key }
}

// WithRefreshLeeway sets how close to expiry EnsureFresh starts refreshing.
func WithRefreshLeeway(d time.Duration) Option {
	return func(m *Manager) { m.leeway = d }
}

// WithLogoutObserver registers fn to run after every logout.
func WithLogoutObserver(fn func()) Option {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

func NewManager(api API, store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		api:    api,
		store:  store,
		key:    config.DefaultSessionKey,
		leeway: config.DefaultRefreshLeeway,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnLogout registers fn to run after every logout.
func (m *Manager) OnLogout(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Session returns a copy of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session.clone()
	s.IsRefreshing = m.refreshDone != nil
	return s
}

func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.AccessToken
}

func (m *Manager) User() *types.User {
	return m.Session().User
}

func (m *Manager) Authenticated() bool {
	return m.AccessToken() != ""
}

func (m *Manager) Refreshing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshDone != nil
}

// Login authenticates and installs a new session. On failure the session is
// left untouched and the returned error carries the server's message.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	resp, err := m.api.Login(ctx, Credentials{Username: NormalizeUsername(username), Password: password})
	if err != nil {
		return err
	}
	return m.install(ctx, resp, MsgLoginFailed)
}

// Register uses the backend's register endpoint when it exists and returns
// tokens; otherwise it logs in with the same credentials.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	if r, ok := m.api.(Registerer); ok {
		resp, err := r.Register(ctx, Credentials{Username: NormalizeUsername(username), Password: password})
		if err != nil {
			return err
		}
		if resp != nil && resp.AccessToken != "" {
			return m.install(ctx, resp, MsgRegisterFailed)
		}
	}
	return m.Login(ctx, username, password)
}

func (m *Manager) install(ctx context.Context, resp *TokenResponse, fallback string) error {
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.User == nil || resp.User.Username == "" {
		return &httpapi.APIError{Status: 200, Message: fallback}
	}
	s := Session{
		User:           resp.User.toUser(),
		AccessToken:    resp.AccessToken,
		RefreshToken:   resp.RefreshToken,
		AccessExpireAt: m.expiry(resp),
	}

	m.mu.Lock()
	m.generation++
	m.session = s
	m.mu.Unlock()

	m.logger.Info("session established", zap.Int("user_id", s.User.ID), zap.Time("expires_at", s.AccessExpireAt))
	m.persist(ctx)
	return nil
}

func (m *Manager) expiry(resp *TokenResponse) time.Time {
	if resp.ExpiresIn > 0 {
		return m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return tokenExpiry(resp.AccessToken)
}

// RefreshSession exchanges the refresh token for a new access token. It is
// single-flight: while one refresh is in flight, other callers get false
// immediately without any network call. Without a refresh token or a
// refresh-capable backend it returns false without network I/O. Failure
// leaves the session unchanged.
func (m *Manager) RefreshSession(ctx context.Context) bool {
	refresher, ok := m.api.(Refresher)

	m.mu.Lock()
	if m.refreshDone != nil {
		m.mu.Unlock()
		return false
	}
	if !ok || m.session.RefreshToken == "" {
		m.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	m.refreshDone = done
	gen := m.generation
	refreshToken := m.session.RefreshToken
	m.mu.Unlock()

	resp, err := refresher.Refresh(ctx, refreshToken)

	m.mu.Lock()
	applied := false
	stale := m.generation != gen
	valid := err == nil && resp != nil && resp.AccessToken != ""
	if valid && !stale {
		m.session.AccessToken = resp.AccessToken
		if resp.RefreshToken != "" {
			m.session.RefreshToken = resp.RefreshToken
		}
		m.session.AccessExpireAt = m.expiry(resp)
		applied = true
	}
	m.refreshDone = nil
	close(done)
	m.mu.Unlock()

	switch {
	case err != nil:
		m.logger.Warn("session refresh failed", zap.Error(err))
	case !valid:
		m.logger.Warn("session refresh returned no access token")
	case stale:
		m.logger.Debug("discarding refresh result for a superseded session")
	default:
		m.persist(ctx)
	}
	return applied
}

// AwaitRefresh blocks until no refresh is in flight.
func (m *Manager) AwaitRefresh(ctx context.Context) error {
	m.mu.Lock()
	done := m.refreshDone
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HydrateFromStorage restores a persisted session. A malformed entry is
// deleted and the current session kept. The restored token is not checked
// against the server.
func (m *Manager) HydrateFromStorage(ctx context.Context) {
	raw, err := m.store.Get(ctx, m.key)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && raw == "") {
		return
	}
	if err != nil {
		m.logger.Warn("failed to read persisted session", zap.Error(err))
		return
	}

	s, err := decodeSession(raw)
	if err != nil {
		m.logger.Warn("discarding malformed persisted session", zap.Error(err))
		if err := m.store.Remove(ctx, m.key); err != nil {
			m.logger.Warn("failed to remove persisted session", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	m.generation++
	m.session = s
	m.mu.Unlock()
	m.logger.Debug("session restored from storage", zap.Bool("authenticated", s.Authenticated()))
}

// Logout clears the session and the persisted entry, then notifies
// observers. Calling it again is harmless.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.generation++
	m.session = Session{}
	observers := make([]func(), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.persist(ctx)

	for _, fn := range observers {
		fn()
	}
}

// persist writes the current session as one value, or deletes the entry when
// logged out. Writes are serialized so the last one reflects the latest state.
func (m *Manager) persist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	s := m.Session()
	if !s.Authenticated() {
		if err := m.store.Remove(ctx, m.key); err != nil {
			m.logger.Warn("failed to remove persisted session", zap.Error(err))
		}
		return
	}
	raw, err := encodeSession(s)
	if err != nil {
		m.logger.Error("failed to encode session", zap.Error(err))
		return
	}
	if err := m.store.Set(ctx, m.key, raw); err != nil {
		m.logger.Warn("failed to persist session", zap.Error(err))
	}
}

// EnsureFresh guards an authenticated operation: without a session it logs
// out and fails; when the access token expires within the leeway it
// refreshes, logging out if that fails.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	s := m.Session()
	if !s.Authenticated() {
		m.Logout()
		return ErrNotAuthenticated
	}
	if !s.AccessExpireAt.IsZero() && s.AccessExpireAt.Sub(m.now()) > m.leeway {
		return nil
	}
	if m.RefreshSession(ctx) {
		return nil
	}
	if err := m.AwaitRefresh(ctx); err == nil {
		if tok := m.AccessToken(); tok != "" && tok != s.AccessToken {
			return nil
		}
	}
	m.Logout()
	return ErrSessionExpired
}
