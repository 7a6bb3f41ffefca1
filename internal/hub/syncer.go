package hub

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/config"
	"github.com/DoyleJ11/lobby-client/internal/ws"
)

var (
	ErrReconnectExhausted = errors.New("channel reconnect attempts exhausted")
	ErrSignedOut          = errors.New("signed out")
)

// stableAfter is how long a connection must stay up before an unauthorized
// close is treated as a fresh token expiry rather than a rejected token.
const stableAfter = 5 * time.Second

// Sink is a view store fed by one channel.
type Sink interface {
	Apply(ev ws.Event)
	SetConnected(connected bool)
	SetLoading(loading bool)
	SetError(msg string)
}

// Channel is the connection a Syncer drives. *ws.Client implements it.
type Channel interface {
	Connect(ctx context.Context, scope ws.Scope, token string) error
	Disconnect()
	Done() <-chan struct{}
	Err() error
}

// Session is the slice of the auth manager a Syncer may use.
type Session interface {
	AccessToken() string
	RefreshSession(ctx context.Context) bool
	AwaitRefresh(ctx context.Context) error
	Logout()
}

// Resync fetches full state over REST and applies it to the sink.
type Resync func(ctx context.Context) error

// Syncer keeps one view store converged with the server: it holds the
// channel open, reconnects with bounded backoff and resyncs over REST after
// every (re)connect, since the channel has no replay.
type Syncer struct {
	scope   ws.Scope
	channel Channel
	sink    Sink
	resync  Resync
	session Session
	policy  config.ReconnectConfig
	logger  *zap.Logger
	now     func() time.Time
}

type SyncerOption func(*Syncer)

func WithPolicy(p config.ReconnectConfig) SyncerOption {
	return func(s *Syncer) { s.policy = p }
}

func WithLogger(l *zap.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = l }
}

func NewSyncer(scope ws.Scope, channel Channel, sink Sink, resync Resync, session Session, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		scope:   scope,
		channel: channel,
		sink:    sink,
		resync:  resync,
		session: session,
		policy: config.ReconnectConfig{
			MaxAttempts:     5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
		},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.Stringer("scope", scope))
	return s
}

func (s *Syncer) Scope() ws.Scope { return s.scope }

// Run syncs until ctx is cancelled (returns nil) or the scope can no longer
// be followed: ws.ErrRoomNotFound, ErrSignedOut, ErrReconnectExhausted.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.channel.Disconnect()

	s.sink.SetLoading(true)
	defer s.sink.SetLoading(false)

	unauthorizedStreak := 0
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrSignedOut) {
				return err
			}
			s.logger.Warn("reconnect attempts exhausted, falling back to REST", zap.Error(err))
			s.doResync(ctx)
			s.sink.SetError("real-time updates unavailable")
			return ErrReconnectExhausted
		}
		connectedAt := s.now()
		s.sink.SetConnected(true)
		s.sink.SetError("")
		s.doResync(ctx)
		s.sink.SetLoading(false)

		select {
		case <-ctx.Done():
			s.sink.SetConnected(false)
			return nil
		case <-s.channel.Done():
		}
		s.sink.SetConnected(false)

		cause := s.channel.Err()
		s.logger.Info("channel lost", zap.NamedError("cause", cause))
		switch {
		case errors.Is(cause, ws.ErrRoomNotFound):
			s.sink.SetError("room not found")
			return ws.ErrRoomNotFound

		case errors.Is(cause, ws.ErrUnauthorized):
			if s.now().Sub(connectedAt) >= stableAfter {
				unauthorizedStreak = 0
			}
			unauthorizedStreak++
			if unauthorizedStreak > 1 || !s.refresh(ctx) {
				s.logger.Warn("channel credential rejected, signing out")
				s.session.Logout()
				return ErrSignedOut
			}

		default:
			unauthorizedStreak = 0
		}
	}
}

// connect opens the channel, retrying with bounded exponential backoff.
func (s *Syncer) connect(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.policy.InitialInterval
	eb.MaxInterval = s.policy.MaxInterval
	eb.Multiplier = s.policy.Multiplier
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := uint64(0)
	if s.policy.MaxAttempts > 1 {
		retries = uint64(s.policy.MaxAttempts - 1)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		token := s.session.AccessToken()
		if token == "" {
			return backoff.Permanent(ErrSignedOut)
		}
		return s.channel.Connect(ctx, s.scope, token)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("channel connect failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(op, b, notify)
}

// refresh renews the access token after an unauthorized close. A refresh
// already in flight elsewhere counts when it rotates the token.
func (s *Syncer) refresh(ctx context.Context) bool {
	stale := s.session.AccessToken()
	if s.session.RefreshSession(ctx) {
		return true
	}
	if err := s.session.AwaitRefresh(ctx); err != nil {
		return false
	}
	tok := s.session.AccessToken()
	return tok != "" && tok != stale
}

func (s *Syncer) doResync(ctx context.Context) {
	if s.resync == nil {
		return
	}
	if err := s.resync(ctx); err != nil {
		s.logger.Warn("REST resync failed", zap.Error(err))
		s.sink.SetError(err.Error())
	}
}
