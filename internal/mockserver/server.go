// Package mockserver is an in-process stand-in for the lobby backend: the
// auth and room REST endpoints plus the lobby and room channels. It backs
// the end-to-end tests and cmd/mock-server.
package mockserver

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/lobby-client/internal/types"
)

type Options struct {
	Secret       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	RoomCount    int
	PingInterval time.Duration // server PING cadence on channels
	ReadTimeout  time.Duration // silence after which a channel closes with 4408
	BcryptCost   int
	Logger       *zap.Logger
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.Secret == "" {
		o.Secret = "mock-server-secret"
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = time.Hour
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 90 * 24 * time.Hour
	}
	if o.RoomCount <= 0 {
		o.RoomCount = 3
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.BcryptCost == 0 {
		o.BcryptCost = bcrypt.DefaultCost
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Counters exposes request counts for tests.
type Counters struct {
	Logins     atomic.Int64
	Registers  atomic.Int64
	Refreshes  atomic.Int64
	RoomLists  atomic.Int64
	Heartbeats atomic.Int64
	Pongs      atomic.Int64
}

type Server struct {
	opts     Options
	users    *userStore
	tokens   *tokenIssuer
	rooms    *Registry
	logger   *zap.Logger
	handler  http.Handler
	Counters Counters
}

func New(ctx context.Context, opts Options) *Server {
	opts.setDefaults()
	s := &Server{
		opts:   opts,
		users:  newUserStore(opts.BcryptCost, opts.Now),
		tokens: newTokenIssuer(opts.Secret, opts.AccessTTL, opts.RefreshTTL, opts.Now),
		rooms:  NewRegistry(ctx, opts.RoomCount, opts.Logger),
		logger: opts.Logger,
	}
	s.handler = s.SetupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close ends every channel and stops the room registry.
func (s *Server) Close() { s.rooms.Shutdown() }

// CreateUser registers an account directly.
func (s *Server) CreateUser(username, password string) (types.User, error) {
	return s.users.create(username, password)
}

// IssueAccessToken signs an access token for an existing user.
func (s *Server) IssueAccessToken(userID int) (string, error) {
	return s.tokens.issueAccess(userID)
}

// InvalidateAccessTokens makes every access token issued so far fail with 401.
func (s *Server) InvalidateAccessTokens() { s.tokens.invalidateAccess() }

// DropConnections closes every open channel connection.
func (s *Server) DropConnections() { s.rooms.DropAll() }

// Connections counts open channel connections.
func (s *Server) Connections(ctx context.Context) (int, error) { return s.rooms.Subscribers(ctx) }

// SetRoomStatus forces a room into status and pushes the change.
func (s *Server) SetRoomStatus(ctx context.Context, roomID int, status types.RoomStatus) (types.RoomDetail, error) {
	return s.rooms.SetStatus(ctx, roomID, status)
}

// JoinRoom seats a user without going through HTTP.
func (s *Server) JoinRoom(ctx context.Context, roomID int, user types.User) (types.RoomDetail, error) {
	return s.rooms.Join(ctx, roomID, user)
}
