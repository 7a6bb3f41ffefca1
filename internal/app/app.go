// Package app builds the client's collaborators once and threads them
// explicitly: config, logger, storage, session manager, request pipeline,
// the sync hub and the view stores.
package app

import (
	"context"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/auth"
	"github.com/DoyleJ11/lobby-client/internal/config"
	"github.com/DoyleJ11/lobby-client/internal/httpapi"
	"github.com/DoyleJ11/lobby-client/internal/hub"
	"github.com/DoyleJ11/lobby-client/internal/lobby"
	"github.com/DoyleJ11/lobby-client/internal/room"
	"github.com/DoyleJ11/lobby-client/internal/storage"
	"github.com/DoyleJ11/lobby-client/internal/ws"
	"github.com/DoyleJ11/lobby-client/pkg/logger"
)

const msgLogoutFailed = "Logout failed"

type App struct {
	Config *config.Config
	Logger *zap.Logger
	Store  storage.Store
	Auth   *auth.Manager
	API    *httpapi.Client
	Rooms  *httpapi.RoomsAPI
	Hub    *hub.Hub
	Lobby  *lobby.Store

	wsBase    string
	ownLogger bool
	transport http.RoundTripper
	dialer    ws.Dialer
	ctx       context.Context
	cancel    context.CancelFunc
}

type Option func(*App)

// WithLogger skips building a logger from cfg.Logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.Logger = l }
}

// WithStore skips opening the configured storage backend.
func WithStore(s storage.Store) Option {
	return func(a *App) { a.Store = s }
}

// WithHTTPTransport sets the transport under both the auth API and the
// request pipeline.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(a *App) { a.transport = rt }
}

func WithDialer(d ws.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// New wires the client and restores any persisted session.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wsBase, err := cfg.WSBaseURL()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, wsBase: wsBase}
	for _, opt := range opts {
		opt(a)
	}
	if a.Logger == nil {
		if a.Logger, err = logger.NewLogger(&cfg.Logger); err != nil {
			return nil, err
		}
		a.ownLogger = true
	}
	if a.Store == nil {
		if a.Store, err = storage.NewStore(a.Logger, &cfg.Storage); err != nil {
			return nil, err
		}
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	authHTTP := &http.Client{Timeout: cfg.API.Timeout, Transport: a.transport}
	a.Auth = auth.NewManager(auth.NewHTTPAPI(cfg.API.BaseURL, authHTTP), a.Store,
		auth.WithLogger(a.Logger.Named("auth")),
		auth.WithStorageKey(cfg.Session.StorageKey),
		auth.WithRefreshLeeway(cfg.Session.RefreshLeeway),
	)
	a.API = httpapi.NewClient(cfg.API.BaseURL, a.Auth,
		httpapi.WithBaseTransport(a.transport),
		httpapi.WithTimeout(cfg.API.Timeout),
		httpapi.WithLogger(a.Logger.Named("http")),
	)
	a.Rooms = httpapi.NewRoomsAPI(a.API)
	a.Hub = hub.NewHub(a.ctx, a.Logger.Named("hub"))
	a.Lobby = lobby.NewStore(a.ctx, lobby.WithLogger(a.Logger.Named("lobby")))

	// A sign-out anywhere stops every channel.
	a.Auth.OnLogout(a.Hub.StopAll)
	a.Auth.HydrateFromStorage(a.ctx)
	return a, nil
}

func (a *App) channel(handler ws.Handler) *ws.Client {
	opts := []ws.ClientOption{
		ws.WithHeartbeatInterval(a.Config.Channel.HeartbeatInterval),
		ws.WithHandshakeTimeout(a.Config.Channel.HandshakeTimeout),
		ws.WithLogger(a.Logger.Named("ws")),
	}
	if a.dialer != nil {
		opts = append(opts, ws.WithDialer(a.dialer))
	}
	return ws.NewClient(a.wsBase, handler, opts...)
}

func (a *App) syncerOptions() []hub.SyncerOption {
	return []hub.SyncerOption{
		hub.WithPolicy(a.Config.Channel.Reconnect),
		hub.WithLogger(a.Logger.Named("sync")),
	}
}

// LobbySyncer follows the lobby channel into a.Lobby, resyncing from
// GET /api/rooms.
func (a *App) LobbySyncer() *hub.Syncer {
	resync := func(ctx context.Context) error {
		rooms, err := a.Rooms.ListRooms(ctx)
		if err != nil {
			return err
		}
		a.Lobby.ApplyRoomList(rooms)
		return nil
	}
	return hub.NewSyncer(ws.LobbyScope(), a.channel(a.Lobby.Apply), a.Lobby, resync, a.Auth, a.syncerOptions()...)
}

// RoomView creates a room store for roomID and the syncer that feeds it. The
// store lives until Close.
func (a *App) RoomView(roomID int) (*room.Store, *hub.Syncer) {
	opts := []room.Option{room.WithLogger(a.Logger.Named("room"))}
	if u := a.Auth.User(); u != nil {
		opts = append(opts, room.WithSelf(u.ID))
	}
	store := room.NewStore(a.ctx, roomID, opts...)

	resync := func(ctx context.Context) error {
		detail, err := a.Rooms.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		store.ApplyRoomUpdate(*detail)
		return nil
	}
	return store, hub.NewSyncer(ws.RoomScope(roomID), a.channel(store.Apply), store, resync, a.Auth, a.syncerOptions()...)
}

// Watch runs syncers until ctx ends or one of them stops for good.
func (a *App) Watch(ctx context.Context, syncers ...*hub.Syncer) error {
	return a.Hub.Run(ctx, syncers...)
}

// SignOut revokes the refresh token on the server, then clears the local
// session. A server failure is logged and does not keep the session alive.
func (a *App) SignOut(ctx context.Context) {
	if rt := a.Auth.Session().RefreshToken; rt != "" {
		body := map[string]string{"refresh_token": rt}
		if err := a.API.Do(ctx, http.MethodPost, "/api/auth/logout", body, nil, msgLogoutFailed); err != nil {
			a.Logger.Warn("server logout failed", zap.Error(err))
		}
	}
	a.Auth.Logout()
}

// Close stops every channel and store and releases storage.
func (a *App) Close() error {
	a.Hub.Shutdown()
	a.Lobby.Close()
	a.cancel()
	err := a.Store.Close()
	// Syncing stdout fails on most terminals; only a log file needs it.
	if a.ownLogger && a.Config.Logger.Output == "file" {
		err = multierr.Append(err, a.Logger.Sync())
	}
	return err
}
