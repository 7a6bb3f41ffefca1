package lobby

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/types"
	"github.com/DoyleJ11/lobby-client/internal/ws"
)

type Msg interface{ isLobbyMsg() }

// ApplyRoomList replaces the whole room collection.
type ApplyRoomList struct {
	Rooms []types.RoomSummary
}

// ApplyRoomUpdate replaces one room in place or inserts it.
type ApplyRoomUpdate struct {
	Room types.RoomSummary
}

type SetConnected struct{ Connected bool }

type SetLoading struct{ Loading bool }

type SetError struct{ Message string }

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this subscriber wants to receive snapshots
}

type Leave struct{ ClientID string }

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

func (ApplyRoomList) isLobbyMsg()   {}
func (ApplyRoomUpdate) isLobbyMsg() {}
func (SetConnected) isLobbyMsg()    {}
func (SetLoading) isLobbyMsg()      {}
func (SetError) isLobbyMsg()        {}
func (Join) isLobbyMsg()            {}
func (Leave) isLobbyMsg()           {}
func (GetState) isLobbyMsg()        {}
func (Shutdown) isLobbyMsg()        {}

// Snapshot is a copy of the lobby view. Rooms never aliases store memory.
type Snapshot struct {
	Version    int
	Rooms      []types.RoomSummary
	LastSyncAt time.Time // zero until the first sync
	Connected  bool
	Loading    bool
	Error      string
}

type View struct {
	Snapshot
	NumClients int
}

// Store reconciles the lobby room list from channel events and REST
// snapshots. All state lives in one goroutine; callers talk to it through
// Inbox or the helper methods.
type Store struct {
	inbox   chan Msg
	rooms   []types.RoomSummary
	synced  time.Time
	conn    bool
	loading bool
	errMsg  string
	version int
	clients map[string]chan Snapshot
	now     func() time.Time
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRooms seeds the collection instead of the empty placeholder.
func WithRooms(rooms []types.RoomSummary) Option {
	return func(s *Store) { s.rooms = slices.Clone(rooms) }
}

func NewStore(parent context.Context, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		inbox:   make(chan Msg, 64),
		rooms:   []types.RoomSummary{},
		clients: make(map[string]chan Snapshot),
		now:     time.Now,
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

// Inbox exposes the store's mailbox.
func (s *Store) Inbox() chan<- Msg { return s.inbox }

func (s *Store) send(m Msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

// Apply routes a lobby channel event. Events for other scopes are ignored.
func (s *Store) Apply(ev ws.Event) {
	switch e := ev.(type) {
	case ws.RoomList:
		s.ApplyRoomList(e.Rooms)
	case ws.LobbyRoomUpdate:
		s.send(ApplyRoomUpdate{Room: e.Room})
	}
}

// ApplyRoomList copies rooms before queueing, so the caller keeps ownership.
func (s *Store) ApplyRoomList(rooms []types.RoomSummary) {
	s.send(ApplyRoomList{Rooms: slices.Clone(rooms)})
}

func (s *Store) ApplyRoomUpdate(room types.RoomSummary) { s.send(ApplyRoomUpdate{Room: room}) }

func (s *Store) SetConnected(connected bool) { s.send(SetConnected{Connected: connected}) }

func (s *Store) SetLoading(loading bool) { s.send(SetLoading{Loading: loading}) }

func (s *Store) SetError(msg string) { s.send(SetError{Message: msg}) }

// Subscribe registers outbox and immediately sends it the current snapshot.
// A subscriber that falls behind is dropped and its outbox closed.
func (s *Store) Subscribe(id string, outbox chan Snapshot) { s.send(Join{ClientID: id, Outbox: outbox}) }

func (s *Store) Unsubscribe(id string) { s.send(Leave{ClientID: id}) }

// State returns the view after every message sent before it was processed.
func (s *Store) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case s.inbox <- GetState{Reply: reply}:
	case <-s.ctx.Done():
		return View{}, s.ctx.Err()
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.ctx.Done():
		return View{}, s.ctx.Err()
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Close stops the store and closes every subscriber outbox.
func (s *Store) Close() { s.send(Shutdown{}) }

func (s *Store) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case ApplyRoomList:
				s.rooms = slices.Clone(msg.Rooms)
				if s.rooms == nil {
					s.rooms = []types.RoomSummary{}
				}
				s.synced = s.now()
				s.changed()

			case ApplyRoomUpdate:
				if i := slices.IndexFunc(s.rooms, func(r types.RoomSummary) bool { return r.RoomID == msg.Room.RoomID }); i >= 0 {
					next := slices.Clone(s.rooms)
					next[i] = msg.Room
					s.rooms = next
				} else {
					next := append(slices.Clone(s.rooms), msg.Room)
					slices.SortStableFunc(next, func(a, b types.RoomSummary) int { return a.RoomID - b.RoomID })
					s.rooms = next
				}
				s.synced = s.now()
				s.changed()

			case SetConnected:
				if s.conn != msg.Connected {
					s.conn = msg.Connected
					s.changed()
				}

			case SetLoading:
				if s.loading != msg.Loading {
					s.loading = msg.Loading
					s.changed()
				}

			case SetError:
				if s.errMsg != msg.Message {
					s.errMsg = msg.Message
					s.changed()
				}

			case Join:
				s.clients[msg.ClientID] = msg.Outbox
				msg.Outbox <- s.snapshot()

			case Leave:
				if ch, ok := s.clients[msg.ClientID]; ok {
					close(ch)
					delete(s.clients, msg.ClientID)
				}

			case GetState:
				msg.Reply <- View{Snapshot: s.snapshot(), NumClients: len(s.clients)}

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Store) snapshot() Snapshot {
	return Snapshot{
		Version:    s.version,
		Rooms:      slices.Clone(s.rooms),
		LastSyncAt: s.synced,
		Connected:  s.conn,
		Loading:    s.loading,
		Error:      s.errMsg,
	}
}

func (s *Store) changed() {
	s.version++
	s.broadcast(s.snapshot())
}

func (s *Store) shutdown() {
	for id, ch := range s.clients {
		close(ch) // no more snapshots
		delete(s.clients, id)
	}
	s.cancel()
}

func (s *Store) broadcast(snap Snapshot) {
	for id, ch := range s.clients {
		select {
		case ch <- snap:
		default:
			// Subscriber is slow/full - drop it.
			s.logger.Debug("dropping slow lobby subscriber", zap.String("client_id", id))
			close(ch)
			delete(s.clients, id)
		}
	}
}
