package room

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/types"
	"github.com/DoyleJ11/lobby-client/internal/ws"
)

// ColdEndMessage is shown once when a game ends without a settlement step.
const ColdEndMessage = "game over"

type Msg interface{ isRoomMsg() }

// ApplyRoomUpdate installs the full detail of the room.
type ApplyRoomUpdate struct {
	Room types.RoomDetail
}

// ToggleReady flips the self member's ready flag locally until the next
// authoritative update.
type ToggleReady struct{}

// ResetColdEnd clears the cold end signal once it has been shown.
type ResetColdEnd struct{}

type SetSelf struct{ UserID int }

type SetConnected struct{ Connected bool }

type SetLoading struct{ Loading bool }

type SetError struct{ Message string }

type Join struct {
	ClientID string
	Outbox   chan Snapshot
}

type Leave struct{ ClientID string }

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

func (ApplyRoomUpdate) isRoomMsg() {}
func (ToggleReady) isRoomMsg()     {}
func (ResetColdEnd) isRoomMsg()    {}
func (SetSelf) isRoomMsg()         {}
func (SetConnected) isRoomMsg()    {}
func (SetLoading) isRoomMsg()      {}
func (SetError) isRoomMsg()        {}
func (Join) isRoomMsg()            {}
func (Leave) isRoomMsg()           {}
func (GetState) isRoomMsg()        {}
func (Shutdown) isRoomMsg()        {}

// Snapshot is a deep copy of the room view.
type Snapshot struct {
	Version        int
	RoomID         int
	Detail         *types.RoomDetail // nil until the first update
	ColdEnded      bool
	ColdEndMessage string
	LastSyncAt     time.Time
	Connected      bool
	Loading        bool
	Error          string
}

type View struct {
	Snapshot
	NumClients int
}

// Store holds the detail of one room.
type Store struct {
	inbox     chan Msg
	roomID    int
	selfID    int
	detail    *types.RoomDetail
	coldEnded bool
	coldMsg   string
	synced    time.Time
	conn      bool
	loading   bool
	errMsg    string
	version   int
	clients   map[string]chan Snapshot
	now       func() time.Time
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSelf sets the user whose member ToggleReady flips.
func WithSelf(userID int) Option {
	return func(s *Store) { s.selfID = userID }
}

func WithDetail(d types.RoomDetail) Option {
	return func(s *Store) {
		c := d.Clone()
		s.detail = &c
	}
}

func NewStore(parent context.Context, roomID int, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		inbox:   make(chan Msg, 64),
		roomID:  roomID,
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

func (s *Store) Inbox() chan<- Msg { return s.inbox }

func (s *Store) RoomID() int { return s.roomID }

func (s *Store) send(m Msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

// Apply routes a room channel event. Other events are ignored.
func (s *Store) Apply(ev ws.Event) {
	if e, ok := ev.(ws.RoomDetailUpdate); ok {
		s.ApplyRoomUpdate(e.Room)
	}
}

// ApplyRoomUpdate deep-copies d before queueing, so the caller keeps ownership.
func (s *Store) ApplyRoomUpdate(d types.RoomDetail) { s.send(ApplyRoomUpdate{Room: d.Clone()}) }

func (s *Store) ToggleReady() { s.send(ToggleReady{}) }

func (s *Store) ResetColdEnd() { s.send(ResetColdEnd{}) }

func (s *Store) SetSelf(userID int) { s.send(SetSelf{UserID: userID}) }

func (s *Store) SetConnected(connected bool) { s.send(SetConnected{Connected: connected}) }

func (s *Store) SetLoading(loading bool) { s.send(SetLoading{Loading: loading}) }

func (s *Store) SetError(msg string) { s.send(SetError{Message: msg}) }

func (s *Store) Subscribe(id string, outbox chan Snapshot) { s.send(Join{ClientID: id, Outbox: outbox}) }

func (s *Store) Unsubscribe(id string) { s.send(Leave{ClientID: id}) }

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

func (s *Store) Close() { s.send(Shutdown{}) }

func (s *Store) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case ApplyRoomUpdate:
				s.apply(msg.Room)

			case ToggleReady:
				if s.toggleReady() {
					s.changed()
				}

			case ResetColdEnd:
				if s.coldEnded {
					s.coldEnded = false
					s.coldMsg = ""
					s.changed()
				}

			case SetSelf:
				s.selfID = msg.UserID

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

func (s *Store) apply(next types.RoomDetail) {
	if err := next.Validate(); err != nil {
		s.logger.Warn("room update violates invariants", zap.Int("room_id", next.RoomID), zap.Error(err))
	}

	var prev types.RoomStatus
	if s.detail != nil {
		prev = s.detail.Status
	}

	d := next.Clone()
	s.roomID = d.RoomID
	s.detail = &d
	s.synced = s.now()

	if prev == types.RoomPlaying && d.Status == types.RoomWaiting {
		s.coldEnded = true
		s.coldMsg = ColdEndMessage
		s.logger.Info("game ended without settlement", zap.Int("room_id", d.RoomID))
	}
	s.changed()
}

// toggleReady flips the self member, or the first member when the self user
// is unknown. A known self that is not seated changes nothing.
func (s *Store) toggleReady() bool {
	if s.detail == nil || len(s.detail.Members) == 0 {
		return false
	}
	idx := 0
	if s.selfID != 0 {
		idx = slices.IndexFunc(s.detail.Members, func(m types.RoomMember) bool { return m.UserID == s.selfID })
		if idx < 0 {
			return false
		}
	}
	d := s.detail.Clone()
	d.Members[idx].Ready = !d.Members[idx].Ready
	s.detail = &d
	return true
}

func (s *Store) snapshot() Snapshot {
	snap := Snapshot{
		Version:        s.version,
		RoomID:         s.roomID,
		ColdEnded:      s.coldEnded,
		ColdEndMessage: s.coldMsg,
		LastSyncAt:     s.synced,
		Connected:      s.conn,
		Loading:        s.loading,
		Error:          s.errMsg,
	}
	if s.detail != nil {
		d := s.detail.Clone()
		snap.Detail = &d
	}
	return snap
}

func (s *Store) changed() {
	s.version++
	s.broadcast()
}

func (s *Store) shutdown() {
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	s.cancel()
}

func (s *Store) broadcast() {
	for id, ch := range s.clients {
		select {
		case ch <- s.snapshot():
		default:
			s.logger.Debug("dropping slow room subscriber", zap.String("client_id", id))
			close(ch)
			delete(s.clients, id)
		}
	}
}
