package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/types"
	"github.com/DoyleJ11/lobby-client/internal/ws"
)

const (
	maxRoomMembers = 3
	defaultChips   = 20
)

var (
	errRoomNotFound  = errors.New("room not found")
	errRoomFull      = errors.New("room is full")
	errNotMember     = errors.New("user is not a room member")
	errNotWaiting    = errors.New("room is not in waiting status")
	errInvalidStatus = errors.New("invalid room status")
)

type RegistryMsg interface{ isRegistryMsg() }

type roomResult struct {
	Room types.RoomDetail
	Err  error
}

type ListRooms struct {
	Reply chan []types.RoomSummary
}

type GetRoom struct {
	RoomID int
	Reply  chan roomResult
}

type JoinRoom struct {
	RoomID int
	User   types.User
	Reply  chan roomResult
}

type LeaveRoom struct {
	RoomID int
	UserID int
	Reply  chan roomResult
}

type SetReady struct {
	RoomID int
	UserID int
	Ready  bool
	Reply  chan roomResult
}

// SetStatus forces a room status; used by tests to simulate game flow.
type SetStatus struct {
	RoomID int
	Status types.RoomStatus
	Reply  chan roomResult
}

// Subscribe registers a channel connection and sends it the initial
// snapshot for its scope.
type Subscribe struct {
	ClientID string
	Scope    ws.Scope
	Outbox   chan ws.Frame
	Reply    chan error
}

type Unsubscribe struct{ ClientID string }

// DropSubscribers closes every subscriber outbox, ending their connections.
type DropSubscribers struct{}

type CountSubscribers struct {
	Reply chan int
}

type ShutdownRegistry struct{}

func (ListRooms) isRegistryMsg()        {}
func (GetRoom) isRegistryMsg()          {}
func (JoinRoom) isRegistryMsg()         {}
func (LeaveRoom) isRegistryMsg()        {}
func (SetReady) isRegistryMsg()         {}
func (SetStatus) isRegistryMsg()        {}
func (Subscribe) isRegistryMsg()        {}
func (Unsubscribe) isRegistryMsg()      {}
func (DropSubscribers) isRegistryMsg()  {}
func (CountSubscribers) isRegistryMsg() {}
func (ShutdownRegistry) isRegistryMsg() {}

type roomState struct {
	detail  types.RoomDetail
	joinSeq map[int]int // user id -> join order, for owner handover
}

type subscriber struct {
	scope  ws.Scope
	outbox chan ws.Frame
}

// Registry owns every room. All mutation happens on its goroutine and each
// change is pushed to the lobby and to that room's subscribers.
type Registry struct {
	inbox      chan RegistryMsg
	rooms      map[int]*roomState
	memberRoom map[int]int
	seq        int
	nextGame   int
	clients    map[string]subscriber
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewRegistry(parent context.Context, roomCount int, logger *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:      make(chan RegistryMsg, 64),
		rooms:      make(map[int]*roomState, roomCount),
		memberRoom: make(map[int]int),
		nextGame:   1,
		clients:    make(map[string]subscriber),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	for id := 0; id < roomCount; id++ {
		r.rooms[id] = &roomState{
			detail:  types.RoomDetail{RoomID: id, Status: types.RoomWaiting, Members: []types.RoomMember{}},
			joinSeq: make(map[int]int),
		}
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- RegistryMsg { return r.inbox }

// ask sends m and waits for its reply on the goroutine-owned channel.
func ask[T any](ctx context.Context, r *Registry, m RegistryMsg, reply chan T) (T, error) {
	var zero T
	select {
	case r.inbox <- m:
	case <-r.ctx.Done():
		return zero, r.ctx.Err()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.ctx.Done():
		return zero, r.ctx.Err()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Registry) roomCall(ctx context.Context, m RegistryMsg, reply chan roomResult) (types.RoomDetail, error) {
	res, err := ask(ctx, r, m, reply)
	if err != nil {
		return types.RoomDetail{}, err
	}
	return res.Room, res.Err
}

func (r *Registry) List(ctx context.Context) ([]types.RoomSummary, error) {
	reply := make(chan []types.RoomSummary, 1)
	return ask(ctx, r, ListRooms{Reply: reply}, reply)
}

func (r *Registry) Get(ctx context.Context, roomID int) (types.RoomDetail, error) {
	reply := make(chan roomResult, 1)
	return r.roomCall(ctx, GetRoom{RoomID: roomID, Reply: reply}, reply)
}

func (r *Registry) Join(ctx context.Context, roomID int, user types.User) (types.RoomDetail, error) {
	reply := make(chan roomResult, 1)
	return r.roomCall(ctx, JoinRoom{RoomID: roomID, User: user, Reply: reply}, reply)
}

func (r *Registry) Leave(ctx context.Context, roomID, userID int) (types.RoomDetail, error) {
	reply := make(chan roomResult, 1)
	return r.roomCall(ctx, LeaveRoom{RoomID: roomID, UserID: userID, Reply: reply}, reply)
}

func (r *Registry) SetReady(ctx context.Context, roomID, userID int, ready bool) (types.RoomDetail, error) {
	reply := make(chan roomResult, 1)
	return r.roomCall(ctx, SetReady{RoomID: roomID, UserID: userID, Ready: ready, Reply: reply}, reply)
}

func (r *Registry) SetStatus(ctx context.Context, roomID int, status types.RoomStatus) (types.RoomDetail, error) {
	reply := make(chan roomResult, 1)
	return r.roomCall(ctx, SetStatus{RoomID: roomID, Status: status, Reply: reply}, reply)
}

func (r *Registry) Subscribe(ctx context.Context, clientID string, scope ws.Scope, outbox chan ws.Frame) error {
	reply := make(chan error, 1)
	res, err := ask(ctx, r, Subscribe{ClientID: clientID, Scope: scope, Outbox: outbox, Reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Subscribers counts open channel connections.
func (r *Registry) Subscribers(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	return ask(ctx, r, CountSubscribers{Reply: reply}, reply)
}

// DropAll ends every channel connection.
func (r *Registry) DropAll() {
	select {
	case r.inbox <- DropSubscribers{}:
	case <-r.ctx.Done():
	}
}

func (r *Registry) Shutdown() {
	select {
	case r.inbox <- ShutdownRegistry{}:
	case <-r.ctx.Done():
	}
}

func (r *Registry) Unsubscribe(clientID string) {
	select {
	case r.inbox <- Unsubscribe{ClientID: clientID}:
	case <-r.ctx.Done():
	}
}

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case ListRooms:
				msg.Reply <- r.summaries()

			case GetRoom:
				rs, ok := r.rooms[msg.RoomID]
				if !ok {
					msg.Reply <- roomResult{Err: errRoomNotFound}
					break
				}
				msg.Reply <- roomResult{Room: rs.detail.Clone()}

			case JoinRoom:
				msg.Reply <- r.join(msg.RoomID, msg.User)

			case LeaveRoom:
				msg.Reply <- r.leave(msg.RoomID, msg.UserID)

			case SetReady:
				msg.Reply <- r.setReady(msg.RoomID, msg.UserID, msg.Ready)

			case SetStatus:
				msg.Reply <- r.setStatus(msg.RoomID, msg.Status)

			case Subscribe:
				msg.Reply <- r.subscribe(msg)

			case Unsubscribe:
				if sub, ok := r.clients[msg.ClientID]; ok {
					close(sub.outbox)
					delete(r.clients, msg.ClientID)
				}

			case DropSubscribers:
				r.dropAll()

			case CountSubscribers:
				msg.Reply <- len(r.clients)

			case ShutdownRegistry:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Registry) summaries() []types.RoomSummary {
	ids := make([]int, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]types.RoomSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.rooms[id].detail.Summary())
	}
	return out
}

func (r *Registry) join(roomID int, user types.User) roomResult {
	rs, ok := r.rooms[roomID]
	if !ok {
		return roomResult{Err: errRoomNotFound}
	}
	current, inRoom := r.memberRoom[user.ID]
	if inRoom && current == roomID {
		return roomResult{Room: rs.detail.Clone()}
	}
	if len(rs.detail.Members) >= maxRoomMembers {
		return roomResult{Err: errRoomFull}
	}
	if inRoom {
		if res := r.leave(current, user.ID); res.Err != nil {
			return res
		}
	}

	r.seq++
	rs.joinSeq[user.ID] = r.seq
	rs.detail.Members = append(rs.detail.Members, types.RoomMember{
		UserID:   user.ID,
		Username: user.Username,
		Seat:     freeSeat(rs.detail.Members),
		Chips:    defaultChips,
	})
	slices.SortFunc(rs.detail.Members, func(a, b types.RoomMember) int { return a.Seat - b.Seat })
	if rs.detail.OwnerID == 0 {
		rs.detail.OwnerID = user.ID
	}
	r.memberRoom[user.ID] = roomID
	r.changed(rs)
	return roomResult{Room: rs.detail.Clone()}
}

func freeSeat(members []types.RoomMember) int {
	for seat := 0; ; seat++ {
		if !slices.ContainsFunc(members, func(m types.RoomMember) bool { return m.Seat == seat }) {
			return seat
		}
	}
}

// leave removes the member. Leaving a game in progress ends it with no
// settlement and clears every ready flag.
func (r *Registry) leave(roomID, userID int) roomResult {
	rs, ok := r.rooms[roomID]
	if !ok {
		return roomResult{Err: errRoomNotFound}
	}
	idx := slices.IndexFunc(rs.detail.Members, func(m types.RoomMember) bool { return m.UserID == userID })
	if idx < 0 {
		return roomResult{Err: errNotMember}
	}
	rs.detail.Members = slices.Delete(rs.detail.Members, idx, idx+1)
	delete(rs.joinSeq, userID)
	delete(r.memberRoom, userID)

	if rs.detail.OwnerID == userID {
		rs.detail.OwnerID = 0
		earliest := 0
		for uid, seq := range rs.joinSeq {
			if earliest == 0 || seq < earliest {
				earliest, rs.detail.OwnerID = seq, uid
			}
		}
	}
	if rs.detail.Status == types.RoomPlaying {
		rs.detail.Status = types.RoomWaiting
		rs.detail.CurrentGameID = nil
		for i := range rs.detail.Members {
			rs.detail.Members[i].Ready = false
		}
	}
	r.changed(rs)
	return roomResult{Room: rs.detail.Clone()}
}

// setReady updates the flag; when every seat is filled and ready a game
// starts.
func (r *Registry) setReady(roomID, userID int, ready bool) roomResult {
	rs, ok := r.rooms[roomID]
	if !ok {
		return roomResult{Err: errRoomNotFound}
	}
	if rs.detail.Status != types.RoomWaiting {
		return roomResult{Err: errNotWaiting}
	}
	idx := slices.IndexFunc(rs.detail.Members, func(m types.RoomMember) bool { return m.UserID == userID })
	if idx < 0 {
		return roomResult{Err: errNotMember}
	}
	rs.detail.Members[idx].Ready = ready

	allReady := len(rs.detail.Members) == maxRoomMembers &&
		!slices.ContainsFunc(rs.detail.Members, func(m types.RoomMember) bool { return !m.Ready })
	if allReady {
		r.startGame(rs)
	}
	r.changed(rs)
	return roomResult{Room: rs.detail.Clone()}
}

func (r *Registry) startGame(rs *roomState) {
	rs.detail.Status = types.RoomPlaying
	rs.detail.CurrentGameID = types.GameID(r.nextGame)
	r.nextGame++
}

func (r *Registry) setStatus(roomID int, status types.RoomStatus) roomResult {
	rs, ok := r.rooms[roomID]
	if !ok {
		return roomResult{Err: errRoomNotFound}
	}
	switch status {
	case types.RoomPlaying:
		if rs.detail.Status != types.RoomPlaying {
			r.startGame(rs)
		}
	case types.RoomWaiting, types.RoomSettlement:
		rs.detail.Status = status
		rs.detail.CurrentGameID = nil
		for i := range rs.detail.Members {
			rs.detail.Members[i].Ready = false
		}
	default:
		return roomResult{Err: errInvalidStatus}
	}
	r.changed(rs)
	return roomResult{Room: rs.detail.Clone()}
}

func (r *Registry) subscribe(msg Subscribe) error {
	var first ws.Frame
	if msg.Scope.IsRoom() {
		rs, ok := r.rooms[msg.Scope.RoomID]
		if !ok {
			return errRoomNotFound
		}
		first = frame(ws.TypeRoomUpdate, map[string]any{"room": rs.detail})
	} else {
		first = frame(ws.TypeRoomList, map[string]any{"rooms": r.summaries()})
	}
	r.clients[msg.ClientID] = subscriber{scope: msg.Scope, outbox: msg.Outbox}
	r.deliver(msg.ClientID, first)
	return nil
}

// changed pushes a room's new state to its room subscribers (detail) and the
// lobby (summary).
func (r *Registry) changed(rs *roomState) {
	detail := frame(ws.TypeRoomUpdate, map[string]any{"room": rs.detail})
	summary := frame(ws.TypeRoomUpdate, map[string]any{"room": rs.detail.Summary()})
	for id, sub := range r.clients {
		switch {
		case !sub.scope.IsRoom():
			r.deliver(id, summary)
		case sub.scope.RoomID == rs.detail.RoomID:
			r.deliver(id, detail)
		}
	}
}

func (r *Registry) deliver(id string, f ws.Frame) {
	sub, ok := r.clients[id]
	if !ok {
		return
	}
	select {
	case sub.outbox <- f:
	default:
		// Subscriber is slow/full - drop it.
		r.logger.Debug("dropping slow channel subscriber", zap.String("client_id", id))
		close(sub.outbox)
		delete(r.clients, id)
	}
}

func (r *Registry) dropAll() {
	for id, sub := range r.clients {
		close(sub.outbox)
		delete(r.clients, id)
	}
}

func (r *Registry) shutdown() {
	r.dropAll()
	r.cancel()
}

func frame(typ string, payload any) ws.Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	return ws.Frame{V: ws.ProtocolVersion, Type: typ, Payload: data}
}
