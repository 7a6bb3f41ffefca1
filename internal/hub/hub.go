package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/lobby-client/internal/ws"
)

var ErrAlreadySyncing = errors.New("scope already syncing")

type HubMsg interface{ isHubMsg() }

// StartSync registers a syncer; Reply gets the context it must run under.
type StartSync struct {
	Syncer *Syncer
	Reply  chan StartReply
}

type StartReply struct {
	Ctx context.Context
	Err error
}

// FinishSync unregisters a syncer whose Run returned.
type FinishSync struct {
	Scope ws.Scope
	Ctx   context.Context
}

// StopSync cancels the syncer for one scope.
type StopSync struct {
	Scope ws.Scope
}

// StopAll cancels every running syncer and keeps the hub alive.
type StopAll struct{}

type ListScopes struct {
	Reply chan []ws.Scope
}

type ShutdownHub struct{}

func (StartSync) isHubMsg()   {}
func (FinishSync) isHubMsg()  {}
func (StopSync) isHubMsg()    {}
func (StopAll) isHubMsg()     {}
func (ListScopes) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

type running struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub is the registry of running syncers, at most one per scope.
type Hub struct {
	inbox   chan HubMsg
	syncers map[ws.Scope]running
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		syncers: make(map[ws.Scope]running),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) send(m HubMsg) bool {
	select {
	case h.inbox <- m:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Run runs the syncers concurrently and returns when all of them have
// stopped. The first one to fail cancels the rest, so a forced sign-out on
// one channel ends them all. A cancelled ctx is a clean stop.
func (h *Hub) Run(ctx context.Context, syncers ...*Syncer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range syncers {
		s := s
		reply := make(chan StartReply, 1)
		if !h.send(StartSync{Syncer: s, Reply: reply}) {
			cancel()
			_ = g.Wait()
			return h.ctx.Err()
		}
		r := <-reply
		if r.Err != nil {
			cancel()
			_ = g.Wait()
			return r.Err
		}
		g.Go(func() error {
			sctx, stop := context.WithCancel(gctx)
			defer stop()
			context.AfterFunc(r.Ctx, stop)

			defer h.send(FinishSync{Scope: s.Scope(), Ctx: r.Ctx})
			return s.Run(sctx)
		})
	}
	return g.Wait()
}

// Stop cancels the syncer for scope, if one is running.
func (h *Hub) Stop(scope ws.Scope) { h.send(StopSync{Scope: scope}) }

// StopAll cancels every running syncer. It is registered as the session's
// logout observer.
func (h *Hub) StopAll() { h.send(StopAll{}) }

// Scopes lists the scopes currently syncing.
func (h *Hub) Scopes() []ws.Scope {
	reply := make(chan []ws.Scope, 1)
	if !h.send(ListScopes{Reply: reply}) {
		return nil
	}
	select {
	case scopes := <-reply:
		return scopes
	case <-h.ctx.Done():
		return nil
	}
}

// Shutdown stops every syncer and the hub itself.
func (h *Hub) Shutdown() { h.send(ShutdownHub{}) }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.stopAll()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case StartSync:
				scope := msg.Syncer.Scope()
				if _, ok := h.syncers[scope]; ok {
					msg.Reply <- StartReply{Err: ErrAlreadySyncing}
					break
				}
				ctx, cancel := context.WithCancel(h.ctx)
				h.syncers[scope] = running{ctx: ctx, cancel: cancel}
				h.logger.Debug("sync started", zap.Stringer("scope", scope))
				msg.Reply <- StartReply{Ctx: ctx}

			case FinishSync:
				// only the registration that finished, not a newer one
				if r, ok := h.syncers[msg.Scope]; ok && r.ctx == msg.Ctx {
					r.cancel()
					delete(h.syncers, msg.Scope)
				}

			case StopSync:
				if r, ok := h.syncers[msg.Scope]; ok {
					r.cancel()
					delete(h.syncers, msg.Scope)
				}

			case StopAll:
				h.stopAll()

			case ListScopes:
				scopes := make([]ws.Scope, 0, len(h.syncers))
				for scope := range h.syncers {
					scopes = append(scopes, scope)
				}
				msg.Reply <- scopes

			case ShutdownHub:
				h.stopAll()
				h.cancel()
			}
		}
	}
}

func (h *Hub) stopAll() {
	for scope, r := range h.syncers {
		r.cancel()
		delete(h.syncers, scope)
	}
}
