package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/ws"
)

const channelWriteTimeout = 3 * time.Second

// Channel serves /ws/lobby and /ws/rooms/{roomID}. Auth and room failures
// are reported as close codes after the upgrade so browsers can see them.
func (s *Server) Channel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := ws.LobbyScope()
		if raw := chi.URLParam(r, "roomID"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid room id", http.StatusBadRequest)
				return
			}
			scope = ws.RoomScope(id)
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		_, expires, err := s.tokens.verifyAccess(r.URL.Query().Get("token"))
		if err != nil {
			conn.Close(websocket.StatusCode(ws.CloseUnauthorized), "unauthorized")
			return
		}

		out := make(chan ws.Frame, 16)
		clientID := uuid.NewString()
		if err := s.rooms.Subscribe(r.Context(), clientID, scope, out); err != nil {
			if errors.Is(err, errRoomNotFound) {
				conn.Close(websocket.StatusCode(ws.CloseRoomNotFound), "room not found")
			}
			return
		}
		defer s.rooms.Unsubscribe(clientID)
		log := s.logger.With(zap.String("client_id", clientID), zap.Stringer("scope", scope))
		log.Debug("channel opened")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		send := func(f ws.Frame) error {
			payload, err := json.Marshal(f)
			if err != nil {
				return err
			}
			wctx, wcancel := context.WithTimeout(ctx, channelWriteTimeout)
			defer wcancel()
			return conn.Write(wctx, websocket.MessageText, payload)
		}

		// Writer goroutine
		go func() {
			for f := range out {
				if err := send(f); err != nil {
					cancel()
					return
				}
			}
			// Outbox closed by the registry: dropped or shutting down.
			conn.Close(websocket.StatusGoingAway, "server closing")
		}()

		// Server PINGs
		go func() {
			ticker := time.NewTicker(s.opts.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := send(frame(ws.TypePing, struct{}{})); err != nil {
						return
					}
				}
			}
		}()

		expiry := time.AfterFunc(expires.Sub(s.opts.Now()), func() {
			conn.Close(websocket.StatusCode(ws.CloseUnauthorized), "token expired")
		})
		defer expiry.Stop()

		idle := time.AfterFunc(s.opts.ReadTimeout, func() {
			log.Debug("channel idle, closing")
			conn.Close(websocket.StatusCode(ws.CloseHeartbeatTimeout), "heartbeat timeout")
		})
		defer idle.Stop()

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Debug("channel closed by client")
				}
				return
			}
			idle.Reset(s.opts.ReadTimeout)

			var in ws.Frame
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			switch in.Type {
			case ws.TypeHeartbeat:
				s.Counters.Heartbeats.Add(1)
				_ = send(frame(ws.TypeHeartbeatAck, map[string]int64{"server_time": s.opts.Now().Unix()}))
			case ws.TypePing:
				_ = send(frame(ws.TypePong, struct{}{}))
			case ws.TypePong:
				s.Counters.Pongs.Add(1)
			}
		}
	}
}
