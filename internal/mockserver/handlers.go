package mockserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/types"
)

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

type readyBody struct {
	Ready bool `json:"ready"`
}

type userBody struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

type tokenBody struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	User         *userBody `json:"user,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	writeJSON(w, status, errorBody{Code: code, Message: message, Detail: detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body", nil)
		return false
	}
	return true
}

// session issues a token pair; user is included for login and register.
func (s *Server) session(user types.User, refresh string, includeUser bool) (tokenBody, error) {
	access, err := s.tokens.issueAccess(user.ID)
	if err != nil {
		return tokenBody{}, err
	}
	body := tokenBody{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.opts.AccessTTL.Seconds()),
	}
	if includeUser {
		body.User = &userBody{ID: user.ID, Username: user.Username, CreatedAt: user.CreatedAt}
	}
	return body, nil
}

func (s *Server) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Counters.Registers.Add(1)
		var in credentialsBody
		if !decodeBody(w, r, &in) {
			return
		}
		user, err := s.users.create(in.Username, in.Password)
		switch {
		case errors.Is(err, errInvalidUsername):
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		case errors.Is(err, errUsernameTaken):
			writeError(w, http.StatusConflict, "AUTH_USERNAME_CONFLICT", err.Error(), nil)
			return
		case err != nil:
			s.logger.Error("register failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
			return
		}
		body, err := s.session(user, s.tokens.issueRefresh(user.ID, true), true)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Counters.Logins.Add(1)
		var in credentialsBody
		if !decodeBody(w, r, &in) {
			return
		}
		user, err := s.users.authenticate(in.Username, in.Password)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS", errInvalidCredentials.Error(), nil)
			return
		}
		body, err := s.session(user, s.tokens.issueRefresh(user.ID, true), true)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) Refresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Counters.Refreshes.Add(1)
		var in refreshBody
		if !decodeBody(w, r, &in) {
			return
		}
		userID, next, err := s.tokens.rotate(in.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "AUTH_REFRESH_REJECTED", "refresh token rejected", nil)
			return
		}
		user, ok := s.users.get(userID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_REFRESH_REJECTED", "refresh token rejected", nil)
			return
		}
		body, err := s.session(user, next, false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in refreshBody
		if !decodeBody(w, r, &in) {
			return
		}
		s.tokens.revoke(in.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) Me() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := s.users.get(userIDFrom(r.Context()))
		writeJSON(w, http.StatusOK, userBody{ID: user.ID, Username: user.Username, CreatedAt: user.CreatedAt})
	}
}

func (s *Server) ListRooms() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Counters.RoomLists.Add(1)
		rooms, err := s.rooms.List(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "room registry unavailable", nil)
			return
		}
		writeJSON(w, http.StatusOK, rooms)
	}
}

func roomIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid room id", nil)
		return 0, false
	}
	return id, true
}

// writeRoomError maps registry failures to the backend's error codes.
func writeRoomError(w http.ResponseWriter, err error, roomID, userID int) {
	switch {
	case errors.Is(err, errRoomNotFound):
		writeError(w, http.StatusNotFound, "ROOM_NOT_FOUND", err.Error(), map[string]any{"room_id": roomID})
	case errors.Is(err, errRoomFull):
		writeError(w, http.StatusConflict, "ROOM_FULL", err.Error(), map[string]any{"room_id": roomID})
	case errors.Is(err, errNotMember):
		writeError(w, http.StatusForbidden, "ROOM_NOT_MEMBER", err.Error(), map[string]any{"room_id": roomID, "user_id": userID})
	case errors.Is(err, errNotWaiting):
		writeError(w, http.StatusConflict, "ROOM_NOT_WAITING", err.Error(), map[string]any{"room_id": roomID})
	default:
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "room registry unavailable", nil)
	}
}

func (s *Server) GetRoom() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := roomIDParam(w, r)
		if !ok {
			return
		}
		room, err := s.rooms.Get(r.Context(), id)
		if err != nil {
			writeRoomError(w, err, id, userIDFrom(r.Context()))
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func (s *Server) JoinRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := roomIDParam(w, r)
		if !ok {
			return
		}
		user, _ := s.users.get(userIDFrom(r.Context()))
		room, err := s.rooms.Join(r.Context(), id, user)
		if err != nil {
			writeRoomError(w, err, id, user.ID)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func (s *Server) LeaveRoom() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := roomIDParam(w, r)
		if !ok {
			return
		}
		userID := userIDFrom(r.Context())
		if _, err := s.rooms.Leave(r.Context(), id, userID); err != nil {
			writeRoomError(w, err, id, userID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) SetReady() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := roomIDParam(w, r)
		if !ok {
			return
		}
		var in readyBody
		if !decodeBody(w, r, &in) {
			return
		}
		userID := userIDFrom(r.Context())
		room, err := s.rooms.SetReady(r.Context(), id, userID, in.Ready)
		if err != nil {
			writeRoomError(w, err, id, userID)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}
