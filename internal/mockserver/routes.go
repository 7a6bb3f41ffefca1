package mockserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey struct{}

func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Post("/api/auth/register", s.Register())
	r.Post("/api/auth/login", s.Login())
	r.Post("/api/auth/refresh", s.Refresh())
	r.Post("/api/auth/logout", s.Logout())

	// Channels authenticate with ?token=
	r.Get("/ws/lobby", s.Channel())
	r.Get("/ws/rooms/{roomID}", s.Channel())

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/api/auth/me", s.Me())
		r.Get("/api/rooms", s.ListRooms())
		r.Get("/api/rooms/{roomID}", s.GetRoom())
		r.Post("/api/rooms/{roomID}/join", s.JoinRoomHandler())
		r.Post("/api/rooms/{roomID}/leave", s.LeaveRoom())
		r.Post("/api/rooms/{roomID}/ready", s.SetReady())
	})
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// requireUser resolves the bearer token to a user id stored in the context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "missing bearer token", nil)
			return
		}
		userID, _, err := s.tokens.verifyAccess(token)
		switch {
		case err == errTokenExpired:
			writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_EXPIRED", "access token expired", nil)
			return
		case err != nil:
			writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "invalid access token", nil)
			return
		}
		if _, ok := s.users.get(userID); !ok {
			writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "invalid access token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userIDFrom(ctx context.Context) int {
	id, _ := ctx.Value(ctxKey{}).(int)
	return id
}
