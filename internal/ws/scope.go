package ws

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type ScopeKind int

const (
	ScopeLobby ScopeKind = iota
	ScopeRoom
)

// Scope identifies a channel: the lobby or one room. Room ids start at 0.
type Scope struct {
	Kind   ScopeKind
	RoomID int
}

func LobbyScope() Scope { return Scope{Kind: ScopeLobby} }

func RoomScope(id int) Scope { return Scope{Kind: ScopeRoom, RoomID: id} }

func (s Scope) IsRoom() bool { return s.Kind == ScopeRoom }

func (s Scope) Path() string {
	if s.IsRoom() {
		return "/ws/rooms/" + strconv.Itoa(s.RoomID)
	}
	return "/ws/lobby"
}

func (s Scope) String() string {
	if s.IsRoom() {
		return fmt.Sprintf("room:%d", s.RoomID)
	}
	return "lobby"
}

// channelURL joins the streaming base, the scope path and the token.
func channelURL(base string, scope Scope, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + scope.Path())
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("channel base %q: scheme must be ws or wss", base)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
