package auth

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/DoyleJ11/lobby-client/internal/types"
)

var errCorruptSession = errors.New("persisted session is malformed")

// Session is the client's credential state. Logged out is all-or-nothing:
// an empty AccessToken means a nil User and an empty RefreshToken.
type Session struct {
	User           *types.User
	AccessToken    string
	RefreshToken   string
	AccessExpireAt time.Time
	IsRefreshing   bool
}

func (s Session) Authenticated() bool { return s.AccessToken != "" }

func (s Session) consistent() bool {
	noUser := s.User == nil
	return noUser == (s.AccessToken == "") && noUser == (s.RefreshToken == "")
}

func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// persistedSession is the stored JSON shape. accessExpireAt is unix millis.
type persistedSession struct {
	User           *types.User `json:"user"`
	AccessToken    *string     `json:"accessToken"`
	RefreshToken   *string     `json:"refreshToken"`
	AccessExpireAt *int64      `json:"accessExpireAt"`
}

func encodeSession(s Session) (string, error) {
	p := persistedSession{User: s.User}
	if s.Authenticated() {
		p.AccessToken = &s.AccessToken
		p.RefreshToken = &s.RefreshToken
	}
	if !s.AccessExpireAt.IsZero() {
		ms := s.AccessExpireAt.UnixMilli()
		p.AccessExpireAt = &ms
	}
	data, err := json.Marshal(p)
	return string(data), err
}

func decodeSession(raw string) (Session, error) {
	var p persistedSession
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Session{}, err
	}

	var s Session
	s.User = p.User
	if p.AccessToken != nil {
		s.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil {
		s.RefreshToken = *p.RefreshToken
	}
	if p.AccessExpireAt != nil {
		s.AccessExpireAt = time.UnixMilli(*p.AccessExpireAt)
	}
	if !s.consistent() || (s.User != nil && s.User.Username == "") {
		return Session{}, errCorruptSession
	}
	return s, nil
}
