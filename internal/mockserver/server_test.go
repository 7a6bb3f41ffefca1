package mockserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/lobby-client/internal/types"
	"github.com/DoyleJ11/lobby-client/internal/ws"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}
	s := New(context.Background(), opts)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func call(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndLogin(t *testing.T) {
	s, ts := newTestServer(t, Options{})

	status, body := call(t, ts, http.MethodPost, "/api/auth/register", "", credentialsBody{Username: "  bob ", Password: "pw"})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.EqualValues(t, 3600, body["expires_in"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "bob", user["username"])

	status, body = call(t, ts, http.MethodPost, "/api/auth/register", "", credentialsBody{Username: "bob", Password: "pw"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "AUTH_USERNAME_CONFLICT", body["code"])

	status, body = call(t, ts, http.MethodPost, "/api/auth/login", "", credentialsBody{Username: "bob", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid username or password", body["message"])
	assert.NotNil(t, body["detail"])

	status, _ = call(t, ts, http.MethodPost, "/api/auth/login", "", credentialsBody{Username: "bob", Password: "pw"})
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, s.Counters.Logins.Load())
	assert.EqualValues(t, 2, s.Counters.Registers.Load())
}

func TestRefreshRotates(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	_, body := call(t, ts, http.MethodPost, "/api/auth/register", "", credentialsBody{Username: "bob", Password: "pw"})
	first := body["refresh_token"].(string)

	status, body := call(t, ts, http.MethodPost, "/api/auth/refresh", "", refreshBody{RefreshToken: first})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEqual(t, first, body["refresh_token"])
	assert.Nil(t, body["user"])

	status, body = call(t, ts, http.MethodPost, "/api/auth/refresh", "", refreshBody{RefreshToken: first})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "AUTH_REFRESH_REJECTED", body["code"])
}

func TestLoginRevokesOtherRefreshTokens(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	_, body := call(t, ts, http.MethodPost, "/api/auth/register", "", credentialsBody{Username: "bob", Password: "pw"})
	old := body["refresh_token"].(string)

	call(t, ts, http.MethodPost, "/api/auth/login", "", credentialsBody{Username: "bob", Password: "pw"})
	status, _ := call(t, ts, http.MethodPost, "/api/auth/refresh", "", refreshBody{RefreshToken: old})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestBearerRequired(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	u, err := s.CreateUser("bob", "pw")
	require.NoError(t, err)
	token, err := s.IssueAccessToken(u.ID)
	require.NoError(t, err)

	status, _ := call(t, ts, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := call(t, ts, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bob", body["username"])

	s.InvalidateAccessTokens()
	status, body = call(t, ts, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "AUTH_TOKEN_INVALID", body["code"])
}

func TestExpiredToken(t *testing.T) {
	start := time.Now()
	var skew atomic.Int64
	clock := func() time.Time { return start.Add(time.Duration(skew.Load())) }
	s, ts := newTestServer(t, Options{AccessTTL: time.Minute, Now: clock})
	u, err := s.CreateUser("bob", "pw")
	require.NoError(t, err)
	token, err := s.IssueAccessToken(u.ID)
	require.NoError(t, err)

	skew.Store(int64(2 * time.Minute))
	status, body := call(t, ts, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "AUTH_TOKEN_EXPIRED", body["code"])
}

func TestRoomLifecycle(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	tokens := make([]string, 3)
	for i, name := range []string{"ann", "ben", "cat"} {
		u, err := s.CreateUser(name, "pw")
		require.NoError(t, err)
		tokens[i], err = s.IssueAccessToken(u.ID)
		require.NoError(t, err)
		status, _ := call(t, ts, http.MethodPost, "/api/rooms/1/join", tokens[i], nil)
		require.Equal(t, http.StatusOK, status)
	}

	status, body := call(t, ts, http.MethodGet, "/api/rooms/1", tokens[0], nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "waiting", body["status"])
	assert.Len(t, body["members"], 3)

	for _, tok := range tokens {
		status, body = call(t, ts, http.MethodPost, "/api/rooms/1/ready", tok, readyBody{Ready: true})
		require.Equal(t, http.StatusOK, status)
	}
	assert.Equal(t, "playing", body["status"])
	assert.NotNil(t, body["current_game_id"])

	status, body = call(t, ts, http.MethodPost, "/api/rooms/1/ready", tokens[0], readyBody{Ready: false})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ROOM_NOT_WAITING", body["code"])

	status, body = call(t, ts, http.MethodPost, "/api/rooms/1/leave", tokens[0], nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])

	status, body = call(t, ts, http.MethodGet, "/api/rooms/1", tokens[1], nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "waiting", body["status"])
	assert.Nil(t, body["current_game_id"])
}

func TestRoomErrors(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	u, err := s.CreateUser("bob", "pw")
	require.NoError(t, err)
	token, err := s.IssueAccessToken(u.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{"missing room", http.MethodGet, "/api/rooms/42", http.StatusNotFound, "ROOM_NOT_FOUND"},
		{"bad id", http.MethodGet, "/api/rooms/abc", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"leave without joining", http.MethodPost, "/api/rooms/0/leave", http.StatusForbidden, "ROOM_NOT_MEMBER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, ts, tt.method, tt.path, token, nil)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func dial(t *testing.T, ts *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path + "?token=" + token
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) ws.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var f ws.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeFrame(t *testing.T, c *websocket.Conn, typ string) {
	t.Helper()
	data, err := json.Marshal(frame(typ, struct{}{}))
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, data))
}

func readClose(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, _, err := c.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func userToken(t *testing.T, s *Server, name string) (types.User, string) {
	t.Helper()
	u, err := s.CreateUser(name, "pw")
	require.NoError(t, err)
	token, err := s.IssueAccessToken(u.ID)
	require.NoError(t, err)
	return u, token
}

func TestLobbyChannelSnapshotAndUpdates(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	u, token := userToken(t, s, "bob")
	c := dial(t, ts, "/ws/lobby", token)

	f := readFrame(t, c)
	require.Equal(t, ws.TypeRoomList, f.Type)
	assert.Equal(t, ws.ProtocolVersion, f.V)
	var list struct {
		Rooms []types.RoomSummary `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &list))
	assert.Len(t, list.Rooms, 3)

	_, err := s.JoinRoom(context.Background(), 2, u)
	require.NoError(t, err)
	f = readFrame(t, c)
	require.Equal(t, ws.TypeRoomUpdate, f.Type)
	var upd struct {
		Room types.RoomSummary `json:"room"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &upd))
	assert.Equal(t, types.RoomSummary{RoomID: 2, Status: types.RoomWaiting, PlayerCount: 1}, upd.Room)
}

func TestRoomChannelSendsDetail(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	u, token := userToken(t, s, "bob")
	_, err := s.JoinRoom(context.Background(), 0, u)
	require.NoError(t, err)

	c := dial(t, ts, "/ws/rooms/0", token)
	f := readFrame(t, c)
	require.Equal(t, ws.TypeRoomUpdate, f.Type)
	var upd struct {
		Room types.RoomDetail `json:"room"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &upd))
	assert.Equal(t, u.ID, upd.Room.OwnerID)
	require.Len(t, upd.Room.Members, 1)
	assert.Equal(t, defaultChips, upd.Room.Members[0].Chips)
}

func TestChannelHeartbeatAndPing(t *testing.T) {
	s, ts := newTestServer(t, Options{PingInterval: 20 * time.Millisecond})
	_, token := userToken(t, s, "bob")
	c := dial(t, ts, "/ws/lobby", token)
	require.Equal(t, ws.TypeRoomList, readFrame(t, c).Type)

	writeFrame(t, c, ws.TypeHeartbeat)
	var sawAck, sawPing bool
	for !sawAck || !sawPing {
		switch readFrame(t, c).Type {
		case ws.TypeHeartbeatAck:
			sawAck = true
		case ws.TypePing:
			sawPing = true
		}
	}
	writeFrame(t, c, ws.TypePong)
	assert.Eventually(t, func() bool { return s.Counters.Pongs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, s.Counters.Heartbeats.Load())
}

func TestChannelCloseCodes(t *testing.T) {
	t.Run("bad token", func(t *testing.T) {
		_, ts := newTestServer(t, Options{})
		c := dial(t, ts, "/ws/lobby", "garbage")
		assert.Equal(t, websocket.StatusCode(ws.CloseUnauthorized), readClose(t, c))
	})
	t.Run("missing room", func(t *testing.T) {
		s, ts := newTestServer(t, Options{})
		_, token := userToken(t, s, "bob")
		c := dial(t, ts, "/ws/rooms/42", token)
		assert.Equal(t, websocket.StatusCode(ws.CloseRoomNotFound), readClose(t, c))
	})
	t.Run("silent client", func(t *testing.T) {
		s, ts := newTestServer(t, Options{ReadTimeout: 50 * time.Millisecond})
		_, token := userToken(t, s, "bob")
		c := dial(t, ts, "/ws/lobby", token)
		assert.Equal(t, websocket.StatusCode(ws.CloseHeartbeatTimeout), readClose(t, c))
	})
	t.Run("dropped", func(t *testing.T) {
		s, ts := newTestServer(t, Options{})
		_, token := userToken(t, s, "bob")
		c := dial(t, ts, "/ws/lobby", token)
		require.Equal(t, ws.TypeRoomList, readFrame(t, c).Type)
		s.DropConnections()
		assert.Equal(t, websocket.StatusGoingAway, readClose(t, c))
	})
}

func TestConnectionsCounted(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	_, token := userToken(t, s, "bob")
	c := dial(t, ts, "/ws/lobby", token)
	readFrame(t, c)

	n, err := s.Connections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool {
		n, err := s.Connections(context.Background())
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}
