package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// Server close codes.
const (
	CloseUnauthorized     = 4401
	CloseRoomNotFound     = 4404
	CloseHeartbeatTimeout = 4408
)

var (
	ErrUnauthorized     = errors.New("channel closed: unauthorized")
	ErrRoomNotFound     = errors.New("channel closed: room not found")
	ErrHeartbeatTimeout = errors.New("channel closed: heartbeat timeout")
)

// CloseError reports a close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("channel closed: status=%d reason=%q", e.Code, e.Reason)
}

// Conn is an open channel transport.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	Options *websocket.DialOptions
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(1 << 20)
	return &websocketConn{c: c}, nil
}

type websocketConn struct {
	c *websocket.Conn
}

func (w *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (w *websocketConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *websocketConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// closeCause maps a read error to the error reported by Client.Err. A normal
// closure reports nil.
func closeCause(err error) error {
	var ce *CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case int(websocket.StatusNormalClosure), int(websocket.StatusGoingAway):
		return nil
	case CloseUnauthorized:
		return ErrUnauthorized
	case CloseRoomNotFound:
		return ErrRoomNotFound
	case CloseHeartbeatTimeout:
		return ErrHeartbeatTimeout
	default:
		return ce
	}
}
