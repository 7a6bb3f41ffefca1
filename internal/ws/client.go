package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/config"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

var (
	ErrConnectInProgress = errors.New("channel connect already in progress")
	ErrSuperseded        = errors.New("channel connect superseded by disconnect")
)

const writeTimeout = 3 * time.Second

// Handler receives application events in arrival order, on the read
// goroutine.
type Handler func(Event)

// Client is one channel connection with its own state machine:
// disconnected -> connecting -> connected -> (error|closed) -> disconnected.
type Client struct {
	base             string
	dialer           Dialer
	heartbeat        time.Duration
	handshakeTimeout time.Duration
	handler          Handler
	logger           *zap.Logger
	now              func() time.Time

	mu        sync.Mutex
	state     State
	scope     Scope
	epoch     uint64 // bumped by every Connect and Disconnect
	conn      Conn
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	lastAlive time.Time

	writeMu sync.Mutex
}

type ClientOption func(*Client)

func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.heartbeat = d }
}

func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.handshakeTimeout = d }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a disconnected client. base is the streaming origin
// (ws:// or wss://).
func NewClient(base string, handler Handler, opts ...ClientOption) *Client {
	closed := make(chan struct{})
	close(closed)
	c := &Client{
		base:             base,
		dialer:           WebsocketDialer{},
		heartbeat:        config.DefaultHeartbeatInterval,
		handshakeTimeout: 10 * time.Second,
		handler:          handler,
		logger:           zap.NewNop(),
		now:              time.Now,
		done:             closed,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = func(Event) {}
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err reports why the last connection ended: ErrUnauthorized,
// ErrRoomNotFound, ErrHeartbeatTimeout, another transport error, or nil for
// a normal close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// LastAlive is when a PING or PONG was last seen.
func (c *Client) LastAlive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAlive
}

// Connect opens the channel for scope. It is a no-op when already connected
// and returns once the transport is open. A dial failure leaves the client
// in StateError.
func (c *Client) Connect(ctx context.Context, scope Scope, token string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.epoch++
	epoch := c.epoch
	c.state = StateConnecting
	c.scope = scope
	c.err = nil
	c.mu.Unlock()

	target, err := channelURL(c.base, scope, token)
	if err != nil {
		c.fail(epoch, err)
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, c.handshakeTimeout)
	conn, err := c.dialer.Dial(dialCtx, target)
	cancelDial()
	if err != nil {
		c.fail(epoch, err)
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		_ = conn.Close(int(websocket.StatusNormalClosure), "superseded")
		return ErrSuperseded
	}
	connCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.state = StateConnected
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.lastAlive = c.now()
	c.mu.Unlock()

	c.logger.Info("channel connected", zap.Stringer("scope", scope))

	go c.readLoop(connCtx, conn, scope, epoch, done)
	go c.heartbeatLoop(connCtx, conn, epoch)
	return nil
}

func (c *Client) fail(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.state = StateError
	c.err = err
	c.logger.Warn("channel connect failed", zap.Stringer("scope", c.scope), zap.Error(err))
}

// Disconnect closes the current connection, if any, and invalidates any
// connect still in flight.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(int(websocket.StatusNormalClosure), "client disconnect")
	}
}

// Send writes one frame on the current connection.
func (c *Client) Send(ctx context.Context, f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("channel not connected")
	}
	return c.write(ctx, conn, f)
}

func (c *Client) write(ctx context.Context, conn Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, data)
}

func (c *Client) readLoop(ctx context.Context, conn Conn, scope Scope, epoch uint64, done chan struct{}) {
	var readErr error
	defer func() { c.closed(epoch, readErr, done) }()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			readErr = err
			return
		}
		c.handleFrame(ctx, conn, scope, epoch, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, conn Conn, scope Scope, epoch uint64, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	switch f.Type {
	case TypePing:
		v := f.V
		if v == 0 {
			v = ProtocolVersion
		}
		if err := c.write(ctx, conn, controlFrame(v, TypePong)); err != nil {
			c.logger.Debug("failed to answer PING", zap.Error(err))
		}
		c.markAlive(epoch)
		return
	case TypePong:
		c.markAlive(epoch)
		return
	}

	ev, err := decodeEvent(scope, f)
	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.Stringer("scope", scope), zap.Error(err))
		return
	}
	if u, ok := ev.(Unknown); ok {
		c.logger.Debug("dropping unknown frame", zap.Stringer("scope", scope), zap.String("type", u.Type))
		return
	}

	c.mu.Lock()
	current := c.epoch == epoch
	c.mu.Unlock()
	if current {
		c.handler(ev)
	}
}

func (c *Client) markAlive(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch {
		c.lastAlive = c.now()
	}
}

// closed runs once per connection when its read loop exits.
func (c *Client) closed(epoch uint64, readErr error, done chan struct{}) {
	c.mu.Lock()
	if c.epoch == epoch {
		if c.cancel != nil {
			c.cancel()
		}
		c.conn, c.cancel = nil, nil
		c.state = StateDisconnected
		c.err = closeCause(readErr)
		c.logger.Info("channel closed", zap.Stringer("scope", c.scope), zap.NamedError("cause", c.err))
	}
	close(done)
	c.mu.Unlock()
}

// heartbeatLoop is tied to one connection. It stops when the connection's
// context is cancelled, or on the first failed send, which also drops the
// connection.
func (c *Client) heartbeatLoop(ctx context.Context, conn Conn, epoch uint64) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			open := c.epoch == epoch && c.state == StateConnected
			c.mu.Unlock()
			if !open {
				return
			}
			if err := c.write(ctx, conn, controlFrame(ProtocolVersion, TypeHeartbeat)); err != nil {
				c.logger.Warn("heartbeat send failed", zap.Error(err))
				c.drop(epoch, conn)
				return
			}
		}
	}
}

// drop marks the connection disconnected and releases it; the read loop
// then finishes and closes Done.
func (c *Client) drop(epoch uint64, conn Conn) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	_ = conn.Close(int(websocket.StatusGoingAway), "heartbeat failed")
}
