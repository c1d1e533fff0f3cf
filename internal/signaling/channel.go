// Package signaling maintains the persistent WebSocket used for queue status
// and match-found notifications. The channel owns its read and write loops
// and bridges inbound frames to the tick loop through a bounded channel; it
// never reconnects on its own, that policy belongs to the session.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/strategyking/matchnet/pkg/wire"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// AuthMode selects how the token reaches the server; both deployments exist.
type AuthMode int

const (
	// AuthQueryParam appends ?token= to the connect URL.
	AuthQueryParam AuthMode = iota
	// AuthFirstFrame sends an {"type":"auth"} frame before anything else.
	AuthFirstFrame
)

const (
	writeTimeout       = 3 * time.Second
	defaultRetryDelay  = 5 * time.Second
	defaultInboundSize = 64
	outboundSize       = 16
)

var (
	ErrAlreadyConnected = errors.New("signaling channel already connected or connecting")
	ErrNotConnected     = errors.New("signaling channel not connected")
	ErrSendBufferFull   = errors.New("signaling send buffer full")
)

// Inbound is one item bridged to the tick loop: either a decoded signal or a
// connection-loss notification, never both.
type Inbound struct {
	Signal wire.Signal
	Lost   *Lost
}

// Lost reports why the connection ended and how long the session should wait
// before retrying.
type Lost struct {
	Reason  string
	RetryIn time.Duration
}

type Options struct {
	// URL is the full endpoint, e.g. ws://host:3334/ws or .../matchmaking.
	URL         string
	Mode        AuthMode
	InboundSize int
	Log         *zap.Logger
}

type Channel struct {
	opts    Options
	log     *zap.Logger
	inbound chan Inbound

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	outbound chan wire.Command
	stop     context.CancelFunc
	closing  bool
}

func NewChannel(opts Options) *Channel {
	if opts.InboundSize <= 0 {
		opts.InboundSize = defaultInboundSize
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Channel{
		opts:    opts,
		log:     opts.Log,
		inbound: make(chan Inbound, opts.InboundSize),
		state:   StateDisconnected,
	}
}

// Inbound is drained by the session once per tick.
func (c *Channel) Inbound() <-chan Inbound { return c.inbound }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials and authenticates, then starts the read and write loops.
// A connect while already Connecting or Connected is a logged no-op: there is
// never more than one live connection per session.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		c.log.Info("ignoring connect request, channel already active", zap.Stringer("state", c.state))
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.closing = false
	c.mu.Unlock()

	url := c.opts.URL
	if c.opts.Mode == AuthQueryParam {
		url = fmt.Sprintf("%s?token=%s", url, token)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial signaling server: %w", err)
	}

	if c.opts.Mode == AuthFirstFrame {
		authCmd, err := marshalCommand(wire.Command{Type: wire.TypeAuth, Token: token})
		if err == nil {
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, authCmd)
			cancel()
		}
		if err != nil {
			conn.Close(websocket.StatusInternalError, "auth write failed")
			c.setState(StateDisconnected)
			return fmt.Errorf("send auth frame: %w", err)
		}
	}

	loopCtx, stop := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.outbound = make(chan wire.Command, outboundSize)
	c.stop = stop
	c.state = StateConnected
	c.mu.Unlock()

	go c.writeLoop(loopCtx, conn, c.outbound)
	go c.readLoop(loopCtx, conn)

	c.log.Info("signaling channel connected", zap.String("url", c.opts.URL))
	return nil
}

// Send queues one outbound command. It never blocks the tick loop: a full
// buffer is an error for the caller to surface.
func (c *Channel) Send(cmd wire.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	select {
	case c.outbound <- cmd:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the connection down deliberately; no Lost notification is
// emitted for a requested close.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateConnecting {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.state = StateDisconnected
	conn := c.conn
	stop := c.stop
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if stop != nil {
		stop()
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadEnd(err)
			return
		}

		sig, err := wire.DecodeSignal(data)
		if err != nil {
			// Unparsable frames are dropped without killing the connection.
			c.log.Warn("dropping unparsable signaling frame", zap.Error(err))
			continue
		}
		if unknown, ok := sig.(wire.Unknown); ok {
			c.log.Warn("unknown signaling message type", zap.String("type", unknown.RawType))
		}

		// Blocking send: when the tick loop falls behind, the read loop
		// pauses instead of dropping frames.
		select {
		case c.inbound <- Inbound{Signal: sig}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan wire.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-outbound:
			payload, err := marshalCommand(cmd)
			if err != nil {
				c.log.Error("dropping unencodable command", zap.String("type", cmd.Type), zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.log.Error("signaling write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Channel) handleReadEnd(err error) {
	c.mu.Lock()
	deliberate := c.closing
	stop := c.stop
	c.conn = nil
	if deliberate {
		c.state = StateDisconnected
	} else {
		// Unexpected loss: the session decides when to reconnect.
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if deliberate {
		return
	}

	reason := err.Error()
	if status := websocket.CloseStatus(err); status != -1 {
		reason = fmt.Sprintf("connection closed (%d)", status)
	}
	c.log.Warn("signaling connection lost", zap.String("reason", reason))

	c.inbound <- Inbound{Lost: &Lost{Reason: reason, RetryIn: defaultRetryDelay}}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func marshalCommand(cmd wire.Command) ([]byte, error) {
	return json.Marshal(cmd)
}
