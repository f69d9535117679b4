// Package socket owns one physical WebSocket to one endpoint: connect,
// send, disconnect, keepalive pings, and the reconnection loop driven by
// the backoff policy it is constructed with.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"claude-link/internal/backoff"
	"claude-link/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultReadWait         = 60 * time.Second
	defaultWriteTimeout     = 10 * time.Second

	maxMessageSize = 1024 * 1024 // 1 MB
)

var (
	// ErrNotConnected is returned by Send when no live connection exists;
	// the caller diverts the frame to the offline queue.
	ErrNotConnected = errors.New("socket: not connected")

	// ErrProbeTimeout reports a connection that completed the handshake but
	// never answered the initial liveness ping.
	ErrProbeTimeout = errors.New("socket: liveness probe timed out")
)

// Options tunes connection timing. The probe and write timeouts are short
// (order of seconds) and deliberately distinct from the reconnect backoff
// delays, which the Policy owns.
type Options struct {
	HandshakeTimeout time.Duration
	ProbeTimeout     time.Duration
	PingInterval     time.Duration
	ReadWait         time.Duration
	WriteTimeout     time.Duration
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = defaultProbeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ReadWait <= 0 {
		o.ReadWait = defaultReadWait
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

// StateListener observes every state transition, in order.
type StateListener func(old, new State)

// FrameHandler receives every decoded inbound frame, in receive order.
type FrameHandler func(*protocol.Frame)

type stateChange struct {
	old State
	new State
}

// Conn manages one WebSocket. All state mutation is serialized behind one
// mutex; the receive loop and keepalive ticker signal failures through a
// generation counter so a signal for an already-torn-down connection is
// ignored and at most one reconnect timer exists at a time.
type Conn struct {
	policy *backoff.Policy
	opts   Options
	logger *zap.Logger

	onState StateListener
	onFrame FrameHandler

	// pending holds undelivered transitions behind its own mutex so the
	// notifier never loses one, however far behind the listener falls.
	pendMu    sync.Mutex
	pending   []stateChange
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// writeMu serializes data writes; gorilla/websocket does not allow
	// concurrent WriteMessage calls.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	endpoint       string
	token          string
	intentional    bool
	gen            int
	done           chan struct{}
	reconnectTimer *time.Timer
	reconn         backoff.State
}

// New creates a disconnected Conn wired to its reconnection policy.
func New(policy *backoff.Policy, opts Options, logger *zap.Logger) *Conn {
	if policy == nil {
		policy = backoff.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.withDefaults()

	c := &Conn{
		policy: policy,
		opts:   opts,
		logger: logger,
		state:  StateDisconnected,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go c.notifyLoop()
	return c
}

// SetStateListener registers the transition observer. Call before Connect.
func (c *Conn) SetStateListener(fn StateListener) { c.onState = fn }

// SetFrameHandler registers the inbound frame sink. Call before Connect.
func (c *Conn) SetFrameHandler(fn FrameHandler) { c.onFrame = fn }

// notifyLoop is the single dispatch point for state transitions, so the
// observer sees every one of them, in the order they happened.
func (c *Conn) notifyLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}

		for {
			c.pendMu.Lock()
			if len(c.pending) == 0 {
				c.pendMu.Unlock()
				break
			}
			ch := c.pending[0]
			c.pending = c.pending[1:]
			c.pendMu.Unlock()

			if c.onState != nil {
				c.onState(ch.old, ch.new)
			}
		}
	}
}

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	old := c.state
	c.state = s

	c.pendMu.Lock()
	c.pending = append(c.pending, stateChange{old: old, new: s})
	c.pendMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the last endpoint passed to Connect.
func (c *Conn) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// ReconnectAttempt returns the current attempt count and whether the
// budget has been exhausted.
func (c *Conn) ReconnectAttempt() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconn.Attempt, c.reconn.BudgetExhausted
}

// UpdateCredentials replaces the endpoint and token used by every
// subsequent dial, including the ones the reconnect timer schedules. The
// live connection, if any, is left alone.
func (c *Conn) UpdateCredentials(endpoint, token string) {
	c.mu.Lock()
	c.endpoint = endpoint
	c.token = token
	c.mu.Unlock()
}

// ResetBackoff clears the attempt counter. Wired to external reachability
// signals (network restored) so a Failed connection becomes eligible for a
// fresh budget on the next Connect.
func (c *Conn) ResetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconn.Reset()
}

// Connect establishes the connection. A call while already Connecting or
// Connected is a logged no-op. The bearer token travels both as an
// Authorization header and as a query parameter, for endpoints that cannot
// read headers. Connect returns after the initial liveness probe succeeds
// (state Connected) or fails; a failure also hands control to the
// reconnection policy.
func (c *Conn) Connect(ctx context.Context, endpoint, token string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.logger.Info("connect ignored", zap.String("state", c.state.String()))
		c.mu.Unlock()
		return nil
	}
	// Manual connect grants a fresh budget (forced reconnection).
	c.reconn.Reset()
	c.stopReconnectTimerLocked()
	c.endpoint = endpoint
	c.token = token
	c.intentional = false
	c.mu.Unlock()

	return c.dial(ctx)
}

// dial performs one connection attempt using the stored endpoint and token.
func (c *Conn) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateReconnecting {
		c.setStateLocked(StateConnecting)
	}
	endpoint, token := c.endpoint, c.token
	c.mu.Unlock()

	u, err := url.Parse(endpoint)
	if err != nil {
		c.dialFailed(fmt.Errorf("parse endpoint: %w", err))
		return fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.dialFailed(err)
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.mu.Lock()
	if c.intentional {
		// Disconnected while the handshake was in flight.
		c.mu.Unlock()
		ws.Close()
		return errors.New("socket: closed during dial")
	}
	c.gen++
	gen := c.gen
	c.ws = ws
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	pong := make(chan struct{}, 1)
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.opts.ProbeTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.opts.ReadWait))
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	// The read loop must be running for the pong to be processed. Frames
	// that arrive before the probe completes are dispatched normally.
	go c.readLoop(ws, gen)

	// Liveness probe: a TCP-level accept is not a working application
	// connection. Connected is declared only once the server answers a ping.
	if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
		err = fmt.Errorf("liveness probe: %w", err)
		c.failure(gen, err)
		return err
	}

	select {
	case <-pong:
	case <-time.After(c.opts.ProbeTimeout):
		c.failure(gen, ErrProbeTimeout)
		return ErrProbeTimeout
	case <-ctx.Done():
		c.failure(gen, ctx.Err())
		return ctx.Err()
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return errors.New("socket: connection superseded")
	}
	c.reconn.Reset()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.keepalive(ws, gen, done)
	c.logger.Info("connected", zap.String("endpoint", endpoint))
	return nil
}

// Send encodes and transmits a frame. When not Connected it fails with
// ErrNotConnected so the caller can divert to the offline queue; a
// transmit failure follows the same path as a receive failure.
func (c *Conn) Send(frame *protocol.Frame) error {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	gen := c.gen
	c.mu.Unlock()

	data, err := frame.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.failure(gen, fmt.Errorf("transmit %s: %w", frame.Kind, err))
		return fmt.Errorf("send %s: %w", frame.Kind, err)
	}
	return nil
}

// Disconnect closes the connection. intentional=true (app background, user
// close) cancels all timers and suppresses automatic reconnection while
// retaining the endpoint and token for a later Connect. intentional=false
// is handled like a network failure.
func (c *Conn) Disconnect(intentional bool) {
	if !intentional {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()
		c.failure(gen, errors.New("disconnect requested"))
		return
	}

	c.mu.Lock()
	c.intentional = true
	c.stopReconnectTimerLocked()
	c.gen++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.ws != nil {
		c.writeMu.Lock()
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.ws.Close()
		c.ws = nil
	}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
}

// Close releases the notification goroutine. The Conn is unusable after.
func (c *Conn) Close() {
	c.Disconnect(true)
	c.closeOnce.Do(func() { close(c.closed) })
}

// readLoop reads frames until the connection dies. Malformed inbound
// frames are protocol errors: logged and discarded, never fatal.
func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.failure(gen, fmt.Errorf("receive: %w", err))
			return
		}

		frame, derr := protocol.Decode(data)
		if derr != nil {
			c.logger.Warn("malformed inbound frame dropped", zap.Error(derr))
			continue
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

// keepalive pings on a steady interval while the connection lives. A ping
// failure is treated identically to a receive failure.
func (c *Conn) keepalive(ws *websocket.Conn, gen int, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.failure(gen, fmt.Errorf("keepalive ping: %w", err))
				return
			}
		}
	}
}

// dialFailed handles a failure before any socket existed.
func (c *Conn) dialFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.intentional {
		c.setStateLocked(StateDisconnected)
		return
	}
	c.logger.Warn("connect failed", zap.Error(err),
		zap.String("endpoint", c.endpoint))
	if c.state != StateReconnecting {
		c.setStateLocked(StateDisconnected)
	}
	c.scheduleReconnectLocked()
}

// failure tears down a live connection and hands control to the
// reconnection policy. The generation guard makes duplicate signals for
// the same connection (read error racing a ping error racing an explicit
// disconnect) collapse into one teardown.
func (c *Conn) failure(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if c.intentional {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}
	// A pending reconnect timer means this signal is a duplicate for a
	// connection already being retried; the Reconnecting state stands.
	if c.reconnectTimer == nil {
		c.setStateLocked(StateDisconnected)
	}
	c.logger.Warn("connection lost", zap.Error(err),
		zap.String("endpoint", c.endpoint))
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked records a failed attempt and either schedules
// the next dial or, once the budget is spent, parks in Failed until a
// manual Connect or a backoff reset.
func (c *Conn) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		// One reconnect attempt in flight at a time.
		return
	}

	attempt := c.reconn.Next()
	if !c.policy.ShouldRetry(attempt) {
		c.reconn.BudgetExhausted = true
		c.setStateLocked(StateFailed)
		c.logger.Error("reconnection budget exhausted",
			zap.Int("attempts", attempt))
		return
	}

	delay := c.policy.NextDelay(attempt)
	c.setStateLocked(StateReconnecting)
	c.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.intentional || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		// Errors schedule the next attempt through dialFailed/failure.
		_ = c.dial(context.Background())
	})
}

func (c *Conn) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}
