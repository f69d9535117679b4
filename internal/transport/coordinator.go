// Package transport coordinates the socket, the offline queue and the
// stream reassembler into one facade: commands go in, events come out.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"claude-link/internal/protocol"
	"claude-link/internal/queue"
	"claude-link/internal/socket"
	"claude-link/internal/stream"
)

const (
	defaultHistorySize = 256
	eventBuffer        = 256
)

// ErrNoSession is returned by Abort when no session is bound for the
// project path.
var ErrNoSession = errors.New("transport: no active session for project")

// Link is the connection surface the coordinator drives. *socket.Conn
// implements it.
type Link interface {
	Connect(ctx context.Context, endpoint, token string) error
	Disconnect(intentional bool)
	Send(*protocol.Frame) error
	State() socket.State
	SetStateListener(socket.StateListener)
	SetFrameHandler(socket.FrameHandler)
	ResetBackoff()
	UpdateCredentials(endpoint, token string)
}

// Options tunes the coordinator.
type Options struct {
	// ProjectPath stamps every outbound command.
	ProjectPath string
	// QueueCapacity bounds the offline queue. Zero means the default.
	QueueCapacity int
	// HistorySize bounds the event history. Zero means the default.
	HistorySize int
}

// Coordinator owns the session bindings and routes every inbound frame
// and state transition to the matching queue, reassembler and event
// plumbing. Handlers run on the socket's dispatch goroutines; shared
// state sits behind one mutex.
type Coordinator struct {
	link    Link
	queue   *queue.Queue
	streams *stream.Reassembler
	history *History
	logger  *zap.Logger
	opts    Options

	events chan Event

	mu       sync.Mutex
	sessions map[string]string // projectPath -> sessionId
	endpoint string
	token    string
}

// New wires a coordinator around an existing link. store may be nil for a
// transport with no persistent offline queue.
func New(link Link, store *queue.Store, opts Options, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}

	c := &Coordinator{
		link:     link,
		streams:  stream.New(logger),
		history:  NewHistory(opts.HistorySize),
		logger:   logger,
		opts:     opts,
		events:   make(chan Event, eventBuffer),
		sessions: make(map[string]string),
	}

	q, err := queue.New(opts.QueueCapacity, store, c.commandDropped, logger)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	c.queue = q

	link.SetStateListener(c.stateChanged)
	link.SetFrameHandler(c.frameReceived)
	return c, nil
}

// Events is the coordinator's output. The channel is buffered; a consumer
// that stalls past the buffer loses events, which are still retained in
// History.
func (c *Coordinator) Events() <-chan Event { return c.events }

// History returns the retained event buffer for late-attaching consumers.
func (c *Coordinator) History() []Event { return c.history.Recent() }

// RecentEvents returns the newest n retained events in order.
func (c *Coordinator) RecentEvents(n int) []Event { return c.history.Tail(n) }

// QueuedCommands returns the number of commands waiting offline.
func (c *Coordinator) QueuedCommands() int { return c.queue.Len() }

// SessionFor returns the bound session id for a project path.
func (c *Coordinator) SessionFor(projectPath string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessions[projectPath]
	return id, ok
}

// ClearSession drops the binding for a project path. The next command
// starts a fresh backend session.
func (c *Coordinator) ClearSession(projectPath string) {
	c.mu.Lock()
	delete(c.sessions, projectPath)
	c.mu.Unlock()
}

// Connect opens the transport and remembers the credentials for later
// reachability-driven redials.
func (c *Coordinator) Connect(ctx context.Context, endpoint, token string) error {
	c.mu.Lock()
	c.endpoint = endpoint
	c.token = token
	c.mu.Unlock()
	return c.link.Connect(ctx, endpoint, token)
}

// Disconnect closes the transport without triggering reconnection.
func (c *Coordinator) Disconnect() { c.link.Disconnect(true) }

// UpdateCredentials replaces the endpoint and token for every later dial,
// automatic or reachability-driven. Config hot-reload calls this so a
// rotated token or moved endpoint takes effect without a restart. A moved
// endpoint makes the current connection worthless, so it is redialed
// immediately; a token rotation on the same endpoint leaves the healthy
// connection alone and applies from the next dial.
func (c *Coordinator) UpdateCredentials(endpoint, token string) {
	c.mu.Lock()
	moved := c.endpoint != "" && c.endpoint != endpoint
	c.endpoint = endpoint
	c.token = token
	c.mu.Unlock()
	c.link.UpdateCredentials(endpoint, token)

	if !moved {
		return
	}
	switch c.link.State() {
	case socket.StateConnected, socket.StateConnecting, socket.StateReconnecting:
		c.link.Disconnect(true)
		if err := c.link.Connect(context.Background(), endpoint, token); err != nil {
			c.logger.Warn("reconnect to updated endpoint failed",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}

// NetworkRestored is the hook for an external reachability signal. It
// grants the connection a fresh retry budget and, when the transport is
// parked in Failed or Disconnected with known credentials, dials again.
func (c *Coordinator) NetworkRestored(ctx context.Context) error {
	c.link.ResetBackoff()

	c.mu.Lock()
	endpoint, token := c.endpoint, c.token
	c.mu.Unlock()
	if endpoint == "" {
		return nil
	}

	switch c.link.State() {
	case socket.StateFailed, socket.StateDisconnected:
		return c.link.Connect(ctx, endpoint, token)
	}
	return nil
}

// SendCommand submits a prompt for the configured project. When a session
// is already bound the command resumes it; otherwise the backend creates
// one and answers with session-created. Offline, the command lands in the
// queue instead of failing.
func (c *Coordinator) SendCommand(content string) (uuid.UUID, error) {
	c.mu.Lock()
	sessionID := c.sessions[c.opts.ProjectPath]
	projectPath := c.opts.ProjectPath
	c.mu.Unlock()

	cmd := &queue.Command{
		ID:          uuid.New(),
		Kind:        protocol.KindClaudeCommand,
		Frame:       protocol.NewCommand(content, projectPath, sessionID, sessionID != ""),
		ProjectPath: projectPath,
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
		Retryable:   true,
		MaxRetries:  queue.DefaultMaxRetries,
	}
	return cmd.ID, c.submit(cmd)
}

// Abort asks the backend to stop a session. An empty sessionID targets
// the session bound to the configured project. Aborts are not worth
// retrying once stale, so a queued abort gets a single attempt.
func (c *Coordinator) Abort(sessionID string) error {
	c.mu.Lock()
	projectPath := c.opts.ProjectPath
	if sessionID == "" {
		sessionID = c.sessions[projectPath]
	}
	c.mu.Unlock()

	if sessionID == "" {
		return ErrNoSession
	}

	cmd := &queue.Command{
		ID:          uuid.New(),
		Kind:        protocol.KindAbortSession,
		Frame:       protocol.NewAbort(sessionID),
		ProjectPath: projectPath,
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
		Retryable:   false,
		MaxRetries:  1,
	}
	return c.submit(cmd)
}

// SendInput forwards raw input to the backend shell. Input is ephemeral
// and never queued: replaying stale keystrokes after a reconnect is worse
// than losing them.
func (c *Coordinator) SendInput(data string) error {
	return c.link.Send(protocol.NewInput(data))
}

// Resize reports a new terminal geometry. Ephemeral like input.
func (c *Coordinator) Resize(cols, rows int) error {
	return c.link.Send(protocol.NewResize(cols, rows))
}

// submit sends immediately when connected, and otherwise defers to the
// offline queue.
func (c *Coordinator) submit(cmd *queue.Command) error {
	err := c.link.Send(cmd.Frame)
	if err == nil {
		return nil
	}
	if !errors.Is(err, socket.ErrNotConnected) {
		// The send raced a connection loss. The command is intact, so it
		// queues like any other offline submission.
		c.logger.Warn("send failed, command queued", zap.Error(err),
			zap.String("kind", cmd.Kind))
	}
	if qerr := c.queue.Enqueue(cmd); qerr != nil {
		return qerr
	}
	c.emit(Event{
		Kind:        EventCommandQueued,
		CommandID:   cmd.ID,
		SessionID:   cmd.SessionID,
		ProjectPath: cmd.ProjectPath,
	})
	return nil
}

// stateChanged runs on the link's notification goroutine.
func (c *Coordinator) stateChanged(old, new socket.State) {
	c.emit(Event{Kind: EventConnectionChanged, Previous: old, State: new})

	switch {
	case new == socket.StateConnected:
		c.flush()
	case old == socket.StateConnected:
		// Streams in flight when the connection dropped will never finish.
		for _, r := range c.streams.AbortAll() {
			c.emit(Event{
				Kind:      EventMessageFailed,
				MessageID: r.MessageID,
				Content:   r.Content,
				Recovered: r.Recovered,
				Reason:    "connection lost mid-stream",
			})
		}
	}
}

// flush drains the offline queue over the live connection. Commands
// submitted before their session existed are re-stamped with the binding
// the backend has since assigned.
func (c *Coordinator) flush() {
	sent := c.queue.Flush(func(cmd *queue.Command) error {
		if cmd.Kind == protocol.KindClaudeCommand && cmd.SessionID == "" {
			c.mu.Lock()
			bound := c.sessions[cmd.ProjectPath]
			c.mu.Unlock()
			if bound != "" {
				c.restamp(cmd, bound)
			}
		}
		return c.link.Send(cmd.Frame)
	})
	if sent > 0 {
		c.logger.Info("offline queue flushed", zap.Int("sent", sent))
	}
}

// restamp rewrites a command frame to resume the bound session.
func (c *Coordinator) restamp(cmd *queue.Command, sessionID string) {
	cmd.SessionID = sessionID
	if opts, ok := cmd.Frame.Fields["options"].(map[string]any); ok {
		opts["sessionId"] = sessionID
		opts["resume"] = true
	}
}

// commandDropped is the queue's drop callback.
func (c *Coordinator) commandDropped(cmd *queue.Command, reason string) {
	c.emit(Event{
		Kind:        EventCommandFailed,
		CommandID:   cmd.ID,
		SessionID:   cmd.SessionID,
		ProjectPath: cmd.ProjectPath,
		Reason:      reason,
	})
}

// frameReceived runs on the link's read goroutine, one frame at a time.
func (c *Coordinator) frameReceived(f *protocol.Frame) {
	switch f.Kind {
	case protocol.KindSessionCreated:
		c.sessionCreated(f)

	case protocol.KindStreamStart:
		p, err := f.Stream()
		if err != nil {
			c.logger.Warn("bad stream-start", zap.Error(err))
			return
		}
		c.streams.Start(p.MessageID)
		c.emit(Event{Kind: EventMessageStarted, MessageID: p.MessageID})
		if p.Content != "" {
			c.streams.Chunk(p.MessageID, p.Content)
			c.emit(Event{Kind: EventMessageAppended, MessageID: p.MessageID, Content: p.Content})
		}

	case protocol.KindStreamChunk:
		p, err := f.Stream()
		if err != nil {
			c.logger.Warn("bad stream-chunk", zap.Error(err))
			return
		}
		recovered := c.streams.Chunk(p.MessageID, p.Content)
		if recovered {
			c.emit(Event{Kind: EventMessageStarted, MessageID: p.MessageID, Recovered: true})
		}
		c.emit(Event{Kind: EventMessageAppended, MessageID: p.MessageID, Content: p.Content})

	case protocol.KindStreamEnd:
		p, err := f.Stream()
		if err != nil {
			c.logger.Warn("bad stream-end", zap.Error(err))
			return
		}
		if result, ok := c.streams.End(p.MessageID, p.Content); ok {
			c.emit(Event{
				Kind:      EventMessageCompleted,
				MessageID: result.MessageID,
				Content:   result.Content,
				Recovered: result.Recovered,
			})
		}

	case protocol.KindClaudeResponse:
		c.emit(Event{Kind: EventMessageCompleted, Content: f.ResponseContent()})

	case protocol.KindClaudeOutput, protocol.KindShellOutput, protocol.KindShellError:
		c.emit(Event{Kind: EventShellOutput, Content: f.ShellData()})

	case protocol.KindError:
		c.emit(Event{Kind: EventServerError, Reason: f.ErrorMessage()})

	default:
		c.logger.Debug("unhandled frame kind", zap.String("type", f.Kind))
	}
}

// sessionCreated binds the assigned session id so later commands resume it.
func (c *Coordinator) sessionCreated(f *protocol.Frame) {
	p, err := f.SessionCreated()
	if err != nil {
		c.logger.Warn("bad session-created", zap.Error(err))
		return
	}
	projectPath := p.ProjectPath
	if projectPath == "" {
		projectPath = c.opts.ProjectPath
	}

	c.mu.Lock()
	c.sessions[projectPath] = p.SessionID
	c.mu.Unlock()

	c.logger.Info("session assigned",
		zap.String("sessionId", p.SessionID),
		zap.String("projectPath", projectPath))
	c.emit(Event{
		Kind:        EventSessionAssigned,
		SessionID:   p.SessionID,
		ProjectPath: projectPath,
	})
}

func (c *Coordinator) emit(ev Event) {
	ev.Time = time.Now()
	c.history.Record(ev)
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event consumer stalled, event kept in history only",
			zap.String("kind", ev.Kind.String()))
	}
}
