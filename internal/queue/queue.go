// Package queue buffers outbound commands accepted while the connection is
// down and replays them in order once it is back.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"claude-link/internal/protocol"
)

const (
	// DefaultCapacity bounds the queue. At capacity the oldest entry is
	// dropped and reported failed; memory and replay storms stay bounded.
	DefaultCapacity = 100

	// DefaultMaxRetries bounds re-enqueues of a command that keeps failing
	// to send during flushes.
	DefaultMaxRetries = 3
)

var (
	// ErrUnencodable reports a command whose frame cannot be serialized.
	ErrUnencodable = errors.New("queue: command frame is not encodable")
)

// Command is one deferred outbound send.
type Command struct {
	ID          uuid.UUID
	Kind        string
	Frame       *protocol.Frame
	ProjectPath string
	SessionID   string
	CreatedAt   time.Time
	Retryable   bool
	MaxRetries  int
	Attempts    int

	seq int64 // persistence row, 0 when not stored
}

// DropFunc is notified when a command is abandoned: dropped at capacity or
// discarded after exhausting its retries.
type DropFunc func(cmd *Command, reason string)

// Queue is a bounded FIFO of Commands, optionally backed by a Store. All
// methods are safe for concurrent use from the submission path and the
// flush path.
type Queue struct {
	mu       sync.Mutex
	items    []*Command
	capacity int
	store    *Store
	onDrop   DropFunc
	logger   *zap.Logger
}

// New creates a queue. store may be nil for a purely in-memory queue; when
// set, previously persisted commands are restored in FIFO order.
func New(capacity int, store *Store, onDrop DropFunc, logger *zap.Logger) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		capacity: capacity,
		store:    store,
		onDrop:   onDrop,
		logger:   logger,
	}

	if store != nil {
		restored, err := store.loadAll()
		if err != nil {
			return nil, err
		}
		q.items = restored
		if len(restored) > 0 {
			logger.Info("restored offline queue", zap.Int("commands", len(restored)))
		}
	}
	return q, nil
}

// Enqueue appends cmd. At capacity the oldest entry is dropped and reported
// through the drop callback.
func (q *Queue) Enqueue(cmd *Command) error {
	if cmd.Frame == nil {
		return ErrUnencodable
	}
	if _, err := cmd.Frame.Encode(); err != nil {
		return ErrUnencodable
	}

	q.mu.Lock()
	var dropped *Command
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items = q.items[1:]
		if q.store != nil && dropped.seq != 0 {
			if err := q.store.delete(dropped.seq); err != nil {
				q.logger.Warn("delete dropped command", zap.Error(err))
			}
		}
	}
	if q.store != nil {
		if err := q.store.insert(cmd); err != nil {
			q.logger.Warn("persist queued command", zap.Error(err),
				zap.String("commandId", cmd.ID.String()))
		}
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	if dropped != nil {
		q.logger.Warn("offline queue full, dropped oldest",
			zap.String("commandId", dropped.ID.String()))
		if q.onDrop != nil {
			q.onDrop(dropped, "queue full")
		}
	}
	return nil
}

// SendFunc transmits one command. A nil return acknowledges it.
type SendFunc func(cmd *Command) error

// Flush drains a snapshot of the queue in FIFO order. Commands enqueued
// while the flush runs land in the live queue and wait for the next flush,
// so a flush never loses or double-sends. Failed retryable commands are
// re-enqueued at the back until MaxRetries; others are discarded and
// reported through the drop callback. Returns the number sent.
func (q *Queue) Flush(send SendFunc) int {
	q.mu.Lock()
	snapshot := q.items
	q.items = nil
	q.mu.Unlock()

	sent := 0
	for _, cmd := range snapshot {
		err := send(cmd)
		if err == nil {
			sent++
			q.ack(cmd)
			continue
		}

		cmd.Attempts++
		if cmd.Retryable && cmd.Attempts < cmd.MaxRetries {
			q.requeue(cmd)
			continue
		}
		q.ack(cmd)
		q.logger.Warn("queued command abandoned",
			zap.String("commandId", cmd.ID.String()),
			zap.Int("attempts", cmd.Attempts),
			zap.Error(err))
		if q.onDrop != nil {
			q.onDrop(cmd, "retries exhausted")
		}
	}
	return sent
}

// ack removes a command from persistence after it was sent or abandoned.
func (q *Queue) ack(cmd *Command) {
	if q.store != nil && cmd.seq != 0 {
		if err := q.store.delete(cmd.seq); err != nil {
			q.logger.Warn("ack queued command", zap.Error(err))
		}
	}
}

// requeue puts a failed retryable command at the back of the live queue.
func (q *Queue) requeue(cmd *Command) {
	q.mu.Lock()
	if q.store != nil && cmd.seq != 0 {
		if err := q.store.updateAttempts(cmd.seq, cmd.Attempts); err != nil {
			q.logger.Warn("update queued command", zap.Error(err))
		}
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()
}

// Len returns the number of commands waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the waiting commands in FIFO order.
func (q *Queue) Snapshot() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Command, len(q.items))
	copy(out, q.items)
	return out
}

func decodeStoredFrame(raw string) (*protocol.Frame, error) {
	return protocol.Decode([]byte(raw))
}
