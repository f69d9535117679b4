// Package stream reassembles partial-token frames into whole messages.
// Chunks for one message id arrive in transmission order on the single
// socket read loop; the reassembler concatenates, it never reorders.
package stream

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of a completed or aborted stream.
type Result struct {
	MessageID string
	Content   string
	StartedAt time.Time
	// Recovered marks a buffer that was created defensively because a chunk
	// arrived before its start frame.
	Recovered bool
}

type buffer struct {
	content   strings.Builder
	startedAt time.Time
	recovered bool
}

// Reassembler accumulates one buffer per in-flight message id.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Reassembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reassembler{
		buffers: make(map[string]*buffer),
		logger:  logger,
	}
}

// Start opens a buffer for id. Returns false if one is already streaming,
// in which case the existing buffer is kept.
func (r *Reassembler) Start(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.buffers[id]; exists {
		r.logger.Warn("duplicate stream-start", zap.String("messageId", id))
		return false
	}
	r.buffers[id] = &buffer{startedAt: time.Now()}
	return true
}

// Chunk appends a token to the buffer for id. A chunk with no open buffer
// creates one rather than dropping the token; such buffers are flagged
// recovered. Returns true when the buffer had to be created.
func (r *Reassembler) Chunk(id, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.buffers[id]
	if !exists {
		b = &buffer{startedAt: time.Now(), recovered: true}
		r.buffers[id] = b
		r.logger.Warn("chunk before start, buffer created defensively",
			zap.String("messageId", id))
	}
	b.content.WriteString(token)
	return !exists
}

// End closes the buffer for id, appending any trailing token, and returns
// the accumulated result. The second call for the same id is a no-op and
// returns ok=false.
func (r *Reassembler) End(id, finalToken string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.buffers[id]
	if !exists {
		return Result{}, false
	}
	if finalToken != "" {
		b.content.WriteString(finalToken)
	}
	delete(r.buffers, id)
	return Result{
		MessageID: id,
		Content:   b.content.String(),
		StartedAt: b.startedAt,
		Recovered: b.recovered,
	}, true
}

// AbortAll finalizes every open buffer as failed and removes it. Called on
// disconnect so no message is left perpetually streaming.
func (r *Reassembler) AbortAll() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffers) == 0 {
		return nil
	}
	results := make([]Result, 0, len(r.buffers))
	for id, b := range r.buffers {
		results = append(results, Result{
			MessageID: id,
			Content:   b.content.String(),
			StartedAt: b.startedAt,
			Recovered: b.recovered,
		})
	}
	r.buffers = make(map[string]*buffer)
	return results
}

// Active returns the number of open buffers.
func (r *Reassembler) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
