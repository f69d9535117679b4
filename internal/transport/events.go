package transport

import (
	"time"

	"github.com/google/uuid"

	"claude-link/internal/socket"
)

// EventKind classifies coordinator events.
type EventKind int

const (
	// EventConnectionChanged reports a connection state transition.
	EventConnectionChanged EventKind = iota
	// EventMessageStarted reports a new streaming message.
	EventMessageStarted
	// EventMessageAppended carries one streamed token.
	EventMessageAppended
	// EventMessageCompleted carries a fully reassembled message.
	EventMessageCompleted
	// EventMessageFailed reports a stream aborted by disconnect, with the
	// partial content accumulated so far.
	EventMessageFailed
	// EventSessionAssigned reports the backend-assigned session id for a
	// project path.
	EventSessionAssigned
	// EventCommandQueued reports a command deferred to the offline queue.
	EventCommandQueued
	// EventCommandFailed reports a command abandoned by the queue.
	EventCommandFailed
	// EventServerError carries an error frame from the backend.
	EventServerError
	// EventShellOutput carries raw shell or process output.
	EventShellOutput
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionChanged:
		return "connection-changed"
	case EventMessageStarted:
		return "message-started"
	case EventMessageAppended:
		return "message-appended"
	case EventMessageCompleted:
		return "message-completed"
	case EventMessageFailed:
		return "message-failed"
	case EventSessionAssigned:
		return "session-assigned"
	case EventCommandQueued:
		return "command-queued"
	case EventCommandFailed:
		return "command-failed"
	case EventServerError:
		return "server-error"
	case EventShellOutput:
		return "shell-output"
	default:
		return "unknown"
	}
}

// Event is one observable outcome of the transport. Only the fields
// relevant to the Kind are populated.
type Event struct {
	Kind EventKind
	Time time.Time

	// Connection transitions.
	Previous socket.State
	State    socket.State

	// Streaming messages.
	MessageID string
	Content   string
	Recovered bool

	// Session binding.
	SessionID   string
	ProjectPath string

	// Queued commands.
	CommandID uuid.UUID

	// Failure detail for MessageFailed, CommandFailed and ServerError.
	Reason string
}
