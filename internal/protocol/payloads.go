package protocol

import "fmt"

// CommandPayload is the decoded form of a claude-command or cursor-command
// frame. The wire carries two legacy shapes for the same data: the content
// may arrive as "content" or "command", and the correlation fields may be
// flat or nested under "options". Decoding accepts both; encoding always
// produces the canonical nested shape.
type CommandPayload struct {
	Content     string
	ProjectPath string
	SessionID   string
	Resume      bool
}

// SessionCreatedPayload carries the backend-assigned session identifier.
type SessionCreatedPayload struct {
	SessionID   string
	ProjectPath string
}

// StreamPayload is the decoded form of stream-start, stream-chunk and
// stream-end frames. Content may arrive as "content" or "token".
type StreamPayload struct {
	MessageID string
	Content   string
}

// NewCommand builds the canonical claude-command frame. An empty sessionID
// encodes as null, which tells the backend to create a new session.
func NewCommand(content, projectPath, sessionID string, resume bool) *Frame {
	opts := map[string]any{
		"projectPath": projectPath,
		"resume":      resume,
	}
	if sessionID == "" {
		opts["sessionId"] = nil
	} else {
		opts["sessionId"] = sessionID
	}
	return &Frame{
		Kind: KindClaudeCommand,
		Fields: map[string]any{
			"command": content,
			"options": opts,
		},
	}
}

// NewAbort builds an abort-session frame.
func NewAbort(sessionID string) *Frame {
	return &Frame{
		Kind:   KindAbortSession,
		Fields: map[string]any{"sessionId": sessionID},
	}
}

// NewInput builds a raw input frame. Shell input is newline-terminated by
// the caller, not here.
func NewInput(data string) *Frame {
	return &Frame{
		Kind:   KindInput,
		Fields: map[string]any{"data": data},
	}
}

// NewResize builds a terminal resize frame.
func NewResize(cols, rows int) *Frame {
	return &Frame{
		Kind:   KindResize,
		Fields: map[string]any{"cols": cols, "rows": rows},
	}
}

// Command decodes a claude-command or cursor-command frame, accepting both
// legacy wire shapes.
func (f *Frame) Command() (CommandPayload, error) {
	if f.Kind != KindClaudeCommand && f.Kind != KindCursorCommand {
		return CommandPayload{}, fmt.Errorf("frame %q is not a command", f.Kind)
	}

	var p CommandPayload
	p.Content = f.firstString("content", "command")

	opts := f.options()
	p.ProjectPath = f.stringField("projectPath")
	p.SessionID = f.stringField("sessionId")
	if v, ok := f.Fields["resume"].(bool); ok {
		p.Resume = v
	}
	if opts != nil {
		if p.Content == "" {
			if s, ok := opts["content"].(string); ok {
				p.Content = s
			} else if s, ok := opts["command"].(string); ok {
				p.Content = s
			}
		}
		if p.ProjectPath == "" {
			if s, ok := opts["projectPath"].(string); ok {
				p.ProjectPath = s
			}
		}
		if p.SessionID == "" {
			if s, ok := opts["sessionId"].(string); ok {
				p.SessionID = s
			}
		}
		if v, ok := opts["resume"].(bool); ok {
			p.Resume = v
		}
	}

	if p.Content == "" {
		return CommandPayload{}, fmt.Errorf("command frame has no content")
	}
	if p.ProjectPath == "" {
		return CommandPayload{}, fmt.Errorf("command frame has no projectPath")
	}
	return p, nil
}

// SessionCreated decodes a session-created frame.
func (f *Frame) SessionCreated() (SessionCreatedPayload, error) {
	if f.Kind != KindSessionCreated {
		return SessionCreatedPayload{}, fmt.Errorf("frame %q is not session-created", f.Kind)
	}
	p := SessionCreatedPayload{
		SessionID:   f.stringField("sessionId"),
		ProjectPath: f.stringField("projectPath"),
	}
	if p.SessionID == "" {
		return SessionCreatedPayload{}, fmt.Errorf("session-created frame has no sessionId")
	}
	return p, nil
}

// Stream decodes a stream-start, stream-chunk or stream-end frame.
func (f *Frame) Stream() (StreamPayload, error) {
	switch f.Kind {
	case KindStreamStart, KindStreamChunk, KindStreamEnd:
	default:
		return StreamPayload{}, fmt.Errorf("frame %q is not a stream frame", f.Kind)
	}
	p := StreamPayload{
		MessageID: f.stringField("messageId"),
		Content:   f.firstString("content", "token"),
	}
	if p.MessageID == "" {
		return StreamPayload{}, fmt.Errorf("%s frame has no messageId", f.Kind)
	}
	return p, nil
}

// ResponseContent returns the text of a claude-response or claude-output
// frame.
func (f *Frame) ResponseContent() string {
	return f.stringField("content")
}

// ErrorMessage returns the message of a server error frame.
func (f *Frame) ErrorMessage() string {
	return f.firstString("error", "message")
}

// ShellData returns the payload of a shell-output or shell-error frame.
func (f *Frame) ShellData() string {
	return f.firstString("output", "error", "data")
}

// AbortSessionID returns the sessionId of an abort-session frame.
func (f *Frame) AbortSessionID() string {
	return f.stringField("sessionId")
}
