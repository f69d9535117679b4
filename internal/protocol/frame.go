package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → Server frame kinds.
const (
	KindClaudeCommand = "claude-command"
	KindCursorCommand = "cursor-command"
	KindAbortSession  = "abort-session"
	KindInput         = "input"
	KindResize        = "resize"
)

// Server → Client frame kinds.
const (
	KindSessionCreated = "session-created"
	KindStreamStart    = "stream-start"
	KindStreamChunk    = "stream-chunk"
	KindStreamEnd      = "stream-end"
	KindClaudeResponse = "claude-response"
	KindClaudeOutput   = "claude-output"
	KindError          = "error"
	KindShellOutput    = "shell-output"
	KindShellError     = "shell-error"
)

// Frame is the envelope for all WebSocket messages. Kind maps to the wire
// field "type"; every other top-level field is kept in Fields so unknown
// kinds pass through without loss.
type Frame struct {
	Kind   string
	Fields map[string]any
}

// ProtocolError reports an inbound message that could not be decoded into a
// Frame. It is never fatal to the connection; callers log and drop.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode serializes a frame to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	obj := make(map[string]any, len(f.Fields)+1)
	for k, v := range f.Fields {
		obj[k] = v
	}
	obj["type"] = f.Kind
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode frame %q: %w", f.Kind, err)
	}
	return data, nil
}

// Decode parses raw bytes into a Frame. The "type" field is required; a
// missing or non-string type, or undecodable JSON, yields a *ProtocolError.
// Unknown kinds decode successfully so the caller can choose to ignore them.
func Decode(raw []byte) (*Frame, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON", Err: err}
	}

	kindVal, ok := obj["type"]
	if !ok {
		return nil, &ProtocolError{Reason: "missing 'type' field"}
	}
	kind, ok := kindVal.(string)
	if !ok || kind == "" {
		return nil, &ProtocolError{Reason: "'type' field is not a string"}
	}

	delete(obj, "type")
	return &Frame{Kind: kind, Fields: obj}, nil
}

// stringField returns a top-level string field, or "" if absent.
func (f *Frame) stringField(key string) string {
	if v, ok := f.Fields[key].(string); ok {
		return v
	}
	return ""
}

// firstString returns the first present string among the given keys.
func (f *Frame) firstString(keys ...string) string {
	for _, k := range keys {
		if s := f.stringField(k); s != "" {
			return s
		}
	}
	return ""
}

// options returns the nested "options" object, if present. Legacy clients
// nest projectPath/sessionId/resume under it; the canonical shape does too.
func (f *Frame) options() map[string]any {
	if m, ok := f.Fields["options"].(map[string]any); ok {
		return m
	}
	return nil
}
