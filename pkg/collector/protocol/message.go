// Package protocol defines the JSON messages exchanged with the on-host
// collector over its WebSocket connection.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of a collector message
type MessageType string

const (
	MessageTypeCommand       MessageType = "command"
	MessageTypeCommandResult MessageType = "command_result"
	MessageTypeWindowFocus   MessageType = "window_focus"
	MessageTypeHeartbeat     MessageType = "heartbeat"
)

// Envelope carries the type discriminator plus the raw payload so a single
// read loop can route messages without double-parsing.
type Envelope struct {
	Type MessageType     `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ParseEnvelope extracts the message type, keeping the raw bytes for a
// second, typed decode by the routed handler.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	env.Raw = data
	return &env, nil
}

// Command is an outbound instruction to the collector
type Command struct {
	Type       MessageType            `json:"type"`
	CommandID  string                 `json:"command_id"`
	Action     string                 `json:"action"`
	Parameters map[string]interface{} `json:"parameters"`
	TimeoutMS  int                    `json:"timeout_ms"`
}

// NewCommand creates a command message
func NewCommand(commandID, action string, parameters map[string]interface{}, timeout time.Duration) *Command {
	return &Command{
		Type:       MessageTypeCommand,
		CommandID:  commandID,
		Action:     action,
		Parameters: parameters,
		TimeoutMS:  int(timeout / time.Millisecond),
	}
}

// CommandResult is the collector's correlated reply to a Command
type CommandResult struct {
	Type          MessageType            `json:"type"`
	CommandID     string                 `json:"command_id"`
	OK            bool                   `json:"ok"`
	Result        map[string]interface{} `json:"result"`
	Error         *string                `json:"error"`
	ScreenshotB64 *string                `json:"screenshot_b64"`
}

// IsValid checks that the result carries its correlation identifier
func (r *CommandResult) IsValid() bool {
	return r.Type == MessageTypeCommandResult && r.CommandID != ""
}

// ParseCommandResult decodes a command_result message
func ParseCommandResult(data []byte) (*CommandResult, error) {
	var res CommandResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WindowFocusEvent describes a foreground window change on the desktop
type WindowFocusEvent struct {
	Type          MessageType `json:"type"`
	WindowTitle   string      `json:"window_title"`
	ProcessName   string      `json:"process_name"`
	PID           int         `json:"pid"`
	Timestamp     time.Time   `json:"timestamp"`
	AXSummary     string      `json:"ax_summary,omitempty"`
	ScreenshotB64 string      `json:"screenshot_b64,omitempty"`
}

// ParseWindowFocusEvent decodes a window_focus message
func ParseWindowFocusEvent(data []byte) (*WindowFocusEvent, error) {
	var ev WindowFocusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarshalJSON formats command timestamps with nanosecond precision
func (e *WindowFocusEvent) MarshalJSON() ([]byte, error) {
	type Alias WindowFocusEvent
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(e),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
	})
}
