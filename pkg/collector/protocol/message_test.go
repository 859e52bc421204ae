package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseEnvelopeRoutesByType(t *testing.T) {
	data := []byte(`{"type":"command_result","command_id":"c1","ok":true}`)

	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != MessageTypeCommandResult {
		t.Fatalf("expected command_result, got %s", env.Type)
	}

	res, err := ParseCommandResult(env.Raw)
	if err != nil {
		t.Fatalf("ParseCommandResult: %v", err)
	}
	if !res.IsValid() || res.CommandID != "c1" || !res.OK {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCommandResultValidity(t *testing.T) {
	missing := &CommandResult{Type: MessageTypeCommandResult}
	if missing.IsValid() {
		t.Error("result without command_id must be invalid")
	}
	wrongType := &CommandResult{Type: MessageTypeHeartbeat, CommandID: "c1"}
	if wrongType.IsValid() {
		t.Error("result with wrong type must be invalid")
	}
}

func TestNewCommandWire(t *testing.T) {
	cmd := NewCommand("c7", "type_text", map[string]interface{}{"text": "hi"}, 1500*time.Millisecond)

	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]interface{}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["type"] != "command" || wire["command_id"] != "c7" || wire["action"] != "type_text" {
		t.Errorf("unexpected wire shape: %v", wire)
	}
	if wire["timeout_ms"] != float64(1500) {
		t.Errorf("expected timeout_ms 1500, got %v", wire["timeout_ms"])
	}
}

func TestParseWindowFocusEvent(t *testing.T) {
	data := []byte(`{"type":"window_focus","window_title":"Notes","process_name":"notes.exe","pid":42,"timestamp":"2026-08-24T10:00:00Z"}`)

	ev, err := ParseWindowFocusEvent(data)
	if err != nil {
		t.Fatalf("ParseWindowFocusEvent: %v", err)
	}
	if ev.WindowTitle != "Notes" || ev.PID != 42 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp did not parse")
	}
}
