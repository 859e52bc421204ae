package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	"github.com/desktopai/desktopai/pkg/collector/protocol"
)

// fakeConn records sent commands and optionally fails writes
type fakeConn struct {
	mu       sync.Mutex
	commands []*protocol.Command
	writeErr error
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if cmd, ok := v.(*protocol.Command); ok {
		c.commands = append(c.commands, cmd)
	}
	return nil
}

func (c *fakeConn) lastCommand() *protocol.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.commands) == 0 {
		return nil
	}
	return c.commands[len(c.commands)-1]
}

func newTestBridge() *Bridge {
	return New(logger.NewNop())
}

func strPtr(s string) *string { return &s }

func TestExecuteCorrelatesResult(t *testing.T) {
	b := newTestBridge()
	conn := &fakeConn{}
	b.Attach(conn)

	done := make(chan struct{})
	var mapping map[string]interface{}
	var execErr error
	go func() {
		defer close(done)
		mapping, execErr = b.Execute(context.Background(), "type_text",
			map[string]interface{}{"text": "hello"}, time.Second)
	}()

	// Wait for the command to hit the wire
	var cmd *protocol.Command
	deadline := time.Now().Add(time.Second)
	for cmd == nil {
		if time.Now().After(deadline) {
			t.Fatal("command never dispatched")
		}
		cmd = conn.lastCommand()
		time.Sleep(time.Millisecond)
	}
	if cmd.Action != "type_text" {
		t.Errorf("expected action type_text, got %s", cmd.Action)
	}

	b.HandleIncoming(&protocol.CommandResult{
		Type:      protocol.MessageTypeCommandResult,
		CommandID: cmd.CommandID,
		OK:        true,
		Result:    map[string]interface{}{"chars_typed": float64(5)},
	})

	<-done
	if execErr != nil {
		t.Fatalf("unexpected error: %v", execErr)
	}
	if ok, _ := mapping["ok"].(bool); !ok {
		t.Error("expected ok=true in result mapping")
	}
	if mapping["chars_typed"] != float64(5) {
		t.Errorf("expected flattened result payload, got %v", mapping)
	}
	if b.PendingCount() != 0 {
		t.Errorf("expected no pending commands, got %d", b.PendingCount())
	}
}

func TestExecuteFailedCommandIsNotABridgeError(t *testing.T) {
	b := newTestBridge()
	conn := &fakeConn{}
	b.Attach(conn)

	done := make(chan struct{})
	var mapping map[string]interface{}
	var execErr error
	go func() {
		defer close(done)
		mapping, execErr = b.Execute(context.Background(), "click", nil, time.Second)
	}()

	deadline := time.Now().Add(time.Second)
	for conn.lastCommand() == nil {
		if time.Now().After(deadline) {
			t.Fatal("command never dispatched")
		}
		time.Sleep(time.Millisecond)
	}

	b.HandleIncoming(&protocol.CommandResult{
		Type:      protocol.MessageTypeCommandResult,
		CommandID: conn.lastCommand().CommandID,
		OK:        false,
		Error:     strPtr("control not found"),
	})

	<-done
	if execErr != nil {
		t.Fatalf("a failed command must not surface as a bridge error, got %v", execErr)
	}
	if ok, _ := mapping["ok"].(bool); ok {
		t.Error("expected ok=false in result mapping")
	}
	if mapping["error"] != "control not found" {
		t.Errorf("expected error in mapping, got %v", mapping["error"])
	}
}

func TestExecuteWithoutConnection(t *testing.T) {
	b := newTestBridge()
	_, err := b.Execute(context.Background(), "click", nil, time.Second)
	if err == nil {
		t.Fatal("expected error when no collector is attached")
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != apperrors.ErrCodeServiceUnavailable {
		t.Errorf("expected SERVICE_UNAVAILABLE, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	b := newTestBridge()
	b.Attach(&fakeConn{})

	_, err := b.Execute(context.Background(), "click", nil, 20*time.Millisecond)
	if !apperrors.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if b.PendingCount() != 0 {
		t.Errorf("timed-out waiter must be removed, pending=%d", b.PendingCount())
	}
}

func TestExecuteContextCancelled(t *testing.T) {
	b := newTestBridge()
	b.Attach(&fakeConn{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Execute(ctx, "click", nil, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.PendingCount() != 0 {
		t.Errorf("cancelled waiter must be removed, pending=%d", b.PendingCount())
	}
}

func TestExecuteWriteFailureRemovesWaiter(t *testing.T) {
	b := newTestBridge()
	b.Attach(&fakeConn{writeErr: errors.New("broken pipe")})

	_, err := b.Execute(context.Background(), "click", nil, time.Second)
	if err == nil {
		t.Fatal("expected write failure error")
	}
	if b.PendingCount() != 0 {
		t.Errorf("failed-send waiter must be removed, pending=%d", b.PendingCount())
	}
}

func TestDetachFailsPendingCalls(t *testing.T) {
	b := newTestBridge()
	conn := &fakeConn{}
	b.Attach(conn)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Execute(context.Background(), "click", nil, time.Second)
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for b.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	b.Detach(conn)

	select {
	case err := <-errCh:
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) || appErr.Code != apperrors.ErrCodeServiceUnavailable {
			t.Errorf("expected SERVICE_UNAVAILABLE on detach, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call never failed after detach")
	}
	if b.IsConnected() {
		t.Error("bridge should report disconnected after detach")
	}
}

func TestReattachSupersedes(t *testing.T) {
	b := newTestBridge()
	first := &fakeConn{}
	second := &fakeConn{}
	b.Attach(first)

	// In-flight call on the first connection
	resCh := make(chan map[string]interface{}, 1)
	go func() {
		mapping, _ := b.Execute(context.Background(), "click", nil, time.Second)
		resCh <- mapping
	}()
	deadline := time.Now().Add(time.Second)
	for first.lastCommand() == nil {
		if time.Now().After(deadline) {
			t.Fatal("command never dispatched")
		}
		time.Sleep(time.Millisecond)
	}

	b.Attach(second)

	// The superseded connection's detach must not clear the pending set
	b.Detach(first)
	if !b.IsConnected() {
		t.Fatal("superseded detach must not disconnect the new connection")
	}
	if b.PendingCount() != 1 {
		t.Fatalf("superseded detach must not fail pending calls, pending=%d", b.PendingCount())
	}

	// The reply still routes by command id
	b.HandleIncoming(&protocol.CommandResult{
		Type:      protocol.MessageTypeCommandResult,
		CommandID: first.lastCommand().CommandID,
		OK:        true,
	})
	select {
	case mapping := <-resCh:
		if ok, _ := mapping["ok"].(bool); !ok {
			t.Error("expected the in-flight call to complete after supersede")
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call never completed after supersede")
	}

	// New commands go out on the new connection
	go b.Execute(context.Background(), "press_submit", nil, 50*time.Millisecond)
	deadline = time.Now().Add(time.Second)
	for second.lastCommand() == nil {
		if time.Now().After(deadline) {
			t.Fatal("command never dispatched on new connection")
		}
		time.Sleep(time.Millisecond)
	}
	if second.lastCommand().Action != "press_submit" {
		t.Errorf("expected press_submit on new connection, got %s", second.lastCommand().Action)
	}
}

// replyConn answers every command through the bridge, echoing the action so
// each caller can verify it got its own result.
type replyConn struct {
	bridge *Bridge
}

func (c *replyConn) WriteJSON(v interface{}) error {
	cmd, ok := v.(*protocol.Command)
	if !ok {
		return nil
	}
	go c.bridge.HandleIncoming(&protocol.CommandResult{
		Type:      protocol.MessageTypeCommandResult,
		CommandID: cmd.CommandID,
		OK:        true,
		Result:    map[string]interface{}{"echo": cmd.Action},
	})
	return nil
}

func TestConcurrentExecutesCorrelateIndependently(t *testing.T) {
	b := newTestBridge()
	b.Attach(&replyConn{bridge: b})

	const callers = 16
	var wg sync.WaitGroup
	failures := make(chan string, callers)
	for i := 0; i < callers; i++ {
		action := "action-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			mapping, err := b.Execute(context.Background(), action, nil, time.Second)
			if err != nil {
				failures <- action + ": " + err.Error()
				return
			}
			if echoed, _ := mapping["echo"].(string); echoed != action {
				failures <- action + ": got reply for " + echoed
			}
		}()
	}
	wg.Wait()
	close(failures)

	for f := range failures {
		t.Errorf("misrouted call: %s", f)
	}
	if b.PendingCount() != 0 {
		t.Errorf("expected no pending commands, got %d", b.PendingCount())
	}
}

func TestHandleIncomingUnknownCommandID(t *testing.T) {
	b := newTestBridge()
	b.Attach(&fakeConn{})

	// Must not panic or block
	b.HandleIncoming(&protocol.CommandResult{
		Type:      protocol.MessageTypeCommandResult,
		CommandID: "no-such-command",
		OK:        true,
	})
	if b.PendingCount() != 0 {
		t.Errorf("unexpected pending entries: %d", b.PendingCount())
	}
}
