// Package bridge gives the action executor a request/response RPC over the
// collector's single duplex WebSocket connection. It correlates each outgoing
// command with its reply by command id and fails all in-flight calls when the
// connection goes away.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	"github.com/desktopai/desktopai/pkg/collector/protocol"
)

// CommandConn is the transport the bridge sends commands on. The WebSocket
// endpoint wraps its connection in this interface before attaching.
type CommandConn interface {
	WriteJSON(v interface{}) error
}

type callResult struct {
	result *protocol.CommandResult
	err    error
}

// Bridge fans single commands out to the attached collector connection and
// routes correlated results back to the waiting caller.
type Bridge struct {
	mu      sync.Mutex
	conn    CommandConn
	pending map[string]chan callResult

	logger *logger.Logger
}

// New creates a bridge with no connection attached
func New(log *logger.Logger) *Bridge {
	return &Bridge{
		pending: make(map[string]chan callResult),
		logger:  log.WithFields(zap.String("component", "command-bridge")),
	}
}

// Attach binds a collector connection. An existing connection is superseded:
// its later Detach becomes a no-op, so a stale reconnect sequence can never
// clear a live pending set. In-flight calls stay pending; their replies are
// still routed by command id regardless of which connection delivers them.
func (b *Bridge) Attach(conn CommandConn) {
	b.mu.Lock()
	superseded := b.conn != nil && b.conn != conn
	b.conn = conn
	b.mu.Unlock()

	if superseded {
		b.logger.Warn("collector reconnected, superseding previous connection")
	} else {
		b.logger.Info("collector connected")
	}
}

// Detach unbinds a connection. Only the current connection may detach; a
// superseded connection's detach is ignored. Detaching fails every pending
// call with a transport error.
func (b *Bridge) Detach(conn CommandConn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		b.logger.Debug("ignoring detach from superseded connection")
		return
	}
	b.conn = nil
	orphaned := b.pending
	b.pending = make(map[string]chan callResult)
	b.mu.Unlock()

	b.logger.Info("collector disconnected", zap.Int("pending_failed", len(orphaned)))
	for id, ch := range orphaned {
		ch <- callResult{err: errors.ServiceUnavailable("collector")}
		b.logger.Debug("failed pending command on disconnect", zap.String("command_id", id))
	}
}

// IsConnected reports whether a collector connection is attached
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Execute sends one command to the collector and waits for its correlated
// result, the timeout, or context cancellation, whichever comes first.
func (b *Bridge) Execute(ctx context.Context, action string, parameters map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	commandID := uuid.New().String()
	cmd := protocol.NewCommand(commandID, action, parameters, timeout)

	ch := make(chan callResult, 1)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, errors.ServiceUnavailable("collector")
	}
	b.pending[commandID] = ch
	b.mu.Unlock()

	if err := conn.WriteJSON(cmd); err != nil {
		b.removeWaiter(commandID)
		b.logger.Error("failed to send command",
			zap.String("command_id", commandID),
			zap.String("action", action),
			zap.Error(err))
		return nil, errors.Wrap(err, "failed to send command to collector")
	}

	b.logger.Debug("command dispatched",
		zap.String("command_id", commandID),
		zap.String("action", action))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return resultMapping(res.result), nil
	case <-timer.C:
		b.removeWaiter(commandID)
		return nil, errors.Timeout("command '" + action + "' timed out")
	case <-ctx.Done():
		b.removeWaiter(commandID)
		return nil, ctx.Err()
	}
}

// HandleIncoming routes a correlated command result to its waiter. Results
// for unknown command ids are logged and discarded.
func (b *Bridge) HandleIncoming(res *protocol.CommandResult) {
	if res == nil || !res.IsValid() {
		b.logger.Warn("discarding malformed command result")
		return
	}

	b.mu.Lock()
	ch, ok := b.pending[res.CommandID]
	if ok {
		delete(b.pending, res.CommandID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("received result for unknown command", zap.String("command_id", res.CommandID))
		return
	}
	ch <- callResult{result: res}
}

// PendingCount returns the number of in-flight commands
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) removeWaiter(commandID string) {
	b.mu.Lock()
	delete(b.pending, commandID)
	b.mu.Unlock()
}

// resultMapping flattens a command result into the mapping handed back to the
// executor. A failed command is not a bridge error: the executor inspects the
// "ok" and "error" keys and classifies the failure itself.
func resultMapping(res *protocol.CommandResult) map[string]interface{} {
	out := map[string]interface{}{"ok": res.OK}
	for k, v := range res.Result {
		out[k] = v
	}
	if res.Error != nil && *res.Error != "" {
		out["error"] = *res.Error
	}
	if res.ScreenshotB64 != nil {
		out["screenshot_b64"] = *res.ScreenshotB64
	}
	return out
}
