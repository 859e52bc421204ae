package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/collector/bridge"
	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// commandAliases maps planner-level action names to the concrete command
// names the collector understands. Unknown names pass through unchanged.
var commandAliases = map[string]string{
	"send_text":       "type_text",
	"type":            "type_text",
	"focus_search":    "focus_control",
	"focus search":    "focus_control",
	"send text":       "type_text",
	"observe_desktop": "capture_state",
	"verify_outcome":  "capture_state",
	"verify outcome":  "capture_state",
	"send_or_submit":  "press_submit",
}

// defaultBridgeTimeout applies when no per-command timeout is configured
const defaultBridgeTimeout = 15 * time.Second

// BridgeBacked executes actions by dispatching commands through the collector
// bridge and normalizing the correlated results.
type BridgeBacked struct {
	bridge  *bridge.Bridge
	timeout time.Duration
	logger  *logger.Logger
}

// Ensure BridgeBacked implements ActionExecutor
var _ ActionExecutor = (*BridgeBacked)(nil)

// NewBridgeBacked creates a bridge-backed executor
func NewBridgeBacked(br *bridge.Bridge, timeout time.Duration, log *logger.Logger) *BridgeBacked {
	if timeout <= 0 {
		timeout = defaultBridgeTimeout
	}
	return &BridgeBacked{
		bridge:  br,
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "bridge-executor")),
	}
}

// Execute maps the action to a collector command, dispatches it, and
// normalizes the result mapping.
func (e *BridgeBacked) Execute(ctx context.Context, action *v1.Action, objective string, obs *v1.Observation) *Result {
	command := action.Name
	if alias, ok := commandAliases[command]; ok {
		command = alias
	}

	parameters := make(map[string]interface{}, len(action.Parameters)+2)
	for k, v := range action.Parameters {
		parameters[k] = v
	}
	if objective != "" {
		parameters["objective"] = objective
	}
	if obs != nil && obs.WindowTitle != "" {
		parameters["target_window"] = obs.WindowTitle
	}

	mapping, err := e.bridge.Execute(ctx, command, parameters, e.timeout)
	if err != nil {
		e.logger.Warn("bridge dispatch failed",
			zap.String("action", action.Name),
			zap.String("command", command),
			zap.Error(err))
		return failure("bridge", action, err.Error())
	}

	data := map[string]interface{}{
		"executor": "bridge",
		"action":   action.Name,
		"command":  command,
	}
	for k, v := range mapping {
		data[k] = v
	}

	if ok, _ := mapping["ok"].(bool); !ok {
		errMsg, _ := mapping["error"].(string)
		if errMsg == "" {
			errMsg = "collector reported failure"
		}
		data["ok"] = false
		return &Result{OK: false, Error: errMsg, Data: data}
	}

	data["ok"] = true
	return &Result{OK: true, Data: data}
}

// Status reports readiness based on the bridge connection
func (e *BridgeBacked) Status() Status {
	if e.bridge.IsConnected() {
		return Status{Name: "bridge", Ready: true}
	}
	return Status{Name: "bridge", Ready: false, Detail: "collector not connected"}
}

// Preflight fails when the collector is not connected
func (e *BridgeBacked) Preflight(ctx context.Context) error {
	if !e.bridge.IsConnected() {
		return errors.ServiceUnavailable("collector")
	}
	return nil
}
