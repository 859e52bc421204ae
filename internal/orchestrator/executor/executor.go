// Package executor dispatches abstract desktop actions to a concrete backend.
// Variants cover the collector bridge, a browser DevTools session, and a
// simulated executor for tests and offline mode. Executors never touch the
// orchestrator's state; they talk to the outside world and report back.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/desktopai/desktopai/internal/collector/bridge"
	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// Mode selects which executor variant to construct
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeSimulated Mode = "simulated"
	ModeBridge    Mode = "bridge"
	ModeBrowser   Mode = "browser"
)

// Result is the outcome of executing one action. When OK is false, Data still
// carries at least the executor name, the action name, and ok=false.
type Result struct {
	OK    bool
	Error string
	Data  map[string]interface{}
}

// Status describes an executor's readiness
type Status struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// ActionExecutor executes one abstract action against its target
type ActionExecutor interface {
	// Execute performs the action and reports structured success or failure.
	// The observation is the desktop snapshot taken when the step began and
	// may be nil.
	Execute(ctx context.Context, action *v1.Action, objective string, obs *v1.Observation) *Result

	// Status reports whether the executor is ready to accept actions
	Status() Status

	// Preflight verifies the executor can reach its target
	Preflight(ctx context.Context) error
}

// Options carries the dependencies the factory can hand to a variant
type Options struct {
	Bridge          *bridge.Bridge
	BridgeTimeout   time.Duration
	BrowserDebugURL string
}

// New constructs the executor for the given mode. In auto mode a configured
// bridge wins even when it is not currently connected; runtime disconnection
// is handled per-action. Without a bridge, auto falls back to the simulated
// executor (there is no in-process desktop automation path on any platform).
func New(mode Mode, opts Options, log *logger.Logger) (ActionExecutor, error) {
	switch mode {
	case ModeSimulated:
		return NewSimulated(log), nil
	case ModeBridge:
		if opts.Bridge == nil {
			return nil, errors.BadRequest("executor mode 'bridge' requires a configured collector bridge")
		}
		return NewBridgeBacked(opts.Bridge, opts.BridgeTimeout, log), nil
	case ModeBrowser:
		return NewBrowserBacked(opts.BrowserDebugURL, log), nil
	case ModeAuto, "":
		if opts.Bridge != nil {
			return NewBridgeBacked(opts.Bridge, opts.BridgeTimeout, log), nil
		}
		if runtime.GOOS == "windows" {
			log.Warn("no collector bridge configured on windows, falling back to simulated executor")
		}
		return NewSimulated(log), nil
	default:
		return nil, errors.BadRequest(fmt.Sprintf("unknown executor mode %q", mode))
	}
}

// failure builds a failed result carrying the required mapping keys
func failure(executorName string, action *v1.Action, errMsg string) *Result {
	return &Result{
		OK:    false,
		Error: errMsg,
		Data: map[string]interface{}{
			"executor": executorName,
			"action":   action.Name,
			"ok":       false,
			"error":    errMsg,
		},
	}
}
