package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/common/logger"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// Simulated is an executor that always succeeds without touching the host.
// Used for tests and offline mode.
type Simulated struct {
	logger *logger.Logger
}

// Ensure Simulated implements ActionExecutor
var _ ActionExecutor = (*Simulated)(nil)

// NewSimulated creates a simulated executor
func NewSimulated(log *logger.Logger) *Simulated {
	return &Simulated{
		logger: log.WithFields(zap.String("component", "simulated-executor")),
	}
}

// Execute reports success for any action
func (s *Simulated) Execute(ctx context.Context, action *v1.Action, objective string, obs *v1.Observation) *Result {
	s.logger.Debug("simulating action",
		zap.String("action", action.Name),
		zap.String("objective", objective))

	data := map[string]interface{}{
		"executor":  "simulated",
		"action":    action.Name,
		"ok":        true,
		"simulated": true,
	}
	if obs != nil {
		data["window_title"] = obs.WindowTitle
	}
	return &Result{OK: true, Data: data}
}

// Status reports the simulated executor as always ready
func (s *Simulated) Status() Status {
	return Status{Name: "simulated", Ready: true}
}

// Preflight always passes
func (s *Simulated) Preflight(ctx context.Context) error {
	return nil
}
