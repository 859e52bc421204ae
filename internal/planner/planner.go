// Package planner turns operator objectives into executable step plans.
// The default planner is rule-based: it emits an observe/locate/act/verify
// template specialized by keywords in the objective, without calling any
// external model.
package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// RuleBased is the default planner
type RuleBased struct {
	logger *logger.Logger
}

// NewRuleBased creates the rule-based planner
func NewRuleBased(log *logger.Logger) *RuleBased {
	return &RuleBased{logger: log.WithFields(zap.String("component", "planner"))}
}

// Mode identifies the planner strategy on run records
func (p *RuleBased) Mode() string {
	return "rule-based"
}

// BuildPlan produces the step list for an objective. Actions that send text
// or submit input to another application are marked irreversible.
func (p *RuleBased) BuildPlan(ctx context.Context, objective string, obs *v1.Observation) ([]*v1.PlannedStep, error) {
	if strings.TrimSpace(objective) == "" {
		return nil, errors.ValidationError("objective", "must not be empty")
	}

	lower := strings.ToLower(objective)
	steps := []*v1.PlannedStep{
		{
			Action: &v1.Action{
				Name:        "capture_state",
				Description: "observe the current desktop state",
			},
			Postconditions: []string{"observation recorded"},
		},
	}

	switch {
	case strings.Contains(lower, "type") || strings.Contains(lower, "write") || strings.Contains(lower, "send"):
		steps = append(steps,
			&v1.PlannedStep{
				Action: &v1.Action{
					Name:        "focus_control",
					Parameters:  map[string]interface{}{"hint": targetHint(lower)},
					Description: "focus the input control",
				},
				Preconditions: []string{"target window visible"},
			},
			&v1.PlannedStep{
				Action: &v1.Action{
					Name:         "type_text",
					Parameters:   map[string]interface{}{"text": objective},
					Description:  "type the requested text",
					Irreversible: true,
				},
				Preconditions: []string{"input control focused"},
			},
		)
		if strings.Contains(lower, "send") || strings.Contains(lower, "submit") {
			steps = append(steps, &v1.PlannedStep{
				Action: &v1.Action{
					Name:         "press_submit",
					Description:  "submit the typed input",
					Irreversible: true,
				},
				Preconditions: []string{"text entered"},
			})
		}

	case strings.Contains(lower, "open") || strings.Contains(lower, "launch") || strings.Contains(lower, "navigate"):
		steps = append(steps, &v1.PlannedStep{
			Action: &v1.Action{
				Name:        "open_target",
				Parameters:  map[string]interface{}{"target": targetHint(lower)},
				Description: "open the requested target",
			},
		})

	default:
		steps = append(steps, &v1.PlannedStep{
			Action: &v1.Action{
				Name:        "act_on_objective",
				Parameters:  map[string]interface{}{"objective": objective},
				Description: fmt.Sprintf("carry out: %s", objective),
			},
		})
	}

	steps = append(steps, &v1.PlannedStep{
		Action: &v1.Action{
			Name:        "verify_outcome",
			Description: "verify the objective was achieved",
		},
		Preconditions: []string{"previous steps succeeded"},
	})

	p.logger.Debug("plan built",
		zap.String("objective", objective),
		zap.Int("steps", len(steps)))
	return steps, nil
}

// targetHint extracts a rough target phrase from the objective tail
func targetHint(lower string) string {
	for _, marker := range []string{" in ", " into ", " to ", " on "} {
		if idx := strings.LastIndex(lower, marker); idx >= 0 {
			hint := strings.TrimSpace(lower[idx+len(marker):])
			if hint != "" {
				return hint
			}
		}
	}
	return ""
}
