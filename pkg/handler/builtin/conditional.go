package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/kodeflow/wfengine/pkg/api"
	"github.com/kodeflow/wfengine/pkg/handler"
)

// ConditionalHandler evaluates a small boolean expression against input.
// Grounded on pkg/nodes/if_node, reworked for the engine's strictly linear
// step graph: there is no branch target to take, so a false condition is a
// Fatal short-circuit of the execution rather than a graph edge.
//
// config["condition"] supports two forms: a bare field name (truthy check)
// or "field == value" / "field != value" (string equality).
type ConditionalHandler struct{}

func (ConditionalHandler) TaskType() string { return "conditional" }

func (ConditionalHandler) Describe() api.NodeType {
	return api.NodeType{
		Type:     "conditional",
		Label:    "Conditional",
		Category: "control",
		Parameters: []api.ParameterDefinition{
			api.NewStringParameter("condition", "Condition", true).
				WithDescription(`bare field name, or "field == value" / "field != value"`),
		},
	}
}

func (ConditionalHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	expr, _ := config["condition"].(string)
	if expr == "" {
		return nil, handler.NewFatal("conditional: condition is required", nil)
	}

	ok, err := evaluate(expr, input)
	if err != nil {
		return nil, handler.NewFatal(fmt.Sprintf("conditional: %v", err), nil)
	}
	if !ok {
		return nil, handler.NewFatal(fmt.Sprintf("conditional: condition %q was false", expr), map[string]any{"condition": expr})
	}
	return input, nil
}

func evaluate(expr string, input map[string]any) (bool, error) {
	for _, op := range []string{"!=", "=="} {
		if idx := strings.Index(expr, op); idx >= 0 {
			field := strings.TrimSpace(expr[:idx])
			want := strings.Trim(strings.TrimSpace(expr[idx+len(op):]), `"'`)
			got := fmt.Sprintf("%v", input[field])
			if op == "==" {
				return got == want, nil
			}
			return got != want, nil
		}
	}
	v, ok := input[strings.TrimSpace(expr)]
	if !ok {
		return false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return t != "", nil
	case float64:
		return t != 0, nil
	default:
		return v != nil, nil
	}
}
