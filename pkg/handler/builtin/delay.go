package builtin

import (
	"context"
	"time"

	"github.com/kodeflow/wfengine/pkg/api"
	"github.com/kodeflow/wfengine/pkg/handler"
)

// DelayHandler sleeps for config["duration_ms"], bounded by the step's own
// timeout via ctx. Grounded on pkg/nodes/delay.
type DelayHandler struct{}

func (DelayHandler) TaskType() string { return "delay" }

func (DelayHandler) Describe() api.NodeType {
	return api.NodeType{
		Type:     "delay",
		Label:    "Delay",
		Category: "control",
		Parameters: []api.ParameterDefinition{
			api.NewIntegerParameter("duration_ms", "Duration (ms)", true),
		},
	}
}

func (DelayHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	ms, _ := config["duration_ms"].(float64)
	if ms <= 0 {
		return input, nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return input, nil
	case <-ctx.Done():
		return nil, handler.NewRetryable("delay: interrupted before completion", nil)
	}
}
