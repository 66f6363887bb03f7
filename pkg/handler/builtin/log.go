package builtin

import (
	"context"

	"github.com/kodeflow/wfengine/pkg/api"
	"github.com/kodeflow/wfengine/pkg/handler"
)

// LogHandler appends a structured entry to the Execution Log at the
// configured level and always succeeds. Grounded on pkg/nodes/log, which
// the teacher treats as a passthrough node; here the "side effect" is the
// durable audit write rather than a return-value transform.
type LogHandler struct{}

func (LogHandler) TaskType() string { return "log" }

func (LogHandler) Describe() api.NodeType {
	return api.NodeType{
		Type:     "log",
		Label:    "Log",
		Category: "observability",
		Parameters: []api.ParameterDefinition{
			api.NewEnumParameter("level", "Level", []string{"debug", "info", "warning", "error"}, false).WithDefault("info"),
			api.NewStringParameter("message", "Message", true),
		},
	}
}

func (LogHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	level, _ := config["level"].(string)
	if level == "" {
		level = "info"
	}
	message, _ := config["message"].(string)

	handler.LoggerFrom(ctx)(level, message, input)
	return input, nil
}
