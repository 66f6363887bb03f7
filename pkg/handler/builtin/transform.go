package builtin

import (
	"bytes"
	"context"
	"text/template"

	"github.com/kodeflow/wfengine/pkg/api"
	"github.com/kodeflow/wfengine/pkg/handler"
)

// TransformHandler applies a small field mapping from config to input,
// grounded on pkg/nodes/transform's text/template-based expression
// evaluation. config["mapping"] maps output field names to Go templates
// evaluated against {{.input}}.
type TransformHandler struct{}

func (TransformHandler) TaskType() string { return "transform" }

func (TransformHandler) Describe() api.NodeType {
	return api.NodeType{
		Type:     "transform",
		Label:    "Transform",
		Category: "data",
		Parameters: []api.ParameterDefinition{
			api.NewObjectParameter("mapping", "Field mapping", true).
				WithDescription("Output field name -> Go template evaluated against {{.input}}"),
		},
	}
}

func (TransformHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	mapping, _ := config["mapping"].(map[string]any)
	if len(mapping) == 0 {
		return nil, handler.NewFatal("transform: mapping is required", nil)
	}

	data := map[string]any{"input": input}
	out := make(map[string]any, len(mapping))
	for field, rawExpr := range mapping {
		expr, ok := rawExpr.(string)
		if !ok {
			out[field] = rawExpr
			continue
		}
		tmpl, err := template.New(field).Parse(expr)
		if err != nil {
			return nil, handler.NewFatal("transform: parsing "+field+": "+err.Error(), nil)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, handler.NewFatal("transform: evaluating "+field+": "+err.Error(), nil)
		}
		out[field] = buf.String()
	}
	return out, nil
}
