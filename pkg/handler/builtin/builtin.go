package builtin

import "github.com/kodeflow/wfengine/pkg/handler"

// RegisterAll adds the engine's five built-in handlers to r.
func RegisterAll(r *handler.Registry) {
	r.Register(NewHTTPHandler())
	r.Register(TransformHandler{})
	r.Register(DelayHandler{})
	r.Register(ConditionalHandler{})
	r.Register(LogHandler{})
}
