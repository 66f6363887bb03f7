// Package handler defines the capability interface the Orchestrator
// invokes per step, and a registry mapping task_type to Handler, grounded
// on internal/plugin's Plugin/Registry split — a Handler plays the role a
// NodePlugin played there, narrowed to the single Execute call the engine
// actually needs.
package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kodeflow/wfengine/pkg/api"
)

// RetryableError signals a transient fault: the engine may retry this step
// attempt, subject to the step's retry budget.
type RetryableError struct {
	Message string
	Details map[string]any
}

func (e *RetryableError) Error() string { return e.Message }

// NewRetryable constructs a RetryableError.
func NewRetryable(message string, details map[string]any) *RetryableError {
	return &RetryableError{Message: message, Details: details}
}

// FatalError signals a permanent fault: the engine must not retry this
// attempt. Per the engine's chosen resolution to an open spec question, a
// FatalError short-circuits straight to execution-level failure rather than
// consuming the step's own retry budget.
type FatalError struct {
	Message string
	Details map[string]any
}

func (e *FatalError) Error() string { return e.Message }

// NewFatal constructs a FatalError.
func NewFatal(message string, details map[string]any) *FatalError {
	return &FatalError{Message: message, Details: details}
}

// Handler performs the work of one step. Implementations must be pure with
// respect to engine state — any external state (HTTP calls, file I/O) is
// the handler's own concern, never the orchestrator's.
type Handler interface {
	// TaskType returns the string this handler is registered under.
	TaskType() string
	// Execute runs config against input, bounded by ctx's deadline. A
	// returned error should be a *RetryableError or *FatalError; the
	// Orchestrator treats any other error as retryable.
	Execute(ctx context.Context, config map[string]any, input map[string]any) (map[string]any, error)
}

// Registry is a thread-safe task_type -> Handler lookup table, populated at
// startup with O(1) lookups — the Handler Registry component.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under its own TaskType, overwriting any prior handler
// for the same task_type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.TaskType()] = h
}

// ErrHandlerMissing is returned by Resolve when no handler is registered
// for a task_type; the orchestrator treats this as a fatal, non-retryable
// execution failure.
type ErrHandlerMissing struct {
	TaskType string
}

func (e *ErrHandlerMissing) Error() string {
	return fmt.Sprintf("no handler registered for task_type %q", e.TaskType)
}

// Resolve looks up the handler for taskType.
func (r *Registry) Resolve(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &ErrHandlerMissing{TaskType: taskType}
	}
	return h, nil
}

// Describer is implemented by handlers that publish a configuration schema
// for their task_type, mirroring the teacher's NodeDefinition.Meta()/
// Parameters() pattern. Optional: a Handler need not implement it.
type Describer interface {
	Describe() api.NodeType
}

// Describe returns the published schema for every registered handler that
// implements Describer, for the engine's task-type discovery endpoint.
func (r *Registry) Describe() []api.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []api.NodeType
	for _, h := range r.handlers {
		if d, ok := h.(Describer); ok {
			out = append(out, d.Describe())
		}
	}
	return out
}

// RunWithTimeout invokes h.Execute bounded by timeout, translating a
// context deadline into HandlerTimeout semantics (treated as retryable
// per the engine's error taxonomy).
func RunWithTimeout(ctx context.Context, h Handler, config, input map[string]any, timeout time.Duration) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: NewRetryable(fmt.Sprintf("handler panic: %v", r), nil)}
			}
		}()
		out, err := h.Execute(ctx, config, input)
		ch <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, NewRetryable(fmt.Sprintf("handler %s timed out after %s", h.TaskType(), timeout), nil)
	case r := <-ch:
		return r.out, r.err
	}
}
