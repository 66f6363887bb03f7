// Package api exposes the Execution Service over HTTP. Routing only: no
// validation/serialization layer beyond what encoding/json gives for free,
// and no auth except the bearer token on the optional /internal surface.
// Grounded on the teacher's internal/api/router.go chi usage
// (chi.NewRouter, r.Route sub-routers, writeJSON helper) and
// cmd/server/main.go's middleware.Logger/health-endpoint pattern, narrowed
// down to the workflow/execution surface this engine actually has.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kodeflow/wfengine/pkg/api"
	"github.com/kodeflow/wfengine/pkg/handler"
	"github.com/kodeflow/wfengine/pkg/orchestrator"
	"github.com/kodeflow/wfengine/pkg/queue"
	"github.com/kodeflow/wfengine/pkg/service"
	"github.com/kodeflow/wfengine/pkg/store"
)

// RemoteConfig enables the bearer-token-protected /internal surface a
// pkg/worker.RemoteWorker polls, mirroring the teacher's split between an
// embedded, DB-attached pkg/execution/worker.go and an HTTP-attached
// pkg/execution/remote_worker.go: the remote worker never touches Store or
// Queue directly, it only claims/runs/acks over this surface, so a worker
// process can scale out without shipping database credentials to it.
type RemoteConfig struct {
	Queue             queue.Queue
	Orchestrator      *orchestrator.Orchestrator
	AuthToken         string
	VisibilityTimeout time.Duration
}

// NewRouter builds the engine's HTTP surface over svc. reg is optional (nil
// disables /task-types) so callers that only need the Execution Service
// surface, such as service_test.go-style integration tests, aren't forced
// to construct a Registry. remote is optional (nil disables /internal/*),
// so a deployment with no remote workers never exposes the claim/run/ack
// surface at all.
func NewRouter(svc *service.Service, reg *handler.Registry, remote *RemoteConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	if reg != nil {
		r.Get("/task-types", taskTypesHandler(reg))
	}

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", listWorkflowsHandler(svc))
		r.Post("/", createWorkflowHandler(svc))
		r.Route("/{workflowID}", func(r chi.Router) {
			r.Post("/steps", addStepHandler(svc, reg))
			r.Post("/activate", activateWorkflowHandler(svc))
			r.Post("/executions", triggerHandler(svc))
		})
	})

	r.Route("/executions/{executionID}", func(r chi.Router) {
		r.Get("/", getExecutionHandler(svc))
		r.Post("/cancel", cancelHandler(svc))
		r.Post("/retry", retryHandler(svc))
		r.Get("/logs", listLogsHandler(svc))
	})

	if remote != nil {
		r.Route("/internal", func(r chi.Router) {
			r.Use(bearerAuth(remote.AuthToken))
			r.Post("/claim", claimHandler(remote))
			r.Post("/executions/{executionID}/run", runHandler(remote))
			r.Post("/ack", ackHandler(remote))
			r.Post("/extend", extendHandler(remote))
		})
	}

	return r
}

// bearerAuth rejects any /internal request not carrying the configured
// worker token, the same fixed-token scheme the teacher's RemoteWorker
// speaks against its own API server ("Authorization: Bearer <token>").
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get("Authorization") != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, errors.New("missing or invalid worker token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// claimHandler dequeues at most one execution for a remote worker. A 204
// with no body means nothing is currently due, mirroring queue.ErrEmpty at
// the embedded worker's own poll site (pkg/worker/worker.go's pollOnce).
func claimHandler(remote *RemoteConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vt := remote.VisibilityTimeout
		if vt <= 0 {
			vt = 5 * time.Minute
		}
		msg, err := remote.Queue.Dequeue(r.Context(), vt)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"execution_id": msg.ExecutionID.String(),
			"lease_token":  msg.LeaseToken.String(),
		})
	}
}

// runHandler drives one claimed execution through the Orchestrator
// server-side, keeping Store access off the wire entirely: the remote
// worker supplies only the ID it was handed by claimHandler.
func runHandler(remote *RemoteConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executionID, ok := parseUUID(w, r, "executionID")
		if !ok {
			return
		}
		if err := remote.Orchestrator.Run(r.Context(), executionID); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func ackHandler(remote *RemoteConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			LeaseToken uuid.UUID `json:"lease_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := remote.Queue.Ack(r.Context(), in.LeaseToken); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func extendHandler(remote *RemoteConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			LeaseToken   uuid.UUID `json:"lease_token"`
			ExtraSeconds int       `json:"extra_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := remote.Queue.Extend(r.Context(), in.LeaseToken, time.Duration(in.ExtraSeconds)*time.Second); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// taskTypeResponse adds a rendered config_schema to each api.NodeType the
// registry describes, so a caller building a config form doesn't have to
// re-implement ParameterDefinition.ToJSONSchema() client-side.
type taskTypeResponse struct {
	api.NodeType
	ConfigSchema *api.JSONSchema `json:"config_schema"`
}

func taskTypesHandler(reg *handler.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeTypes := reg.Describe()
		out := make([]taskTypeResponse, 0, len(nodeTypes))
		for _, nt := range nodeTypes {
			nt.Parameters = normalizeParameters(nt.Parameters)
			out = append(out, taskTypeResponse{NodeType: nt, ConfigSchema: configSchemaFor(nt.Parameters)})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// normalizeParameters rewrites each parameter's legacy Type string to match
// its typed ParameterType, so the two fields (kept for backward
// compatibility in api.ParameterDefinition) can never diverge on the wire.
func normalizeParameters(params []api.ParameterDefinition) []api.ParameterDefinition {
	out := make([]api.ParameterDefinition, len(params))
	for i, p := range params {
		p.Type = p.GetEffectiveType().String()
		out[i] = p
	}
	return out
}

// configSchemaFor assembles a task type's parameters into one JSON object
// schema, each property rendered through its own ParameterDefinition's own
// schema so per-field validators/defaults/enum options carry over.
func configSchemaFor(params []api.ParameterDefinition) *api.JSONSchema {
	schema := &api.JSONSchema{Type: "object", Properties: map[string]*api.JSONSchema{}}
	for _, p := range params {
		schema.Properties[p.Name] = p.ToJSONSchema()
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeNodeError reports a task-type/config-level rejection as a structured
// api.NodeError instead of the plain {"error": "..."} shape writeError
// gives unclassified failures, so a caller can branch on Code without
// string-matching Message.
func writeNodeError(w http.ResponseWriter, status int, nerr *api.NodeError) {
	writeJSON(w, status, nerr)
}

// statusForStoreErr maps the store/service error taxonomy (§7) onto HTTP
// status codes. Unrecognized errors fall back to 500.
func statusForStoreErr(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, service.ErrWorkflowNotActive),
		errors.Is(err, service.ErrNotDraft),
		errors.Is(err, service.ErrStepOrderGap),
		errors.Is(err, service.ErrInvalidRetry):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid "+param))
		return uuid.Nil, false
	}
	return id, true
}

func listWorkflowsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflows, err := svc.ListWorkflows(r.Context())
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	}
}

func createWorkflowHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Name     string         `json:"name"`
			Version  int            `json:"version"`
			Metadata map[string]any `json:"metadata,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		wf, err := svc.CreateWorkflow(r.Context(), in.Name, in.Version, in.Metadata)
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, wf)
	}
}

func addStepHandler(svc *service.Service, reg *handler.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID, ok := parseUUID(w, r, "workflowID")
		if !ok {
			return
		}
		var in struct {
			Name           string         `json:"name"`
			TaskType       string         `json:"task_type"`
			Config         map[string]any `json:"config,omitempty"`
			TimeoutSeconds int            `json:"timeout_seconds"`
			MaxRetries     int            `json:"max_retries"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if reg != nil {
			if _, err := reg.Resolve(in.TaskType); err != nil {
				writeNodeError(w, http.StatusBadRequest, api.NewNodeErrorWithCode(in.Name, in.TaskType, err.Error(), "unknown_task_type"))
				return
			}
		}
		step, err := svc.AddStep(r.Context(), workflowID, in.Name, in.TaskType, in.Config, in.TimeoutSeconds, in.MaxRetries)
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, step)
	}
}

func activateWorkflowHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID, ok := parseUUID(w, r, "workflowID")
		if !ok {
			return
		}
		if err := svc.Activate(r.Context(), workflowID); err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func triggerHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID, ok := parseUUID(w, r, "workflowID")
		if !ok {
			return
		}
		var in struct {
			IdempotencyKey string         `json:"idempotency_key"`
			InputData      map[string]any `json:"input_data,omitempty"`
			MaxRetries     int            `json:"max_retries"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if in.IdempotencyKey == "" {
			writeError(w, http.StatusBadRequest, errors.New("idempotency_key is required"))
			return
		}
		exec, err := svc.Trigger(r.Context(), workflowID, in.IdempotencyKey, in.InputData, in.MaxRetries)
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, exec)
	}
}

func getExecutionHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executionID, ok := parseUUID(w, r, "executionID")
		if !ok {
			return
		}
		exec, err := svc.Get(r.Context(), executionID)
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	}
}

func cancelHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executionID, ok := parseUUID(w, r, "executionID")
		if !ok {
			return
		}
		if err := svc.Cancel(r.Context(), executionID); err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func retryHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executionID, ok := parseUUID(w, r, "executionID")
		if !ok {
			return
		}
		if err := svc.Retry(r.Context(), executionID); err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listLogsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		executionID, ok := parseUUID(w, r, "executionID")
		if !ok {
			return
		}
		var levelFilter *store.LogLevel
		if lv := r.URL.Query().Get("level"); lv != "" {
			l := store.LogLevel(lv)
			levelFilter = &l
		}
		logs, err := svc.ListLogs(r.Context(), executionID, levelFilter)
		if err != nil {
			writeError(w, statusForStoreErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}
