// Package builtin provides the engine's demonstration task handlers: http,
// transform, delay, conditional and log. Each is grounded on the teacher's
// corresponding pkg/nodes/* package, adapted from the NodeDefinition.Execute
// signature to the handler.Handler capability interface.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kodeflow/wfengine/pkg/api"
	_ "github.com/kodeflow/wfengine/pkg/credentials" // registers the api_key credential definition
	"github.com/kodeflow/wfengine/pkg/handler"
)

// HTTPHandler makes an HTTP request per its step config. Grounded on
// pkg/nodes/http_request: method, url, headers and body parameters carry
// over unchanged. Bearer-token auth is resolved through the credential
// registry when config carries credential_type/credential_data, mirroring
// how the teacher's connection-backed nodes resolve a Connection's secret
// before dispatching the request.
type HTTPHandler struct {
	Client *http.Client
}

// NewHTTPHandler constructs an HTTPHandler with a default client that sets
// no timeout of its own; each request is bounded by the ctx passed to
// Execute.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{Client: &http.Client{}}
}

func (h *HTTPHandler) TaskType() string { return "http" }

func (h *HTTPHandler) Describe() api.NodeType {
	return api.NodeType{
		Type:     "http",
		Label:    "HTTP Request",
		Category: "network",
		Parameters: []api.ParameterDefinition{
			api.NewStringParameter("url", "URL", true).WithValidators(api.ValidatorSpec{Type: "url"}).WithGroup("request"),
			api.NewEnumParameter("method", "Method", []string{"GET", "POST", "PUT", "PATCH", "DELETE"}, false).WithDefault("GET").WithGroup("request"),
			api.NewObjectParameter("headers", "Headers", false).WithGroup("request"),
			api.NewStringParameter("body", "Body", false).WithGroup("request"),
			api.NewStringParameter("credential_type", "Credential type", false).
				WithDescription("Looked up in the credential registry; api_key sets a bearer Authorization header").
				WithGroup("auth"),
			api.NewObjectParameter("credential_data", "Credential data", false).
				WithGroup("auth").
				WithVisibilityCondition("credential_type != ''"),
		},
	}
}

func (h *HTTPHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, handler.NewFatal("http: url is required", nil)
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := config["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, handler.NewFatal(fmt.Sprintf("http: building request: %v", err), nil)
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if err := applyCredential(req, config); err != nil {
		return nil, err
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, handler.NewRetryable(fmt.Sprintf("http: request failed: %v", err), nil)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	out := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}

	switch {
	case resp.StatusCode >= 500:
		return out, handler.NewRetryable(fmt.Sprintf("http: server error %d", resp.StatusCode), out)
	case resp.StatusCode >= 400:
		return out, handler.NewFatal(fmt.Sprintf("http: client error %d", resp.StatusCode), out)
	default:
		return out, nil
	}
}

// applyCredential resolves config's credential_type/credential_data through
// the credential registry and sets the resulting auth header. Unknown or
// invalid credentials are fatal: retrying a malformed credential never
// succeeds.
func applyCredential(req *http.Request, config map[string]any) error {
	credType, _ := config["credential_type"].(string)
	if credType == "" {
		return nil
	}
	data, _ := config["credential_data"].(map[string]any)
	if err := api.ValidateCredentials(credType, data); err != nil {
		return handler.NewFatal(fmt.Sprintf("http: credential validation failed: %v", err), nil)
	}
	transformed, err := api.TransformCredentials(credType, data)
	if err != nil {
		return handler.NewFatal(fmt.Sprintf("http: credential transformation failed: %v", err), nil)
	}
	if credType == "api_key" {
		if key, ok := transformed["api_key"].(string); ok {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	return nil
}
