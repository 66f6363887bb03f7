package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodeflow/wfengine/pkg/handler"
)

func TestDelayHandlerPassthrough(t *testing.T) {
	out, err := DelayHandler{}.Execute(context.Background(), map[string]any{"duration_ms": float64(0)}, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
}

func TestConditionalHandlerTrue(t *testing.T) {
	out, err := ConditionalHandler{}.Execute(context.Background(),
		map[string]any{"condition": "status == ok"},
		map[string]any{"status": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])
}

func TestConditionalHandlerFalseIsFatal(t *testing.T) {
	_, err := ConditionalHandler{}.Execute(context.Background(),
		map[string]any{"condition": "status == ok"},
		map[string]any{"status": "bad"})
	require.Error(t, err)
	var fatal *handler.FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestTransformHandlerMapping(t *testing.T) {
	out, err := TransformHandler{}.Execute(context.Background(),
		map[string]any{"mapping": map[string]any{"greeting": "hello {{.input.name}}"}},
		map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out["greeting"])
}

func TestTransformHandlerRequiresMapping(t *testing.T) {
	_, err := TransformHandler{}.Execute(context.Background(), map[string]any{}, map[string]any{})
	require.Error(t, err)
	var fatal *handler.FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestLogHandlerInvokesSink(t *testing.T) {
	var gotLevel, gotMsg string
	ctx := handler.WithLogger(context.Background(), func(level, message string, details map[string]any) {
		gotLevel, gotMsg = level, message
	})
	out, err := LogHandler{}.Execute(ctx, map[string]any{"level": "warn", "message": "hi"}, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, out)
	assert.Equal(t, "warn", gotLevel)
	assert.Equal(t, "hi", gotMsg)
}

func TestHTTPHandlerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := NewHTTPHandler()
	out, err := h.Execute(context.Background(), map[string]any{"method": "GET", "url": srv.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, "ok", out["body"])
}

func TestHTTPHandlerServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTPHandler()
	_, err := h.Execute(context.Background(), map[string]any{"method": "GET", "url": srv.URL}, nil)
	require.Error(t, err)
	var retryable *handler.RetryableError
	require.ErrorAs(t, err, &retryable)
}

func TestHTTPHandlerClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := NewHTTPHandler()
	_, err := h.Execute(context.Background(), map[string]any{"method": "GET", "url": srv.URL}, nil)
	require.Error(t, err)
	var fatal *handler.FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestHTTPHandlerAPIKeyCredentialSetsBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHTTPHandler()
	_, err := h.Execute(context.Background(), map[string]any{
		"method":          "GET",
		"url":             srv.URL,
		"credential_type": "api_key",
		"credential_data": map[string]any{"api_key": "s3cr3t"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cr3t", gotAuth)
}

func TestHTTPHandlerInvalidCredentialIsFatal(t *testing.T) {
	h := NewHTTPHandler()
	_, err := h.Execute(context.Background(), map[string]any{
		"method":          "GET",
		"url":             "http://example.invalid",
		"credential_type": "api_key",
		"credential_data": map[string]any{},
	}, nil)
	require.Error(t, err)
	var fatal *handler.FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestHTTPHandlerUnknownCredentialTypeIsFatal(t *testing.T) {
	h := NewHTTPHandler()
	_, err := h.Execute(context.Background(), map[string]any{
		"method":          "GET",
		"url":             "http://example.invalid",
		"credential_type": "does-not-exist",
		"credential_data": map[string]any{},
	}, nil)
	require.Error(t, err)
	var fatal *handler.FatalError
	require.ErrorAs(t, err, &fatal)
}
