package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runforge/controlplane/internal/coreerr"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Resolve("test:echo")
	require.False(t, ok)

	r.Register("test:echo", EchoTool{})
	tool, ok := r.Resolve("test:echo")
	require.True(t, ok)
	require.IsType(t, EchoTool{}, tool)
	require.Equal(t, []string{"test:echo"}, r.Names())
}

func TestEchoTool_ReturnsInputsVerbatim(t *testing.T) {
	out, err := EchoTool{}.Execute(context.Background(), json.RawMessage(`{"x":1}`), ToolContext{})
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(out))

	out, err = EchoTool{}.Execute(context.Background(), nil, ToolContext{})
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(out))
}

func TestProcessTool_RejectsNonAllowlistedCommand(t *testing.T) {
	p := NewProcessTool([]string{"true"})
	_, err := p.Execute(context.Background(), json.RawMessage(`{"command":"rm"}`), ToolContext{})
	require.Error(t, err)
	require.Equal(t, coreerr.Fatal, coreerr.ClassOf(err))
}

func TestProcessTool_RunsAllowlistedCommand(t *testing.T) {
	p := NewProcessTool([]string{"echo"})
	out, err := p.Execute(context.Background(), json.RawMessage(`{"command":"echo","args":["hello"]}`), ToolContext{})
	require.NoError(t, err)

	var result struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exitCode"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, "hello\n", result.Stdout)
	require.Equal(t, 0, result.ExitCode)
}

func TestProcessTool_MalformedInputsAreFatal(t *testing.T) {
	p := NewProcessTool([]string{"true"})
	_, err := p.Execute(context.Background(), json.RawMessage(`not json`), ToolContext{})
	require.Error(t, err)
	require.Equal(t, coreerr.Fatal, coreerr.ClassOf(err))
}

func TestHTTPTool_SuccessReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pong":true}`))
	}))
	defer srv.Close()

	tool := NewHTTPTool()
	inputs, _ := json.Marshal(map[string]string{"url": srv.URL})
	out, err := tool.Execute(context.Background(), inputs, ToolContext{})
	require.NoError(t, err)

	var result struct {
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, http.StatusOK, result.Status)
	require.JSONEq(t, `{"pong":true}`, string(result.Body))
}

func TestHTTPTool_ClassifiesUpstreamFailures(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	tool := NewHTTPTool()
	inputs, _ := json.Marshal(map[string]string{"url": srv.URL})

	status = http.StatusServiceUnavailable
	_, err := tool.Execute(context.Background(), inputs, ToolContext{})
	require.Error(t, err)
	require.Equal(t, coreerr.Transient, coreerr.ClassOf(err))

	status = http.StatusBadRequest
	_, err = tool.Execute(context.Background(), inputs, ToolContext{})
	require.Error(t, err)
	require.Equal(t, coreerr.Fatal, coreerr.ClassOf(err))
}

func TestHTTPTool_HonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tool := NewHTTPTool()
	inputs, _ := json.Marshal(map[string]string{"url": srv.URL})
	_, err := tool.Execute(ctx, inputs, ToolContext{})
	require.Error(t, err)
	require.Equal(t, coreerr.Transient, coreerr.ClassOf(err))
}
