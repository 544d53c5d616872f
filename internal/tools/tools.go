// Package tools implements the tool registry: a pluggable map of named
// capabilities the Worker resolves and executes. The registry ships three
// reference tools; anything domain-specific registers itself at startup.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/runforge/controlplane/internal/coreerr"
)

// ToolContext carries the ambient data a tool needs to execute one step:
// the run and step ids, the execution deadline, and a scoped logger. The
// cancellation signal travels separately as the Execute context.
type ToolContext struct {
	RunID    string
	StepID   string
	Deadline time.Time
	Logger   zerolog.Logger
}

// Tool is one registered capability. Execute returns outputs on success;
// on failure it returns an error classified via coreerr so the Worker can
// tell retryable transient failures from fatal ones.
type Tool interface {
	Execute(ctx context.Context, inputs json.RawMessage, tctx ToolContext) (json.RawMessage, error)
}

// Registry resolves tool names to Tool implementations. Tool authors
// register their own tools against it; the core never ships domain tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces the tool for name.
func (r *Registry) Register(name string, tool Tool) {
	r.tools[name] = tool
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, for diagnostics.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	return out
}

// NewFatal is a convenience wrapper so tool implementations in this package
// don't need to import coreerr directly for the common "bad input" case.
func NewFatal(msg string, err error) error {
	return coreerr.NewFatal(msg, err)
}

// NewTransient is the convenience wrapper for the retryable case.
func NewTransient(msg string, err error) error {
	return coreerr.NewTransient(msg, err)
}
