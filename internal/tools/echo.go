package tools

import (
	"context"
	"encoding/json"
)

// EchoTool returns its inputs verbatim as outputs. It is the "test:echo"
// fixture used throughout the end-to-end tests.
type EchoTool struct{}

// Execute implements Tool.
func (EchoTool) Execute(_ context.Context, inputs json.RawMessage, _ ToolContext) (json.RawMessage, error) {
	if len(inputs) == 0 {
		return json.RawMessage(`{}`), nil
	}
	out := make(json.RawMessage, len(inputs))
	copy(out, inputs)
	return out, nil
}
