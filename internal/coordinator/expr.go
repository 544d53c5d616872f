package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/runforge/controlplane/internal/gate"
	"github.com/runforge/controlplane/pkg/models"
)

// stepResult is the view of a step (in any status) exposed to a `when`
// predicate.
type stepResult struct {
	Status string      `expr:"status"`
	Output interface{} `expr:"output"`
}

// exprEnv is the evaluation environment for a plan's `when` expressions:
// `steps["name"].status` / `.output.field`.
type exprEnv struct {
	Steps map[string]stepResult `expr:"steps"`
}

// buildExprEnv projects the current step set into the shape `when`
// expressions are written against.
func buildExprEnv(steps []models.Step) exprEnv {
	env := exprEnv{Steps: make(map[string]stepResult, len(steps))}
	for _, s := range steps {
		env.Steps[s.Name] = stepResult{
			Status: string(s.Status),
			Output: decodeOutputs(s.Outputs),
		}
	}
	return env
}

func decodeOutputs(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// isReady reports whether step may advance to step.ready: its predecessors
// (dependsOn) have all succeeded, its declared gates are all passed or
// waived, and its optional `when` expression (if present) evaluates truthy
// against the current step outputs.
func isReady(step models.Step, byName map[string]models.Step, gates []models.Gate, env exprEnv) (bool, error) {
	for _, dep := range step.DependsOn {
		pred, ok := byName[dep]
		if !ok || pred.Status != models.StepSucceeded {
			return false, nil
		}
	}

	if !gate.AllPassable(gates) {
		return false, nil
	}

	if step.When == "" {
		return true, nil
	}

	program, err := expr.Compile(step.When, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("invalid when expression on step %q: %w", step.Name, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("when expression evaluation failed on step %q: %w", step.Name, err)
	}
	truthy, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("when expression on step %q did not evaluate to a boolean", step.Name)
	}
	return truthy, nil
}
