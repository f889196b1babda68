package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/cascadeio/cascade/pkg/schema"
)

// CELEngine evaluates step conditions using Google's Common Expression
// Language. Thread-safe: compiled programs are cached and reused across
// goroutines.
//
// The environment exposes four top-level variables:
//   - input:    dyn — the step's resolved input value
//   - previous: dyn — the prior step's output (sequential pattern)
//   - steps:    map(string, dyn) — completed step outputs keyed by step name
//   - shared:   map(string, dyn) — collaborative shared state
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL engine with a sandboxed environment.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("previous", cel.DynType),
		cel.Variable("steps", mapType),
		cel.Variable("shared", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided data map.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(activation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL compile failed for %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL program build failed for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// activation fills in defaults for missing environment keys so CEL does not
// raise runtime errors on unset variables.
func activation(data map[string]any) map[string]any {
	act := map[string]any{
		"input":    nil,
		"previous": nil,
		"steps":    map[string]any{},
		"shared":   map[string]any{},
	}
	for k, v := range data {
		act[k] = v
	}
	return act
}
