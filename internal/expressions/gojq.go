package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/cascadeio/cascade/pkg/schema"
)

// JQEngine applies jq expressions to step outputs, used by input bindings of
// the form "previous | <jq>". Thread-safe: compiled *gojq.Code objects are
// cached and reused across goroutines.
type JQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQEngine creates a new JQ engine.
func NewJQEngine() *JQEngine {
	return &JQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *JQEngine) Name() string {
	return "jq"
}

// Evaluate satisfies Engine; the data map is the jq input object.
func (e *JQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Transform(ctx, expression, data)
}

// Transform compiles (or retrieves from cache) a jq expression and applies it
// to the input value.
//
// jq expressions can produce multiple outputs. A single output is returned
// directly; multiple outputs are collected into a []any.
func (e *JQEngine) Transform(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalize(input))

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if itErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q: %s", expression, itErr.Error()).
				WithCause(itErr)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *JQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	q, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq parse failed for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	code, err = gojq.Compile(q)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq compile failed for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.mu.Lock()
	e.cache[expression] = code
	e.mu.Unlock()
	return code, nil
}

// normalize round-trips non-scalar values through JSON so gojq only ever sees
// the value kinds it supports (maps, slices, strings, numbers, bools, nil).
func normalize(input any) any {
	switch input.(type) {
	case nil, bool, string, int, float64, map[string]any, []any:
		return input
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return input
	}
	return out
}
