package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cascadeio/cascade/pkg/schema"
)

// ExprEngine evaluates conditions using expr-lang/expr, for logic CEL does
// not express comfortably (nil coalescing, optional chaining, pipe chains,
// array helpers). Thread-safe: compiled *vm.Program objects are cached and
// reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it.
// The data map is the expression environment; its keys become top-level
// variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	// Compile without a typed environment: the scope shape varies per step.
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile failed for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// evaluateBool runs an engine and coerces the result to bool.
func evaluateBool(ctx context.Context, eng Engine, expression string, data map[string]any) (bool, error) {
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q evaluated to %T, expected bool", expression, out)
	}
	return b, nil
}
