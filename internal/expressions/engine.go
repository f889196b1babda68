package expressions

import (
	"context"
	"strings"
)

// Engine evaluates expressions within workflow steps.
// Two condition engines (CEL, Expr) and one transform engine (GoJQ).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// exprPrefix selects the expr-lang engine for a condition expression.
const exprPrefix = "expr:"

// Conditions dispatches condition expressions to the right engine.
// Expressions prefixed with "expr:" use expr-lang; everything else is CEL.
type Conditions struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewConditions builds the condition dispatcher.
func NewConditions() (*Conditions, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Conditions{cel: celEng, expr: NewExprEngine()}, nil
}

// EvaluateBool evaluates a condition expression to a boolean.
// A non-boolean result is a validation-class error, not a false.
func (c *Conditions) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	var eng Engine = c.cel
	if rest, ok := strings.CutPrefix(expression, exprPrefix); ok {
		eng = c.expr
		expression = strings.TrimSpace(rest)
	}
	return evaluateBool(ctx, eng, expression, data)
}
