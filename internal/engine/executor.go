package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cascadeio/cascade/internal/expressions"
	"github.com/cascadeio/cascade/pkg/schema"
)

// PatternExecutor runs every step of an execution according to one
// orchestration pattern and produces the final result. Executors own result
// ordering and abort semantics; admission, lifecycle transitions and
// timestamps belong to the Engine.
type PatternExecutor interface {
	Pattern() schema.Pattern
	Execute(ctx context.Context, ec *ExecutionContext) *schema.ExecutionResult
}

// executorDeps bundles what every pattern executor needs.
type executorDeps struct {
	supervisor  *RetrySupervisor
	jq          *expressions.JQEngine
	parallelism int // worker pool size for concurrent patterns
}

// resolveInput materializes a step's input from its binding: the execution's
// submitted input by default, the prior step's output for "previous", piped
// through a jq transform when one is declared.
func (d *executorDeps) resolveInput(ctx context.Context, step *schema.StepDefinition, ec *ExecutionContext) (any, error) {
	usesPrevious, transform, err := schema.ParseBinding(step.Input)
	if err != nil {
		return nil, err
	}
	if !usesPrevious {
		return ec.Input, nil
	}

	value := ec.previous
	if transform == "" {
		return value, nil
	}
	out, err := d.jq.Transform(ctx, transform, value)
	if err != nil {
		var serr *schema.Error
		if errors.As(err, &serr) {
			return nil, serr.WithStep(step.Name)
		}
		return nil, err
	}
	return out, nil
}

// newResult seeds the execution's result record.
func newResult(ec *ExecutionContext) *schema.ExecutionResult {
	return &schema.ExecutionResult{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.Workflow.ID,
		Success:     true,
		Results:     make([]schema.StepOutcome, 0, len(ec.Workflow.Steps)),
	}
}

// abort marks the result failed with the error that stopped the execution.
func abort(res *schema.ExecutionResult, err error) *schema.ExecutionResult {
	res.Success = false
	res.Error = asSchemaError(err)
	return res
}

// bindingFailure records a step that never ran because its input could not be
// materialized.
func bindingFailure(step *schema.StepDefinition, err error) schema.StepOutcome {
	return schema.StepOutcome{
		Step:  step.Name,
		Error: err.Error(),
	}
}

func asSchemaError(err error) *schema.Error {
	var serr *schema.Error
	if errors.As(err, &serr) {
		return serr
	}
	return schema.NewError(schema.ErrCodeFatal, err.Error()).WithCause(err)
}

// stamp fills in the timing fields of a finished result.
func stamp(res *schema.ExecutionResult, started time.Time) {
	res.StartedAt = started.UTC()
	res.CompletedAt = time.Now().UTC()
	res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
}
