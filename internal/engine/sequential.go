package engine

import (
	"context"

	"github.com/cascadeio/cascade/pkg/schema"
)

// SequentialExecutor runs steps strictly in declaration order. Each step can
// bind the prior step's output via "previous"; the first terminal step
// failure aborts the remaining steps.
type SequentialExecutor struct {
	deps *executorDeps
}

func NewSequentialExecutor(deps *executorDeps) *SequentialExecutor {
	return &SequentialExecutor{deps: deps}
}

func (e *SequentialExecutor) Pattern() schema.Pattern {
	return schema.PatternSequential
}

func (e *SequentialExecutor) Execute(ctx context.Context, ec *ExecutionContext) *schema.ExecutionResult {
	res := newResult(ec)

	for i := range ec.Workflow.Steps {
		step := &ec.Workflow.Steps[i]

		input, err := e.deps.resolveInput(ctx, step, ec)
		if err != nil {
			res.Results = append(res.Results, bindingFailure(step, err))
			return abort(res, err)
		}

		outcome, err := e.deps.supervisor.Run(ctx, step, input, ec)
		res.Results = append(res.Results, outcome)
		if err != nil {
			return abort(res, err)
		}

		// A skipped step contributes nil to "previous" so downstream
		// bindings see a deliberate absence rather than stale data.
		ec.recordOutput(step.Name, outcome.Output)
	}

	return res
}
