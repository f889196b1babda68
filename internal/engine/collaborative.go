package engine

import (
	"context"

	"github.com/cascadeio/cascade/pkg/schema"
)

// CollaborativeExecutor runs steps strictly in declaration order around a
// shared state: every step receives the accumulated outputs and message log
// as input, and every completed or skipped step appends its contribution. A
// terminal step failure aborts the remaining steps. The final shared-state
// snapshot travels in the result metadata.
type CollaborativeExecutor struct {
	deps *executorDeps
}

func NewCollaborativeExecutor(deps *executorDeps) *CollaborativeExecutor {
	return &CollaborativeExecutor{deps: deps}
}

func (e *CollaborativeExecutor) Pattern() schema.Pattern {
	return schema.PatternCollaborative
}

func (e *CollaborativeExecutor) Execute(ctx context.Context, ec *ExecutionContext) *schema.ExecutionResult {
	res := newResult(ec)
	shared := ec.shared

	for i := range ec.Workflow.Steps {
		step := &ec.Workflow.Steps[i]

		outcome, err := e.deps.supervisor.Run(ctx, step, shared.AsInput(), ec)
		res.Results = append(res.Results, outcome)
		if err != nil {
			res.Metadata = map[string]any{"shared_state": shared.Snapshot()}
			return abort(res, err)
		}

		shared.Append(step.Name, outcome.Output)
		ec.recordOutput(step.Name, outcome.Output)
	}

	res.Metadata = map[string]any{"shared_state": shared.Snapshot()}
	return res
}
