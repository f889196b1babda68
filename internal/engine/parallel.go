package engine

import (
	"context"

	"github.com/cascadeio/cascade/pkg/schema"
)

// ParallelExecutor dispatches every step concurrently on a bounded worker
// pool. Steps are independent: each receives the execution's submitted input
// ("previous" bindings are rejected at validation time), a failing sibling
// cancels nothing, and outcomes are reported in declaration order. The
// execution succeeds only when every step did; a partial failure carries no
// overall error, the per-step outcomes tell the story.
type ParallelExecutor struct {
	deps *executorDeps
}

func NewParallelExecutor(deps *executorDeps) *ParallelExecutor {
	return &ParallelExecutor{deps: deps}
}

func (e *ParallelExecutor) Pattern() schema.Pattern {
	return schema.PatternParallel
}

func (e *ParallelExecutor) Execute(ctx context.Context, ec *ExecutionContext) *schema.ExecutionResult {
	res := newResult(ec)
	steps := ec.Workflow.Steps
	outcomes := make([]schema.StepOutcome, len(steps))

	pool := NewWorkerPool(e.deps.parallelism)
	for i := range steps {
		idx := i
		step := &steps[i]
		err := pool.Submit(ctx, func(ctx context.Context) error {
			outcome, err := e.deps.supervisor.Run(ctx, step, ec.Input, ec)
			outcomes[idx] = outcome
			return err
		})
		if err != nil {
			// Pool admission only fails on cancellation; the step never ran.
			outcomes[idx] = schema.StepOutcome{Step: step.Name, Error: err.Error()}
		}
	}
	pool.Wait()

	for i := range outcomes {
		res.Results = append(res.Results, outcomes[i])
		if !outcomes[i].Success {
			res.Success = false
		}
		ec.recordOutput(steps[i].Name, outcomes[i].Output)
	}
	return res
}
