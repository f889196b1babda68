package engine

import (
	"context"

	"github.com/cascadeio/cascade/pkg/schema"
)

// HierarchicalExecutor runs the workflow's single supervisor step first and,
// only if it succeeds, fans its output out to every worker step concurrently.
// The supervisor gets exactly one attempt: a planning failure is fatal and no
// worker is ever invoked. Workers retry independently under their own
// policies. Outcomes are reported supervisor first, then workers in
// declaration order.
type HierarchicalExecutor struct {
	deps *executorDeps
}

func NewHierarchicalExecutor(deps *executorDeps) *HierarchicalExecutor {
	return &HierarchicalExecutor{deps: deps}
}

func (e *HierarchicalExecutor) Pattern() schema.Pattern {
	return schema.PatternHierarchical
}

func (e *HierarchicalExecutor) Execute(ctx context.Context, ec *ExecutionContext) *schema.ExecutionResult {
	res := newResult(ec)

	supervisor := ec.Workflow.SupervisorStep()
	if supervisor == nil {
		// Validation guarantees one supervisor; reaching here is a bug.
		return abort(res, schema.NewError(schema.ErrCodeFatal,
			"hierarchical workflow has no supervisor step"))
	}

	// Force a single attempt regardless of declared policy.
	planStep := *supervisor
	planStep.Retry = &schema.RetryPolicy{Max: 0}

	planOutcome, err := e.deps.supervisor.Run(ctx, &planStep, ec.Input, ec)
	res.Results = append(res.Results, planOutcome)
	if err != nil {
		return abort(res, err)
	}
	ec.recordOutput(supervisor.Name, planOutcome.Output)

	workers := make([]*schema.StepDefinition, 0, len(ec.Workflow.Steps)-1)
	for i := range ec.Workflow.Steps {
		if ec.Workflow.Steps[i].Kind != schema.StepKindSupervisor {
			workers = append(workers, &ec.Workflow.Steps[i])
		}
	}

	outcomes := make([]schema.StepOutcome, len(workers))
	pool := NewWorkerPool(e.deps.parallelism)
	for i, worker := range workers {
		idx := i
		step := worker
		err := pool.Submit(ctx, func(ctx context.Context) error {
			outcome, err := e.deps.supervisor.Run(ctx, step, planOutcome.Output, ec)
			outcomes[idx] = outcome
			return err
		})
		if err != nil {
			outcomes[idx] = schema.StepOutcome{Step: step.Name, Error: err.Error()}
		}
	}
	pool.Wait()

	for i := range outcomes {
		res.Results = append(res.Results, outcomes[i])
		if !outcomes[i].Success {
			res.Success = false
		}
		ec.recordOutput(workers[i].Name, outcomes[i].Output)
	}
	return res
}
