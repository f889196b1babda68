package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cascadeio/cascade/internal/expressions"
	"github.com/cascadeio/cascade/internal/logging"
	"github.com/cascadeio/cascade/internal/transport"
	"github.com/cascadeio/cascade/pkg/schema"
)

// Invoker calls the external collaborator for a single step attempt. It
// resolves the actor, merges static params with the step's resolved input,
// and races the call against the step timeout.
type Invoker struct {
	resolver   transport.ActorResolver
	conditions *expressions.Conditions
	breakers   *BreakerRegistry
	timeout    time.Duration // default step timeout
	logger     *slog.Logger
}

// NewInvoker creates an Invoker.
func NewInvoker(resolver transport.ActorResolver, conditions *expressions.Conditions, breakers *BreakerRegistry, defaultTimeout time.Duration, logger *slog.Logger) *Invoker {
	return &Invoker{
		resolver:   resolver,
		conditions: conditions,
		breakers:   breakers,
		timeout:    defaultTimeout,
		logger:     logger,
	}
}

// Invoke performs one attempt of the step. The bool result reports a skip:
// the step's condition evaluated false, the collaborator was not called, and
// the attempt counts as success.
func (inv *Invoker) Invoke(ctx context.Context, step *schema.StepDefinition, input any, ec *ExecutionContext) (any, bool, error) {
	ctx = logging.WithStep(logging.WithActor(ctx, step.Actor), step.Name)

	if step.Condition != "" {
		ok, err := inv.conditions.EvaluateBool(ctx, step.Condition, ec.conditionScope(input))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			inv.logger.DebugContext(ctx, "condition false, step skipped")
			return nil, true, nil
		}
	}

	if err := inv.breakers.Allow(step.Actor); err != nil {
		return nil, false, err
	}

	handle, err := inv.resolver.Resolve(step.Actor)
	if err != nil {
		inv.breakers.RecordFailure(step.Actor)
		return nil, false, schema.NewErrorf(schema.ErrCodeInvocation,
			"resolve actor %q: %s", step.Actor, err.Error()).
			WithStep(step.Name).WithCause(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.stepTimeout(step))
	defer cancel()

	output, err := call(callCtx, handle, step.Action, mergeParams(step.Params, input))
	if err != nil {
		inv.breakers.RecordFailure(step.Actor)
		return nil, false, inv.classify(ctx, callCtx, step, err)
	}

	inv.breakers.RecordSuccess(step.Actor)
	return output, false, nil
}

// call runs the transport in its own goroutine so a timed-out attempt does
// not block on an unresponsive collaborator. Cancellation of the underlying
// call is best-effort via the context; we never wait for it to acknowledge.
func call(ctx context.Context, handle transport.Transport, action string, params map[string]any) (any, error) {
	type callResult struct {
		output any
		err    error
	}
	resCh := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- callResult{err: schema.NewErrorf(schema.ErrCodeFatal,
					"transport panicked: %v", r)}
			}
		}()
		out, err := handle.Call(ctx, action, params)
		resCh <- callResult{output: out, err: err}
	}()

	select {
	case res := <-resCh:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify maps a transport-level error into the engine's taxonomy: timeout
// when the step deadline elapsed, cancellation when the caller went away,
// invocation failure otherwise.
func (inv *Invoker) classify(ctx, callCtx context.Context, step *schema.StepDefinition, err error) error {
	switch {
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
			WithStep(step.Name).WithCause(err)

	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		inv.logger.WarnContext(ctx, "step attempt timed out",
			slog.String("timeout", inv.stepTimeout(step).String()))
		return schema.NewErrorf(schema.ErrCodeTimeout,
			"step %q timed out after %s", step.Name, inv.stepTimeout(step)).
			WithStep(step.Name).WithCause(err)

	default:
		var serr *schema.Error
		if errors.As(err, &serr) {
			return serr.WithStep(step.Name)
		}
		return schema.NewErrorf(schema.ErrCodeInvocation,
			"invoke %q on actor %q: %s", step.Action, step.Actor, err.Error()).
			WithStep(step.Name).WithCause(err)
	}
}

// stepTimeout returns the step's declared timeout or the engine default.
// Unparseable declarations are rejected at validation time.
func (inv *Invoker) stepTimeout(step *schema.StepDefinition) time.Duration {
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return inv.timeout
}

// mergeParams combines a step's static parameters with its resolved input.
// Map inputs merge key-by-key (input wins on conflict); any other non-nil
// input is passed under the "input" key.
func mergeParams(params map[string]any, input any) map[string]any {
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	switch in := input.(type) {
	case nil:
	case map[string]any:
		for k, v := range in {
			merged[k] = v
		}
	default:
		merged["input"] = in
	}
	return merged
}
