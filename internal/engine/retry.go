package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cascadeio/cascade/internal/streaming"
	"github.com/cascadeio/cascade/pkg/schema"
)

// RetrySupervisor drives a step to completion within its attempt budget.
// Only transient failures (timeouts, invocation errors) are re-attempted;
// everything else fails the step on the first occurrence. Skips consume the
// attempt and count as success.
type RetrySupervisor struct {
	invoker        *Invoker
	emitter        streaming.Emitter
	defaultRetries int
	backoffBase    time.Duration
	backoffCap     time.Duration
	logger         *slog.Logger
}

// NewRetrySupervisor creates a supervisor wired to the given invoker.
func NewRetrySupervisor(invoker *Invoker, emitter streaming.Emitter, defaultRetries int, backoffBase, backoffCap time.Duration, logger *slog.Logger) *RetrySupervisor {
	return &RetrySupervisor{
		invoker:        invoker,
		emitter:        emitter,
		defaultRetries: defaultRetries,
		backoffBase:    backoffBase,
		backoffCap:     backoffCap,
		logger:         logger,
	}
}

// Run executes the step until it succeeds, is skipped, exhausts its attempt
// budget, or hits a non-retryable error. The returned outcome always carries
// the number of attempts actually consumed; the error is the terminal failure
// (nil on success or skip) for executors that abort on it.
func (rs *RetrySupervisor) Run(ctx context.Context, step *schema.StepDefinition, input any, ec *ExecutionContext) (schema.StepOutcome, error) {
	maxAttempts := step.MaxAttempts(rs.defaultRetries)

	rs.emit(ec, step.Name, schema.EventStepStarted, nil)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, skipped, err := rs.invoker.Invoke(ctx, step, input, ec)
		if err == nil {
			if skipped {
				rs.emit(ec, step.Name, schema.EventStepSkipped, nil)
				return schema.StepOutcome{
					Step:     step.Name,
					Success:  true,
					Skipped:  true,
					Attempts: attempt,
				}, nil
			}
			rs.emit(ec, step.Name, schema.EventStepCompleted, map[string]any{"attempts": attempt})
			return schema.StepOutcome{
				Step:     step.Name,
				Success:  true,
				Output:   output,
				Attempts: attempt,
			}, nil
		}

		lastErr = err
		if !retryable(err) || attempt == maxAttempts {
			rs.emit(ec, step.Name, schema.EventStepFailed, map[string]any{
				"attempts": attempt,
				"error":    err.Error(),
			})
			return schema.StepOutcome{
				Step:     step.Name,
				Error:    err.Error(),
				Attempts: attempt,
			}, err
		}

		delay := rs.backoff(attempt)
		rs.logger.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		rs.emit(ec, step.Name, schema.EventStepRetrying, map[string]any{
			"attempt":    attempt,
			"next_delay": delay.String(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			cancelErr := schema.NewError(schema.ErrCodeCancelled, "execution cancelled during backoff").
				WithStep(step.Name).WithCause(ctx.Err())
			rs.emit(ec, step.Name, schema.EventStepFailed, map[string]any{
				"attempts": attempt,
				"error":    cancelErr.Error(),
			})
			return schema.StepOutcome{
				Step:     step.Name,
				Error:    cancelErr.Error(),
				Attempts: attempt,
			}, cancelErr
		}
	}

	// Unreachable: the loop always returns on its final attempt.
	return schema.StepOutcome{Step: step.Name, Error: lastErr.Error(), Attempts: maxAttempts}, lastErr
}

// backoff returns the delay before attempt n+1: base doubled per prior
// attempt, capped.
func (rs *RetrySupervisor) backoff(attempt int) time.Duration {
	delay := rs.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= rs.backoffCap {
			return rs.backoffCap
		}
	}
	if delay > rs.backoffCap {
		return rs.backoffCap
	}
	return delay
}

func retryable(err error) bool {
	var serr *schema.Error
	if errors.As(err, &serr) {
		return serr.IsRetryable()
	}
	return false
}

func (rs *RetrySupervisor) emit(ec *ExecutionContext, step, eventType string, payload map[string]any) {
	rs.emitter.Emit(schema.Event{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.Workflow.ID,
		Step:        step,
		Type:        eventType,
		Payload:     payload,
	})
}
