package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeio/cascade/internal/transport"
	"github.com/cascadeio/cascade/pkg/schema"
)

func testEngine(t *testing.T, reg *transport.Registry, mut func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if mut != nil {
		mut(&cfg)
	}
	e, err := New(reg, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func step(name, actor, action string) schema.StepDefinition {
	return schema.StepDefinition{Name: name, Actor: actor, Action: action}
}

func workflow(id string, pattern schema.Pattern, steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{ID: id, Pattern: pattern, Steps: steps}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	return serr.Code
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	reg := transport.NewRegistry()
	e := testEngine(t, reg, nil)

	def := workflow("wf-dup", schema.PatternSequential, step("a", "actor", "do"))
	require.NoError(t, e.Register(def))

	err := e.Register(workflow("wf-dup", schema.PatternSequential, step("b", "actor", "do")))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	e := testEngine(t, transport.NewRegistry(), nil)

	_, err := e.Submit(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, errCode(t, err))
}

func TestSequentialPreviousBindingWithTransform(t *testing.T) {
	reg := transport.NewRegistry()
	var stored any
	reg.Register("fetcher", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		return map[string]any{"items": []any{"first", "second"}}, nil
	}))
	reg.Register("transformer", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		// Receives the jq-projected first item under "input".
		return params["input"], nil
	}))
	reg.Register("store", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		stored = params["input"]
		return "ok", nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-pipeline", schema.PatternSequential,
		step("fetch", "fetcher", "fetch"),
		schema.StepDefinition{Name: "transform", Actor: "transformer", Action: "transform", Input: "previous | .items[0]"},
		schema.StepDefinition{Name: "store", Actor: "store", Action: "store", Input: "previous"},
	)
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-pipeline", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "first", stored)
	assert.Equal(t, []string{"fetch", "transform", "store"},
		[]string{res.Results[0].Step, res.Results[1].Step, res.Results[2].Step})
}

func TestSequentialRetriesThenAborts(t *testing.T) {
	reg := transport.NewRegistry()
	var calls atomic.Int32
	reg.Register("flaky", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}))
	var afterCalls atomic.Int32
	reg.Register("never", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		afterCalls.Add(1)
		return nil, nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-retry", schema.PatternSequential,
		schema.StepDefinition{Name: "flaky", Actor: "flaky", Action: "do", Retry: &schema.RetryPolicy{Max: 2}},
		step("after", "never", "do"),
	)
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-retry", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Results, 1)
	assert.Equal(t, 3, res.Results[0].Attempts)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 0, afterCalls.Load(), "step after abort must not run")
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeInvocation, res.Error.Code)
}

func TestConditionSkipIsSuccessAndNotRetried(t *testing.T) {
	reg := transport.NewRegistry()
	var calls atomic.Int32
	reg.Register("actor", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		calls.Add(1)
		return "ran", nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-skip", schema.PatternSequential,
		schema.StepDefinition{Name: "maybe", Actor: "actor", Action: "do",
			Condition: "1 > 2", Retry: &schema.RetryPolicy{Max: 5}},
		step("always", "actor", "do"),
	)
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-skip", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Skipped)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, 1, res.Results[0].Attempts)
	assert.EqualValues(t, 1, calls.Load(), "skipped step must not reach the actor")
}

func TestStepTimeoutProducesTimeoutError(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("slow", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-timeout", schema.PatternSequential,
		schema.StepDefinition{Name: "slow", Actor: "slow", Action: "do", Timeout: "10ms"},
	)
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-timeout", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeTimeout, res.Error.Code)
}

func TestParallelEachStepInvokedOnce(t *testing.T) {
	reg := transport.NewRegistry()
	var mu sync.Mutex
	calls := map[string]int{}
	reg.Register("actor", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		mu.Lock()
		calls[action]++
		mu.Unlock()
		return action, nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-par", schema.PatternParallel,
		step("a", "actor", "a"), step("b", "actor", "b"), step("c", "actor", "c"))
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-par", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Results, 3)
	// Declaration order regardless of completion order.
	assert.Equal(t, "a", res.Results[0].Step)
	assert.Equal(t, "b", res.Results[1].Step)
	assert.Equal(t, "c", res.Results[2].Step)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, calls)
}

func TestParallelPartialFailure(t *testing.T) {
	reg := transport.NewRegistry()
	var bCalls atomic.Int32
	reg.Register("good", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		return "ok", nil
	}))
	reg.Register("bad", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		bCalls.Add(1)
		return nil, errors.New("down")
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-par-fail", schema.PatternParallel,
		step("a", "good", "do"),
		schema.StepDefinition{Name: "b", Actor: "bad", Action: "do", Retry: &schema.RetryPolicy{Max: 2}},
	)
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-par-fail", nil)
	require.NoError(t, err)
	assert.False(t, res.Success, "success only when every step succeeded")
	assert.Nil(t, res.Error, "sibling failure does not abort the execution")
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.Equal(t, 3, res.Results[1].Attempts)
	assert.EqualValues(t, 3, bCalls.Load())
}

func TestHierarchicalSupervisorFailureSkipsWorkers(t *testing.T) {
	reg := transport.NewRegistry()
	var workerCalls atomic.Int32
	reg.Register("boss", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		return nil, errors.New("cannot plan")
	}))
	reg.Register("worker", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		workerCalls.Add(1)
		return "done", nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-hier-fail", schema.PatternHierarchical,
		schema.StepDefinition{Name: "plan", Actor: "boss", Action: "plan",
			Kind: schema.StepKindSupervisor, Retry: &schema.RetryPolicy{Max: 4}},
		step("w1", "worker", "do"),
		step("w2", "worker", "do"),
	)
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-hier-fail", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	require.Len(t, res.Results, 1, "workers must never be invoked")
	assert.Equal(t, 1, res.Results[0].Attempts, "supervisor gets a single attempt")
	assert.EqualValues(t, 0, workerCalls.Load())
}

func TestHierarchicalFanOut(t *testing.T) {
	reg := transport.NewRegistry()
	var mu sync.Mutex
	workerInputs := map[string]any{}
	reg.Register("boss", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		return map[string]any{"assignment": "split"}, nil
	}))
	reg.Register("worker", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		mu.Lock()
		workerInputs[action] = params["assignment"]
		mu.Unlock()
		return action + "-done", nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-hier", schema.PatternHierarchical,
		schema.StepDefinition{Name: "plan", Actor: "boss", Action: "plan", Kind: schema.StepKindSupervisor},
		step("w1", "worker", "w1"),
		step("w2", "worker", "w2"),
	)
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-hier", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "plan", res.Results[0].Step)
	assert.Equal(t, "w1", res.Results[1].Step)
	assert.Equal(t, "w2", res.Results[2].Step)
	assert.Equal(t, map[string]any{"w1": "split", "w2": "split"}, workerInputs,
		"supervisor output fans out to every worker")
}

func TestCollaborativeSharedState(t *testing.T) {
	reg := transport.NewRegistry()
	var mu sync.Mutex
	seenOutputs := map[string]int{}
	reg.Register("peer", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		mu.Lock()
		outputs, _ := params["outputs"].(map[string]any)
		seenOutputs[action] = len(outputs)
		mu.Unlock()
		return action + "-said", nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-collab", schema.PatternCollaborative,
		step("s1", "peer", "s1"), step("s2", "peer", "s2"), step("s3", "peer", "s3"))
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-collab", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Each step sees the contributions of all prior steps.
	assert.Equal(t, map[string]int{"s1": 0, "s2": 1, "s3": 2}, seenOutputs)

	require.NotNil(t, res.Metadata)
	snapshot, ok := res.Metadata["shared_state"].(map[string]any)
	require.True(t, ok)
	outputs := snapshot["outputs"].(map[string]any)
	messages := snapshot["messages"].([]SharedMessage)
	assert.Len(t, outputs, 3)
	assert.Len(t, messages, 3, "every completed step appends exactly one entry")
	assert.Equal(t, "s1", messages[0].Step)
	assert.Equal(t, "s3", messages[2].Step)
}

func TestAdmissionRejectsOverCapacity(t *testing.T) {
	reg := transport.NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	reg.Register("blocker", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		if first.CompareAndSwap(true, false) {
			close(started)
			<-release
		}
		return "ok", nil
	}))

	e := testEngine(t, reg, func(c *Config) { c.MaxConcurrent = 1 })
	def := workflow("wf-cap", schema.PatternSequential, step("block", "blocker", "do"))
	require.NoError(t, e.Register(def))

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := e.Submit(context.Background(), "wf-cap", nil)
		assert.NoError(t, err)
		assert.True(t, res.Success)
	}()
	<-started

	_, err := e.Submit(context.Background(), "wf-cap", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapacity, errCode(t, err))

	close(release)
	<-done

	// Slot released: the next submission is admitted again.
	res, err := e.Submit(context.Background(), "wf-cap", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSubmitValidatesInputSchema(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("actor", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		return "ok", nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-input", schema.PatternSequential, step("a", "actor", "do"))
	def.InputSchema = []byte(`{"type":"object","required":["name"]}`)
	require.NoError(t, e.Register(def))

	_, err := e.Submit(context.Background(), "wf-input", map[string]any{"other": 1})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))

	res, err := e.Submit(context.Background(), "wf-input", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestResultsRecordedInLedger(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("actor", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		return "ok", nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-ledger", schema.PatternSequential, step("a", "actor", "do"))
	require.NoError(t, e.Register(def))

	first, err := e.Submit(context.Background(), "wf-ledger", nil)
	require.NoError(t, err)
	second, err := e.Submit(context.Background(), "wf-ledger", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)

	got, err := e.Result(first.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, got.ExecutionID)

	history, err := e.History(0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ExecutionID, history[0].ExecutionID, "most recent first")

	stats := e.Stats()
	assert.Equal(t, 1, stats.Definitions)
	assert.Equal(t, 2, stats.LedgerSize)
	assert.Equal(t, 0, stats.ActiveExecutions)
}

func TestSubmitDefinitionOneShot(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("actor", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		return "ok", nil
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-oneshot", schema.PatternSequential, step("a", "actor", "do"))

	res, err := e.SubmitDefinition(context.Background(), def, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Not registered as a side effect.
	_, err = e.Submit(context.Background(), "wf-oneshot", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, errCode(t, err))
}

func TestExecutionPanicBecomesFailedResult(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("panicky", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		panic("kaboom")
	}))

	e := testEngine(t, reg, nil)
	def := workflow("wf-panic", schema.PatternSequential, step("a", "panicky", "do"))
	require.NoError(t, e.Register(def))

	res, err := e.Submit(context.Background(), "wf-panic", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeFatal, res.Error.Code)

	// Engine still serves new work after a panic.
	reg.Register("fine", transport.Func(func(ctx context.Context, action string, params map[string]any) (any, error) {
		return "ok", nil
	}))
	require.NoError(t, e.Register(workflow("wf-after", schema.PatternSequential, step("a", "fine", "do"))))
	res, err = e.Submit(context.Background(), "wf-after", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}
