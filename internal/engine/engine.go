package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cascadeio/cascade/internal/expressions"
	"github.com/cascadeio/cascade/internal/logging"
	"github.com/cascadeio/cascade/internal/streaming"
	"github.com/cascadeio/cascade/internal/transport"
	"github.com/cascadeio/cascade/internal/validation"
	"github.com/cascadeio/cascade/pkg/schema"
)

// Config tunes the engine's concurrency, retry and retention behavior.
// Zero values fall back to defaults.
type Config struct {
	// MaxConcurrent caps in-flight executions; submissions beyond the cap are
	// rejected, never queued.
	MaxConcurrent int
	// DefaultStepTimeout bounds a single step attempt when the step declares
	// no timeout of its own.
	DefaultStepTimeout time.Duration
	// DefaultRetries is the retry budget for steps without a declared policy.
	DefaultRetries int
	// BackoffBase and BackoffCap shape the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// LedgerRetention is how long finished results stay queryable, keyed on
	// completion time.
	LedgerRetention time.Duration
	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration
	// Breaker configures per-actor circuit breaking.
	Breaker BreakerConfig

	// Ledger overrides the default in-memory result store.
	Ledger Ledger
	// Emitter receives the lifecycle event trail. Defaults to a no-op.
	Emitter streaming.Emitter
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      8,
		DefaultStepTimeout: 30 * time.Second,
		DefaultRetries:     0,
		BackoffBase:        100 * time.Millisecond,
		BackoffCap:         5 * time.Second,
		LedgerRetention:    time.Hour,
		SweepInterval:      time.Minute,
		Breaker:            DefaultBreakerConfig(),
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = def.DefaultStepTimeout
	}
	if c.DefaultRetries < 0 {
		c.DefaultRetries = def.DefaultRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = def.BackoffCap
	}
	if c.LedgerRetention <= 0 {
		c.LedgerRetention = def.LedgerRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker = def.Breaker
	}
	if c.Ledger == nil {
		c.Ledger = NewMemoryLedger()
	}
	if c.Emitter == nil {
		c.Emitter = streaming.NopEmitter{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	Definitions      int `json:"definitions"`
	ActiveExecutions int `json:"active_executions"`
	MaxConcurrent    int `json:"max_concurrent"`
	LedgerSize       int `json:"ledger_size"`
}

// Engine is the workflow execution core: it registers immutable workflow
// definitions, admits executions under a hard concurrency ceiling, dispatches
// them to the pattern executor, and records results in the ledger.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	validator *validation.WorkflowValidator
	ledger    Ledger
	emitter   streaming.Emitter
	executors map[schema.Pattern]PatternExecutor

	mu          sync.Mutex
	definitions map[string]*schema.WorkflowDefinition
	active      int
	closed      bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds an engine around the given actor resolver.
func New(resolver transport.ActorResolver, cfg Config) (*Engine, error) {
	cfg.normalize()

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}
	conditions, err := expressions.NewConditions()
	if err != nil {
		return nil, fmt.Errorf("build condition engines: %w", err)
	}

	breakers := NewBreakerRegistry(cfg.Breaker)
	invoker := NewInvoker(resolver, conditions, breakers, cfg.DefaultStepTimeout, cfg.Logger)
	supervisor := NewRetrySupervisor(invoker, cfg.Emitter, cfg.DefaultRetries, cfg.BackoffBase, cfg.BackoffCap, cfg.Logger)

	deps := &executorDeps{
		supervisor:  supervisor,
		jq:          expressions.NewJQEngine(),
		parallelism: cfg.MaxConcurrent,
	}

	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger,
		validator: validator,
		ledger:    cfg.Ledger,
		emitter:   cfg.Emitter,
		executors: map[schema.Pattern]PatternExecutor{
			schema.PatternSequential:    NewSequentialExecutor(deps),
			schema.PatternParallel:      NewParallelExecutor(deps),
			schema.PatternHierarchical:  NewHierarchicalExecutor(deps),
			schema.PatternCollaborative: NewCollaborativeExecutor(deps),
		},
		definitions: make(map[string]*schema.WorkflowDefinition),
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}

	go e.sweepLoop()
	return e, nil
}

// Register validates and stores a workflow definition. Definitions are
// immutable: re-registering an existing id is an error, changed workflows
// need a new id.
func (e *Engine) Register(def *schema.WorkflowDefinition) error {
	if err := e.validator.ValidateDefinition(def); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return schema.NewError(schema.ErrCodeFatal, "engine is closed")
	}
	if _, exists := e.definitions[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q already registered, definitions are immutable", def.ID)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	e.definitions[def.ID] = def
	e.logger.Info("workflow registered",
		slog.String("workflow_id", def.ID),
		slog.String("pattern", string(def.Pattern)),
		slog.Int("steps", len(def.Steps)))
	return nil
}

// Definition returns a registered workflow, or NOT_FOUND.
func (e *Engine) Definition(workflowID string) (*schema.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.definitions[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %q not registered", workflowID)
	}
	return def, nil
}

// Submit runs a registered workflow to completion and returns its result.
// It blocks for the duration of the execution; the returned error covers
// admission, lookup and input validation failures only, execution failures
// live inside the result.
func (e *Engine) Submit(ctx context.Context, workflowID string, input any) (*schema.ExecutionResult, error) {
	def, err := e.Definition(workflowID)
	if err != nil {
		return nil, err
	}
	if len(def.InputSchema) > 0 {
		if err := e.validator.ValidateInput(input, def.InputSchema); err != nil {
			return nil, err
		}
	}
	return e.run(ctx, def, input)
}

// SubmitDefinition validates and runs an unregistered, one-shot definition.
func (e *Engine) SubmitDefinition(ctx context.Context, def *schema.WorkflowDefinition, input any) (*schema.ExecutionResult, error) {
	if err := e.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if len(def.InputSchema) > 0 {
		if err := e.validator.ValidateInput(input, def.InputSchema); err != nil {
			return nil, err
		}
	}
	return e.run(ctx, def, input)
}

func (e *Engine) run(ctx context.Context, def *schema.WorkflowDefinition, input any) (*schema.ExecutionResult, error) {
	executionID := uuid.NewString()
	ctx = logging.WithExecutionID(ctx, executionID)

	if err := e.admit(); err != nil {
		e.emitter.Emit(schema.Event{
			ExecutionID: executionID,
			WorkflowID:  def.ID,
			Type:        schema.EventExecutionRejected,
			Payload:     map[string]any{"error": err.Error()},
		})
		e.logger.WarnContext(ctx, "execution rejected at admission",
			slog.String("workflow_id", def.ID))
		return nil, err
	}
	defer e.release()

	ec := newExecutionContext(executionID, def, input)
	if err := ec.transition(schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	e.emitter.Emit(schema.Event{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		Type:        schema.EventExecutionStarted,
	})
	e.logger.InfoContext(ctx, "execution started",
		slog.String("workflow_id", def.ID),
		slog.String("pattern", string(def.Pattern)))

	started := time.Now()
	res := e.execute(ctx, def, ec)
	stamp(res, started)

	status := schema.ExecutionStatusCompleted
	eventType := schema.EventExecutionCompleted
	if !res.Success {
		status = schema.ExecutionStatusFailed
		eventType = schema.EventExecutionFailed
	}
	if err := ec.transition(status); err != nil {
		e.logger.ErrorContext(ctx, "lifecycle transition failed", slog.String("error", err.Error()))
	}
	e.emitter.Emit(schema.Event{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		Type:        eventType,
		Payload:     map[string]any{"success": res.Success, "duration_ms": res.DurationMs},
	})

	if err := e.ledger.Put(res); err != nil {
		e.logger.ErrorContext(ctx, "ledger write failed", slog.String("error", err.Error()))
	}
	e.logger.InfoContext(ctx, "execution finished",
		slog.String("workflow_id", def.ID),
		slog.Bool("success", res.Success),
		slog.Int64("duration_ms", res.DurationMs))
	return res, nil
}

// execute dispatches to the pattern executor, converting a panic anywhere in
// the execution path into a failed result rather than a crashed engine.
func (e *Engine) execute(ctx context.Context, def *schema.WorkflowDefinition, ec *ExecutionContext) (res *schema.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "execution panicked", slog.Any("panic", r))
			res = abort(newResult(ec), schema.NewErrorf(schema.ErrCodeFatal,
				"execution panicked: %v", r))
		}
	}()

	executor, ok := e.executors[def.Pattern]
	if !ok {
		// Validation enforces the pattern enum; reaching here is a bug.
		return abort(newResult(ec), schema.NewErrorf(schema.ErrCodeFatal,
			"no executor for pattern %q", def.Pattern))
	}
	return executor.Execute(ctx, ec)
}

// admit reserves an execution slot or rejects with CAPACITY_ERROR. The
// engine never queues: the caller decides whether to retry.
func (e *Engine) admit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return schema.NewError(schema.ErrCodeFatal, "engine is closed")
	}
	if e.active >= e.cfg.MaxConcurrent {
		return schema.NewErrorf(schema.ErrCodeCapacity,
			"concurrency limit reached (%d in flight)", e.active).
			WithDetails(map[string]any{"max_concurrent": e.cfg.MaxConcurrent})
	}
	e.active++
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
}

// Result returns a finished execution's result from the ledger.
func (e *Engine) Result(executionID string) (*schema.ExecutionResult, error) {
	return e.ledger.Get(executionID)
}

// History returns up to limit results, most recently completed first.
func (e *Engine) History(limit int) ([]*schema.ExecutionResult, error) {
	return e.ledger.History(limit)
}

// Stats reports current engine activity.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	definitions := len(e.definitions)
	active := e.active
	e.mu.Unlock()

	size, err := e.ledger.Size()
	if err != nil {
		e.logger.Error("ledger size failed", slog.String("error", err.Error()))
	}
	return Stats{
		Definitions:      definitions,
		ActiveExecutions: active,
		MaxConcurrent:    e.cfg.MaxConcurrent,
		LedgerSize:       size,
	}
}

// sweepLoop prunes results whose completion time fell out of the retention
// window.
func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.LedgerRetention)
			pruned, err := e.ledger.Prune(cutoff)
			if err != nil {
				e.logger.Error("ledger sweep failed", slog.String("error", err.Error()))
				continue
			}
			if pruned > 0 {
				e.logger.Info("ledger sweep", slog.Int("pruned", pruned))
			}
		case <-e.sweepStop:
			return
		}
	}
}

// Close stops the retention sweep and releases the ledger. In-flight
// executions finish; new submissions are rejected.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.sweepStop)
	<-e.sweepDone
	return e.ledger.Close()
}
