package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cascadeio/cascade/pkg/schema"
)

// Submitter is the interface the scheduler uses to run workflows.
// Satisfied by the engine (avoids import cycle).
type Submitter interface {
	Submit(ctx context.Context, workflowID string, input any) (*schema.ExecutionResult, error)
}

// Binding ties a registered workflow to a cron expression. Bindings live in
// memory alongside the definitions they trigger.
type Binding struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	Input          map[string]any `json:"input,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
}

// Scheduler fires cron-bound workflow submissions on a fixed tick.
type Scheduler struct {
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration

	mu       sync.Mutex
	bindings map[string]*Binding
	cancel   context.CancelFunc
	done     chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // binding IDs currently executing (dedup)
}

// NewScheduler creates a Scheduler with the standard 60s tick.
func NewScheduler(submitter Submitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  60 * time.Second,
		bindings:  make(map[string]*Binding),
		inflight:  make(map[string]struct{}),
	}
}

// Bind schedules a workflow on a cron expression and returns the binding id.
func (s *Scheduler) Bind(workflowID, cronExpr string, input map[string]any) (string, error) {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}

	b := &Binding{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Input:          input,
		Enabled:        true,
		NextRunAt:      &next,
	}

	s.mu.Lock()
	s.bindings[b.ID] = b
	s.mu.Unlock()

	s.logger.Info("workflow bound to schedule",
		slog.String("binding_id", b.ID),
		slog.String("workflow_id", workflowID),
		slog.String("cron", cronExpr))
	return b.ID, nil
}

// Unbind removes a binding.
func (s *Scheduler) Unbind(bindingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[bindingID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "binding %q not found", bindingID)
	}
	delete(s.bindings, bindingID)
	return nil
}

// Bindings returns a snapshot of all bindings.
func (s *Scheduler) Bindings() []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		copied := *b
		out = append(out, &copied)
	}
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled binding that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Binding, 0)
	for _, b := range s.bindings {
		if b.Enabled && b.NextRunAt != nil && !b.NextRunAt.After(now) {
			due = append(due, b)
		}
	}
	s.mu.Unlock()

	for _, b := range due {
		if !s.tryAcquire(b.ID) {
			continue // previous run still in flight (dedup)
		}
		s.runBinding(ctx, b, now)
		s.release(b.ID)
	}
}

// runBinding submits the bound workflow and records the run outcome. A
// capacity rejection counts as an error run; the next tick tries again.
func (s *Scheduler) runBinding(ctx context.Context, b *Binding, now time.Time) {
	s.logger.Info("running scheduled workflow",
		slog.String("binding_id", b.ID),
		slog.String("workflow_id", b.WorkflowID))

	status := "success"
	res, err := s.submitter.Submit(ctx, b.WorkflowID, inputOrNil(b.Input))
	switch {
	case err != nil:
		status = "error"
		s.logger.Error("scheduled submission failed",
			slog.String("binding_id", b.ID),
			slog.String("error", err.Error()))
	case !res.Success:
		status = "failed"
	}

	next, err := s.CalculateNextRun(b.CronExpression, now)
	if err != nil {
		// Bind validated the expression; a parse failure here disables the binding.
		s.logger.Error("cron recalculation failed, disabling binding",
			slog.String("binding_id", b.ID),
			slog.String("error", err.Error()))
		s.mu.Lock()
		b.Enabled = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	runAt := now
	b.LastRunAt = &runAt
	b.NextRunAt = &next
	b.LastRunStatus = status
	s.mu.Unlock()
}

// tryAcquire returns true and marks the binding as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(bindingID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[bindingID]; ok {
		return false
	}
	s.inflight[bindingID] = struct{}{}
	return true
}

func (s *Scheduler) release(bindingID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, bindingID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler. It waits for the loop (and any
// binding it is mid-way through) to finish, so the mutex must not be held
// while waiting: runBinding takes it to record the run outcome.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}

func inputOrNil(input map[string]any) any {
	if input == nil {
		return nil
	}
	return input
}
