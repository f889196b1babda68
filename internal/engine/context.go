package engine

import (
	"time"

	"github.com/cascadeio/cascade/pkg/schema"
)

// ExecutionContext is the per-run value bag. It is owned exclusively by one
// in-flight execution and is never shared across executions.
type ExecutionContext struct {
	ExecutionID string
	Workflow    *schema.WorkflowDefinition
	Input       any // submitted input, nil when none

	status schema.ExecutionStatus

	// outputs accumulates completed step outputs by name. Written only by
	// the single goroutine driving sequential/collaborative order, or under
	// the pattern executor's own collection discipline for concurrent
	// patterns (never concurrently with reads).
	outputs map[string]any

	// previous is the last recorded step output (sequential pattern).
	previous any

	// shared is the collaborative pattern's shared state. Mutated only by
	// the strictly-serialized collaborative step order, so it carries no
	// lock; that property must be preserved if the pattern is ever
	// parallelized.
	shared *SharedState
}

// newExecutionContext allocates a context for one admitted execution.
func newExecutionContext(id string, wf *schema.WorkflowDefinition, input any) *ExecutionContext {
	ec := &ExecutionContext{
		ExecutionID: id,
		Workflow:    wf,
		Input:       input,
		status:      schema.ExecutionStatusAdmitted,
		outputs:     make(map[string]any, len(wf.Steps)),
	}
	if wf.Pattern == schema.PatternCollaborative {
		ec.shared = newSharedState()
	}
	return ec
}

// recordOutput stores a completed step's output for condition scopes and
// "previous" bindings.
func (ec *ExecutionContext) recordOutput(step string, output any) {
	ec.outputs[step] = output
	ec.previous = output
}

// conditionScope builds the evaluation scope for a step's condition.
func (ec *ExecutionContext) conditionScope(input any) map[string]any {
	scope := map[string]any{
		"input":    input,
		"previous": ec.previous,
		"steps":    ec.outputs,
	}
	if ec.shared != nil {
		scope["shared"] = ec.shared.Outputs
	}
	return scope
}

// SharedState is the collaborative pattern's execution-scoped structure:
// accumulated step outputs plus an append-only message log.
type SharedState struct {
	Outputs  map[string]any  `json:"outputs"`
	Messages []SharedMessage `json:"messages"`
}

// SharedMessage is one append-only log entry contributed by a step.
type SharedMessage struct {
	Step      string    `json:"step"`
	Content   any       `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newSharedState() *SharedState {
	return &SharedState{Outputs: make(map[string]any)}
}

// Append records a step's contribution: its output keyed by step name plus a
// log entry.
func (s *SharedState) Append(step string, output any) {
	s.Outputs[step] = output
	s.Messages = append(s.Messages, SharedMessage{
		Step:      step,
		Content:   output,
		Timestamp: time.Now().UTC(),
	})
}

// AsInput renders the shared state as the input value handed to each
// collaborative step.
func (s *SharedState) AsInput() map[string]any {
	return map[string]any{
		"outputs":  s.Outputs,
		"messages": s.Messages,
	}
}

// Snapshot returns the shared state for result metadata.
func (s *SharedState) Snapshot() map[string]any {
	return s.AsInput()
}
