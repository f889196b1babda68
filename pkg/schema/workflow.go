package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// Pattern selects the control/data-flow strategy for a workflow's steps.
type Pattern string

const (
	PatternSequential    Pattern = "sequential"
	PatternParallel      Pattern = "parallel"
	PatternHierarchical  Pattern = "hierarchical"
	PatternCollaborative Pattern = "collaborative"
)

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindAction        StepKind = "action"
	StepKindCondition     StepKind = "condition"
	StepKindSupervisor    StepKind = "supervisor"
	StepKindParallelGroup StepKind = "parallel_group"
)

// BindingPrevious is the input-binding token that threads the prior step's
// output into the next step. It may be piped into a jq transform:
// "previous | .items[0]".
const BindingPrevious = "previous"

// WorkflowDefinition is an immutable workflow template. Registered once,
// never mutated; a changed definition requires a new ID.
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Pattern     Pattern          `json:"pattern"`
	Steps       []StepDefinition `json:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	InputSchema json.RawMessage  `json:"input_schema,omitempty"` // JSON Schema for submitted input
	CreatedAt   time.Time        `json:"created_at,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	Name      string         `json:"name"`
	Actor     string         `json:"actor"`               // opaque reference, resolved externally
	Action    string         `json:"action"`              // action name forwarded to the transport
	Params    map[string]any `json:"params,omitempty"`    // static parameters
	Input     string         `json:"input,omitempty"`     // binding: "" | "previous" | "previous | <jq>"
	Condition string         `json:"condition,omitempty"` // CEL expression, or "expr:"-prefixed expr-lang
	Retry     *RetryPolicy   `json:"retry,omitempty"`     // nil = engine default
	Timeout   string         `json:"timeout,omitempty"`   // e.g. "30s"; empty = engine default
	Kind      StepKind       `json:"kind,omitempty"`      // default: action
}

// RetryPolicy bounds re-attempts of a failed step. A step runs at most
// 1 + Max times.
type RetryPolicy struct {
	Max int `json:"max"`
}

// ExecutionResult is the outcome record of one workflow execution.
// Written at most once into the ledger, immutable thereafter.
type ExecutionResult struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Success     bool           `json:"success"`
	Results     []StepOutcome  `json:"results"`
	Error       *Error         `json:"error,omitempty"` // set only when the execution is aborted
	DurationMs  int64          `json:"duration_ms"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"` // e.g. collaborative shared-state snapshot
}

// StepOutcome summarizes one step of an execution.
type StepOutcome struct {
	Step     string `json:"step"`
	Success  bool   `json:"success"`
	Output   any    `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// SupervisorStep returns the single supervisor step of a hierarchical
// workflow, or nil if none is declared.
func (w *WorkflowDefinition) SupervisorStep() *StepDefinition {
	for i := range w.Steps {
		if w.Steps[i].Kind == StepKindSupervisor {
			return &w.Steps[i]
		}
	}
	return nil
}

// MaxAttempts returns the total attempt budget for the step given the
// engine-wide default retry bound.
func (s *StepDefinition) MaxAttempts(defaultRetries int) int {
	if s.Retry != nil {
		return 1 + s.Retry.Max
	}
	return 1 + defaultRetries
}

// ParseBinding splits an input-binding expression into its "previous" token
// and optional jq transform. Valid forms: "", "previous",
// "previous | <jq expression>".
func ParseBinding(binding string) (usesPrevious bool, transform string, err error) {
	b := strings.TrimSpace(binding)
	if b == "" {
		return false, "", nil
	}
	if b == BindingPrevious {
		return true, "", nil
	}
	rest, ok := strings.CutPrefix(b, BindingPrevious)
	if !ok || !strings.HasPrefix(strings.TrimSpace(rest), "|") {
		return false, "", NewErrorf(ErrCodeValidation,
			"invalid input binding %q: must be %q or %q followed by a jq transform",
			binding, BindingPrevious, BindingPrevious+" | <expr>")
	}
	transform = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "|"))
	if transform == "" {
		return false, "", NewErrorf(ErrCodeValidation,
			"invalid input binding %q: empty transform after pipe", binding)
	}
	return true, transform, nil
}
