package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeio/cascade/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator()
	require.NoError(t, err)
	return wv
}

func validSequential() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "seq-1",
		Pattern: schema.PatternSequential,
		Steps: []schema.StepDefinition{
			{Name: "fetch", Actor: "svc://data", Action: "fetch"},
			{Name: "transform", Actor: "svc://data", Action: "transform", Input: "previous"},
		},
	}
}

func TestValidate_ValidDefinition(t *testing.T) {
	wv := newValidator(t)
	result := wv.Validate(validSequential())
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidate_NilDefinition(t *testing.T) {
	wv := newValidator(t)
	assert.False(t, wv.Validate(nil).Valid())
}

func TestValidate_NoSteps(t *testing.T) {
	wv := newValidator(t)
	def := &schema.WorkflowDefinition{ID: "empty", Pattern: schema.PatternSequential}
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_UnknownPattern(t *testing.T) {
	wv := newValidator(t)
	def := validSequential()
	def.Pattern = "round_robin"
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_DuplicateStepNames(t *testing.T) {
	wv := newValidator(t)
	def := validSequential()
	def.Steps[1].Name = "fetch"
	def.Steps[1].Input = ""
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_ParallelRejectsPreviousBinding(t *testing.T) {
	wv := newValidator(t)
	def := &schema.WorkflowDefinition{
		ID:      "par-1",
		Pattern: schema.PatternParallel,
		Steps: []schema.StepDefinition{
			{Name: "a", Actor: "svc://a", Action: "run"},
			{Name: "b", Actor: "svc://b", Action: "run", Input: "previous"},
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "parallel")
}

func TestValidate_HierarchicalSupervisorCardinality(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID:      "hier-1",
		Pattern: schema.PatternHierarchical,
		Steps: []schema.StepDefinition{
			{Name: "plan", Actor: "svc://lead", Action: "plan", Kind: schema.StepKindSupervisor},
			{Name: "work-a", Actor: "svc://a", Action: "run"},
		},
	}

	wv := newValidator(t)
	assert.True(t, wv.Validate(def).Valid())

	// No supervisor.
	def.Steps[0].Kind = schema.StepKindAction
	assert.False(t, wv.Validate(def).Valid())

	// Two supervisors.
	def.Steps[0].Kind = schema.StepKindSupervisor
	def.Steps[1].Kind = schema.StepKindSupervisor
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_SupervisorOutsideHierarchical(t *testing.T) {
	wv := newValidator(t)
	def := validSequential()
	def.Steps[0].Kind = schema.StepKindSupervisor
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_BindingSyntax(t *testing.T) {
	wv := newValidator(t)

	def := validSequential()
	def.Steps[1].Input = "previous | .items[0]"
	assert.True(t, wv.Validate(def).Valid())

	def.Steps[1].Input = "previous | .items[" // unparseable jq
	assert.False(t, wv.Validate(def).Valid())

	def.Steps[1].Input = "next" // unknown token
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_CollaborativeBindingWarns(t *testing.T) {
	wv := newValidator(t)
	def := &schema.WorkflowDefinition{
		ID:      "collab-1",
		Pattern: schema.PatternCollaborative,
		Steps: []schema.StepDefinition{
			{Name: "a", Actor: "svc://a", Action: "run", Input: "previous"},
			{Name: "b", Actor: "svc://b", Action: "run"},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
}

func TestValidate_InvalidTimeout(t *testing.T) {
	wv := newValidator(t)
	def := validSequential()
	def.Steps[0].Timeout = "5 parsecs"
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_TimeoutAcceptsGoDurations(t *testing.T) {
	wv := newValidator(t)

	// Everything time.ParseDuration takes must pass, compound and
	// fractional forms included.
	for _, timeout := range []string{"30s", "1m30s", "1.5s", "100ms", "2h45m"} {
		def := validSequential()
		def.Steps[0].Timeout = timeout
		assert.True(t, wv.Validate(def).Valid(), "timeout %q should validate", timeout)
	}
}

func TestValidateInput_Schema(t *testing.T) {
	wv := newValidator(t)
	inputSchema := []byte(`{
		"type": "object",
		"required": ["n"],
		"properties": {"n": {"type": "integer"}}
	}`)

	assert.NoError(t, wv.ValidateInput(map[string]any{"n": 5}, inputSchema))
	assert.Error(t, wv.ValidateInput(map[string]any{"n": "five"}, inputSchema))
	assert.Error(t, wv.ValidateInput(map[string]any{}, inputSchema))

	// No schema, no validation.
	assert.NoError(t, wv.ValidateInput(map[string]any{"anything": true}, nil))
}
