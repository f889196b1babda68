package validation

import (
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/cascadeio/cascade/pkg/schema"
)

// WorkflowValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Pattern semantics (supervisor cardinality, bindings, name uniqueness)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the pattern stage is skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	if err := wv.jsonSchema.ValidateDefinition(def); err != nil {
		if serr, ok := err.(*schema.Error); ok {
			result.AddError("/", serr.Code, serr.Message)
		} else {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
		}
		return result
	}

	result.Merge(validatePattern(def))
	return result
}

// ValidateDefinition runs Validate and collapses the result to an error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validatePattern checks the constraints JSON Schema cannot express:
// step name uniqueness, timeout parseability, binding syntax, and the
// per-pattern structural rules.
func validatePattern(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]struct{}, len(def.Steps))
	supervisors := 0

	for i, step := range def.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if _, dup := seen[step.Name]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = struct{}{}

		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				result.AddError(path+"/timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", step.Timeout))
			}
		}

		usesPrevious, transform, err := schema.ParseBinding(step.Input)
		if err != nil {
			result.AddError(path+"/input", schema.ErrCodeValidation, err.Error())
		} else if transform != "" {
			if _, parseErr := gojq.Parse(transform); parseErr != nil {
				result.AddError(path+"/input", schema.ErrCodeValidation,
					fmt.Sprintf("invalid jq transform %q: %s", transform, parseErr.Error()))
			}
		}

		if usesPrevious && def.Pattern == schema.PatternParallel {
			result.AddError(path+"/input", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: %q binding is not permitted under the parallel pattern", step.Name, schema.BindingPrevious))
		}
		if step.Input != "" && def.Pattern == schema.PatternCollaborative {
			result.AddWarning(path+"/input", schema.ErrCodeValidation,
				fmt.Sprintf("step %q: input binding is ignored under the collaborative pattern; steps receive the shared state", step.Name))
		}

		if step.Kind == schema.StepKindSupervisor {
			supervisors++
			if def.Pattern != schema.PatternHierarchical {
				result.AddError(path+"/kind", schema.ErrCodeValidation,
					fmt.Sprintf("step %q: supervisor steps are only valid under the hierarchical pattern", step.Name))
			}
		}
	}

	if def.Pattern == schema.PatternHierarchical && supervisors != 1 {
		result.AddError("/steps", schema.ErrCodeValidation,
			fmt.Sprintf("hierarchical workflow must declare exactly one supervisor step, found %d", supervisors))
	}

	return result
}
