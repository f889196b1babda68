package engine

import "github.com/cascadeio/cascade/pkg/schema"

// ValidExecutionTransitions defines the allowed lifecycle transitions for an
// execution: admitted -> running -> {completed | failed}.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusAdmitted:  {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}

// transition moves the execution to a new lifecycle state, rejecting
// transitions outside the table. Pattern executor activity is only permitted
// in the running state; an execution that has left running is immutable.
func (ec *ExecutionContext) transition(to schema.ExecutionStatus) error {
	allowed := ValidExecutionTransitions[ec.status]
	for _, a := range allowed {
		if a == to {
			ec.status = to
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeFatal,
		"invalid execution transition: %s -> %s", ec.status, to).
		WithDetails(map[string]any{"execution_id": ec.ExecutionID})
}

// Status returns the execution's current lifecycle state.
func (ec *ExecutionContext) Status() schema.ExecutionStatus {
	return ec.status
}
