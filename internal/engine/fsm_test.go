package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeio/cascade/pkg/schema"
)

func TestExecutionLifecycleHappyPath(t *testing.T) {
	ec := testEC(schema.PatternSequential)
	assert.Equal(t, schema.ExecutionStatusAdmitted, ec.Status())

	require.NoError(t, ec.transition(schema.ExecutionStatusRunning))
	require.NoError(t, ec.transition(schema.ExecutionStatusCompleted))
	assert.Equal(t, schema.ExecutionStatusCompleted, ec.Status())
}

func TestExecutionLifecycleRejectsInvalidTransitions(t *testing.T) {
	ec := testEC(schema.PatternSequential)

	// Cannot finish without running.
	err := ec.transition(schema.ExecutionStatusCompleted)
	require.Error(t, err)

	require.NoError(t, ec.transition(schema.ExecutionStatusRunning))
	require.NoError(t, ec.transition(schema.ExecutionStatusFailed))

	// Terminal states are immutable.
	err = ec.transition(schema.ExecutionStatusRunning)
	require.Error(t, err)
	serr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeFatal, serr.Code)
}
