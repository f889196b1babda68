package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeio/cascade/pkg/schema"
)

func ledgerResult(id string, completed time.Time) *schema.ExecutionResult {
	return &schema.ExecutionResult{
		ExecutionID: id,
		WorkflowID:  "wf",
		Success:     true,
		CompletedAt: completed,
	}
}

func TestMemoryLedgerPutGet(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Now().UTC()

	require.NoError(t, l.Put(ledgerResult("e1", now)))

	got, err := l.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ExecutionID)

	_, err = l.Get("missing")
	require.Error(t, err)
	serr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestMemoryLedgerRejectsDuplicate(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Now().UTC()

	require.NoError(t, l.Put(ledgerResult("e1", now)))
	err := l.Put(ledgerResult("e1", now))
	require.Error(t, err)
	serr, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, serr.Code)

	size, err := l.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestMemoryLedgerHistoryOrderAndLimit(t *testing.T) {
	l := NewMemoryLedger()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Put(ledgerResult(fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Second))))
	}

	all, err := l.History(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "e4", all[0].ExecutionID, "most recently completed first")
	assert.Equal(t, "e0", all[4].ExecutionID)

	limited, err := l.History(2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "e4", limited[0].ExecutionID)
	assert.Equal(t, "e3", limited[1].ExecutionID)
}

func TestMemoryLedgerPruneByCompletionTime(t *testing.T) {
	l := NewMemoryLedger()
	base := time.Now().UTC()
	require.NoError(t, l.Put(ledgerResult("old1", base.Add(-2*time.Hour))))
	require.NoError(t, l.Put(ledgerResult("old2", base.Add(-90*time.Minute))))
	require.NoError(t, l.Put(ledgerResult("fresh", base)))

	pruned, err := l.Prune(base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	size, err := l.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	_, err = l.Get("old1")
	require.Error(t, err)
	got, err := l.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.ExecutionID)
}
