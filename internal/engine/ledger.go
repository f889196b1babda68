package engine

import (
	"sync"
	"time"

	"github.com/cascadeio/cascade/pkg/schema"
)

// Ledger is the append-once store of finished execution results. Entries are
// immutable after Put; retention pruning keys on completion time.
type Ledger interface {
	// Put records a finished execution. Duplicate execution ids are rejected.
	Put(result *schema.ExecutionResult) error
	// Get returns the result for an execution id, or NOT_FOUND.
	Get(executionID string) (*schema.ExecutionResult, error)
	// History returns up to limit results, most recently completed first.
	// limit <= 0 means all.
	History(limit int) ([]*schema.ExecutionResult, error)
	// Size reports the number of retained results.
	Size() (int, error)
	// Prune removes results completed before the cutoff and reports how many.
	Prune(olderThan time.Time) (int, error)
	// Close releases any backing resources.
	Close() error
}

// MemoryLedger is the default in-process Ledger. Insertion order tracks
// completion order because results are only put once, at completion.
type MemoryLedger struct {
	mu      sync.RWMutex
	byID    map[string]*schema.ExecutionResult
	ordered []*schema.ExecutionResult
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID: make(map[string]*schema.ExecutionResult),
	}
}

func (l *MemoryLedger) Put(result *schema.ExecutionResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byID[result.ExecutionID]; exists {
		return schema.NewErrorf(schema.ErrCodeStore,
			"execution %q already recorded", result.ExecutionID)
	}
	l.byID[result.ExecutionID] = result
	l.ordered = append(l.ordered, result)
	return nil
}

func (l *MemoryLedger) Get(executionID string) (*schema.ExecutionResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result, ok := l.byID[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"execution %q not found", executionID)
	}
	return result, nil
}

func (l *MemoryLedger) History(limit int) ([]*schema.ExecutionResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.ordered)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*schema.ExecutionResult, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.ordered[i])
	}
	return out, nil
}

func (l *MemoryLedger) Size() (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ordered), nil
}

func (l *MemoryLedger) Prune(olderThan time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.ordered[:0]
	pruned := 0
	for _, r := range l.ordered {
		if r.CompletedAt.Before(olderThan) {
			delete(l.byID, r.ExecutionID)
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	// Zero the tail so pruned results are collectable.
	for i := len(kept); i < len(l.ordered); i++ {
		l.ordered[i] = nil
	}
	l.ordered = kept
	return pruned, nil
}

func (l *MemoryLedger) Close() error {
	return nil
}
