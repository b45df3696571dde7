package ledger

import (
	"context"
	"sync"

	"keygate/internal/model"
)

// MemoryLedger keeps entries in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []model.UsageLogEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Name() string {
	return "memory"
}

func (l *MemoryLedger) Append(ctx context.Context, entry model.UsageLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *MemoryLedger) ListByKeyIDs(ctx context.Context, keyIDs []string) ([]model.UsageLogEntry, error) {
	want := make(map[string]struct{}, len(keyIDs))
	for _, id := range keyIDs {
		want[id] = struct{}{}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.UsageLogEntry, 0)
	for _, e := range l.entries {
		if _, ok := want[e.KeyID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
