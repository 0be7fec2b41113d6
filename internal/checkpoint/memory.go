package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

type ledgerKey struct {
	partition string
	sort      string
}

// MemoryLedger is an in-process Ledger. It serializes commits with a mutex,
// giving the same compare-and-set semantics as the durable backends.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[ledgerKey]Record
	now     func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[ledgerKey]Record),
		now:     time.Now,
	}
}

func (l *MemoryLedger) Get(_ context.Context, partitionKey, sortKey string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[ledgerKey{partitionKey, sortKey}]
	if !ok {
		return nil, notFoundError(partitionKey, sortKey)
	}
	return &rec, nil
}

func (l *MemoryLedger) Commit(_ context.Context, partitionKey, sortKey string, proposed Record) error {
	if err := validateKeys(partitionKey, sortKey); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{partitionKey, sortKey}
	var stored *Record
	if rec, ok := l.records[key]; ok {
		stored = &rec
	}
	if !Advances(stored, proposed) {
		return staleError(partitionKey, sortKey, proposed)
	}

	proposed.PartitionKey = partitionKey
	proposed.SortKey = sortKey
	proposed.UpdatedAt = l.now().UTC()
	l.records[key] = proposed
	return nil
}

// List returns every stored record ordered by partition and sort key.
func (l *MemoryLedger) List(context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartitionKey != out[j].PartitionKey {
			return out[i].PartitionKey < out[j].PartitionKey
		}
		return out[i].SortKey < out[j].SortKey
	})
	return out, nil
}
