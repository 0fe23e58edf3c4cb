package ledger

import (
	"context"
	"sync"

	hverr "github.com/opaque/hevec/pkg/errors"
)

// MemoryLedger is an in-memory ledger for tests and throwaway stores.
// Scans return records in first-insertion order.
type MemoryLedger struct {
	mu      sync.RWMutex
	ready   bool
	closed  bool
	order   []string
	records map[string]Record
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemory creates an empty in-memory ledger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (m *MemoryLedger) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed()
	}
	m.ready = true
	return nil
}

func (m *MemoryLedger) Put(ctx context.Context, records ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usable(); err != nil {
		return err
	}
	for i, r := range records {
		if len(r.Key) == 0 || len(r.ID) == 0 || len(r.Vector) == 0 {
			return hverr.New(hverr.CodeStorageDatabaseFailure, "record is missing a required column", hverr.FieldIndex(i))
		}
	}

	for _, r := range records {
		k := string(r.Key)
		if _, ok := m.records[k]; !ok {
			m.order = append(m.order, k)
		}
		m.records[k] = cloneRecord(r)
	}
	return nil
}

func (m *MemoryLedger) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errClosed()
	}
	return int64(len(m.records)), nil
}

func (m *MemoryLedger) ScanAll(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.usable(); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, cloneRecord(m.records[k]))
	}
	return out, nil
}

func (m *MemoryLedger) IDs(ctx context.Context) ([][]byte, error) {
	records, err := m.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([][]byte, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids, nil
}

func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryLedger) usable() error {
	if m.closed {
		return errClosed()
	}
	if !m.ready {
		return hverr.New(hverr.CodeStorageDatabaseFailure, "ledger schema not initialized")
	}
	return nil
}

func errClosed() error {
	return hverr.New(hverr.CodeStorageDatabaseFailure, "ledger is closed")
}

func cloneRecord(r Record) Record {
	return Record{
		Key:    append([]byte(nil), r.Key...),
		ID:     append([]byte(nil), r.ID...),
		Vector: append([]byte(nil), r.Vector...),
		Text:   cloneBytes(r.Text),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
