package storage

import (
	"context"
	"maps"
	"sync"
)

// Snapshot is everything a backend holds, as loaded at open time.
type Snapshot struct {
	Version int                 // 0 when nothing was ever stored
	Tables  map[string][][]byte // Table name -> JSON-encoded rows
}

// Backend persists rows. The Store keeps the working set in memory and writes
// through to the backend before applying each change.
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Put(ctx context.Context, table, id string, data []byte) error
	Delete(ctx context.Context, table, id string) error
	SetVersion(ctx context.Context, version int) error
	// Reset removes every row but keeps the stored version.
	Reset(ctx context.Context) error
	Close() error
}

// MemoryBackend keeps rows in process memory. A single instance may be reopened
// by several stores, which is how tests exercise migrations.
type MemoryBackend struct {
	mu      sync.Mutex
	version int
	tables  map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{Version: m.version, Tables: make(map[string][][]byte)}
	for table, rows := range m.tables {
		for _, data := range rows {
			snap.Tables[table] = append(snap.Tables[table], data)
		}
	}
	return snap, nil
}

func (m *MemoryBackend) Put(ctx context.Context, table, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string][]byte)
		m.tables[table] = rows
	}
	rows[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tables[table], id)
	return nil
}

func (m *MemoryBackend) SetVersion(ctx context.Context, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.version = version
	return nil
}

func (m *MemoryBackend) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tables = make(map[string]map[string][]byte)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// Rows returns a copy of one table's raw rows keyed by encoded primary key.
func (m *MemoryBackend) Rows(table string) map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.tables[table])
}
