package store

import (
	"context"
	"sync"
)

type memRow struct {
	index string
	value []byte
}

// Memory is an in-process Store. It is the default for tests and for
// single-device deployments that persist through File.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]memRow
	closed bool
}

func NewMemory() *Memory {
	m := &Memory{tables: make(map[string]map[string]memRow, len(Tables))}
	for _, t := range Tables {
		m.tables[t] = map[string]memRow{}
	}
	return m
}

func (m *Memory) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	row, ok := m.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), row.value...), nil
}

func (m *Memory) Put(ctx context.Context, table, key, index string, value []byte) error {
	if err := validTable(table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tables[table][key] = memRow{index: index, value: append([]byte(nil), value...)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, table, key string) error {
	if err := validTable(table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.tables[table], key)
	return nil
}

func (m *Memory) GetAll(ctx context.Context, table string) ([]Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(m.tables[table]))
	for k, row := range m.tables[table] {
		out = append(out, Record{Key: k, Index: row.index, Value: append([]byte(nil), row.value...)})
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) ScanIndex(ctx context.Context, table, min, max string) ([]Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Record
	for k, row := range m.tables[table] {
		if row.index < min || row.index > max {
			continue
		}
		out = append(out, Record{Key: k, Index: row.index, Value: append([]byte(nil), row.value...)})
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// snapshot copies every table; caller must hold at least the read lock.
func (m *Memory) snapshotLocked() map[string][]fileRow {
	out := make(map[string][]fileRow, len(m.tables))
	for t, rows := range m.tables {
		list := make([]fileRow, 0, len(rows))
		for k, row := range rows {
			list = append(list, fileRow{Key: k, Index: row.index, Value: row.value})
		}
		out[t] = list
	}
	return out
}
