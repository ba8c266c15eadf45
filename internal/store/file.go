package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileRow struct {
	Key   string          `json:"key"`
	Index string          `json:"index,omitempty"`
	Value json.RawMessage `json:"value"`
}

type fileState struct {
	Tables map[string][]fileRow `json:"tables"`
}

// File is a Memory store that rewrites a JSON snapshot on every mutation
// (write to a temp file, then rename).
// Values must be valid JSON.
type File struct {
	*Memory
	path   string
	saveMu sync.Mutex
}

func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: empty file path")
	}
	f := &File{Memory: NewMemory(), path: path}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Put(ctx context.Context, table, key, index string, value []byte) error {
	if err := f.Memory.Put(ctx, table, key, index, value); err != nil {
		return err
	}
	return f.save()
}

func (f *File) Delete(ctx context.Context, table, key string) error {
	if err := f.Memory.Delete(ctx, table, key); err != nil {
		return err
	}
	return f.save()
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for table, rows := range state.Tables {
		if validTable(table) != nil {
			continue
		}
		for _, row := range rows {
			f.tables[table][row.Key] = memRow{index: row.Index, value: []byte(row.Value)}
		}
	}
	return nil
}

func (f *File) save() error {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()
	f.mu.RLock()
	state := fileState{Tables: f.snapshotLocked()}
	data, err := json.Marshal(state)
	f.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
