// Package store is the keyed persistence layer shared by every sync component.
// Values are opaque bytes (JSON in practice); each row may carry one secondary
// index string that ScanIndex range-scans lexicographically.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"mailsync/pkg/metrics"
)

// 表名
const (
	TableThreads     = "threads"
	TableOps         = "ops"
	TableJournal     = "journal"
	TableSnoozeQueue = "snoozeQueue"
	TableSettings    = "settings"
)

// Tables 所有表
var Tables = []string{TableThreads, TableOps, TableJournal, TableSnoozeQueue, TableSettings}

var (
	ErrNotFound     = errors.New("store: record not found")
	ErrUnknownTable = errors.New("store: unknown table")
	ErrClosed       = errors.New("store: closed")
)

// Record 一行数据
type Record struct {
	Key   string
	Index string
	Value []byte
}

// Store is the keyed store contract required by the sync engine.
type Store interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	// Put inserts or replaces a row. index may be empty.
	Put(ctx context.Context, table, key, index string, value []byte) error
	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, table, key string) error
	GetAll(ctx context.Context, table string) ([]Record, error)
	// ScanIndex returns rows with min <= index <= max ordered by (index, key).
	ScanIndex(ctx context.Context, table, min, max string) ([]Record, error)
	Close() error
}

func validTable(table string) error {
	for _, t := range Tables {
		if t == table {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownTable, table)
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Index != records[j].Index {
			return records[i].Index < records[j].Index
		}
		return records[i].Key < records[j].Key
	})
}

// IndexMax is an upper bound greater than any index produced by this module.
const IndexMax = "\U0010FFFF"

// Instrumented records per-operation latency into Prometheus.
type Instrumented struct {
	Store
}

func Instrument(s Store) *Instrumented {
	return &Instrumented{Store: s}
}

func (s *Instrumented) Get(ctx context.Context, table, key string) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("get", table, time.Since(start)) }()
	return s.Store.Get(ctx, table, key)
}

func (s *Instrumented) Put(ctx context.Context, table, key, index string, value []byte) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("put", table, time.Since(start)) }()
	return s.Store.Put(ctx, table, key, index, value)
}

func (s *Instrumented) Delete(ctx context.Context, table, key string) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("delete", table, time.Since(start)) }()
	return s.Store.Delete(ctx, table, key)
}

func (s *Instrumented) GetAll(ctx context.Context, table string) ([]Record, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("get_all", table, time.Since(start)) }()
	return s.Store.GetAll(ctx, table)
}

func (s *Instrumented) ScanIndex(ctx context.Context, table, min, max string) ([]Record, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("scan_index", table, time.Since(start)) }()
	return s.Store.ScanIndex(ctx, table, min, max)
}
