package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailsync/pkg/otel"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS mailsync_records (
	tbl        TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	idx        TEXT        NOT NULL DEFAULT '',
	value      JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tbl, key)
);
CREATE INDEX IF NOT EXISTS mailsync_records_idx ON mailsync_records (tbl, idx COLLATE "C", key);
`

// Postgres stores every table in one jsonb-valued relation keyed by (tbl, key).
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres 创建存储并确保表结构存在
func NewPostgres(ctx context.Context, db *pgxpool.Pool) (*Postgres, error) {
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate mailsync_records: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	query := `SELECT value FROM mailsync_records WHERE tbl = $1 AND key = $2`
	var value []byte
	err := otel.QueryRow(ctx, "select", query, func(ctx context.Context) error {
		return p.db.QueryRow(ctx, query, table, key).Scan(&value)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, key, err)
	}
	return value, nil
}

func (p *Postgres) Put(ctx context.Context, table, key, index string, value []byte) error {
	if err := validTable(table); err != nil {
		return err
	}
	query := `
		INSERT INTO mailsync_records (tbl, key, idx, value, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tbl, key) DO UPDATE
		SET idx = EXCLUDED.idx, value = EXCLUDED.value, updated_at = NOW()
	`
	err := otel.Exec(ctx, "upsert", query, func(ctx context.Context) error {
		_, err := p.db.Exec(ctx, query, table, key, index, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", table, key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, table, key string) error {
	if err := validTable(table); err != nil {
		return err
	}
	query := `DELETE FROM mailsync_records WHERE tbl = $1 AND key = $2`
	err := otel.Exec(ctx, "delete", query, func(ctx context.Context) error {
		_, err := p.db.Exec(ctx, query, table, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (p *Postgres) GetAll(ctx context.Context, table string) ([]Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	query := `
		SELECT key, idx, value FROM mailsync_records
		WHERE tbl = $1
		ORDER BY idx COLLATE "C", key COLLATE "C"
	`
	return p.query(ctx, query, table)
}

func (p *Postgres) ScanIndex(ctx context.Context, table, min, max string) ([]Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	query := `
		SELECT key, idx, value FROM mailsync_records
		WHERE tbl = $1 AND idx COLLATE "C" >= $2 AND idx COLLATE "C" <= $3
		ORDER BY idx COLLATE "C", key COLLATE "C"
	`
	return p.query(ctx, query, table, min, max)
}

func (p *Postgres) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	var out []Record
	err := otel.Query(ctx, "select", query, func(ctx context.Context) error {
		rows, err := p.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r Record
			if err := rows.Scan(&r.Key, &r.Index, &r.Value); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return out, nil
}

// Close 连接池由调用方负责关闭
func (p *Postgres) Close() error {
	return nil
}
