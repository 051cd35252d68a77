package optionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres is a Store backed by a single options table, for deployments where
// several service instances must see the same run state. Keys are the table's
// primary key, values are JSONB.
type Postgres struct {
	db *sql.DB
}

const createOptionsTable = `
CREATE TABLE IF NOT EXISTS import_options (
	key   TEXT PRIMARY KEY,
	value JSONB NOT NULL
)`

// OpenPostgres connects with the given DSN and ensures the options table
// exists.
func OpenPostgres(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(createOptionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create options table: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM import_options WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select option %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode option %q: %w", key, err)
	}
	return true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode option %q: %w", key, err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO import_options (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, raw)
	if err != nil {
		return fmt.Errorf("upsert option %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM import_options WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete option %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM import_options WHERE key LIKE $1 || '%'`, prefix); err != nil {
		return fmt.Errorf("delete options under %q: %w", prefix, err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }
