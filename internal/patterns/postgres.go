package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRepository stores each pattern as one JSONB document keyed by its
// composite key. It expects an existing table:
//
//	patterns(composite_key text primary key, doc jsonb not null,
//	         expires_at timestamptz not null)
//
// Schema management is deployment tooling's job, not this process's.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens the pool and verifies connectivity.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Get(ctx context.Context, key string) (*Pattern, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT doc FROM patterns WHERE composite_key = $1 AND expires_at > now()`,
		key,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pattern get %s: %w", key, err)
	}
	var p Pattern
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("pattern decode %s: %w", key, err)
	}
	return &p, nil
}

func (r *PostgresRepository) Put(ctx context.Context, p *Pattern, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("pattern encode %s: %w", p.CompositeKey, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO patterns (composite_key, doc, expires_at)
		 VALUES ($1, $2, now() + $3::interval)
		 ON CONFLICT (composite_key)
		 DO UPDATE SET doc = EXCLUDED.doc, expires_at = EXCLUDED.expires_at`,
		p.CompositeKey, raw, fmt.Sprintf("%d seconds", int(ttl.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("pattern put %s: %w", p.CompositeKey, err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM patterns WHERE composite_key = $1`, key); err != nil {
		return fmt.Errorf("pattern delete %s: %w", key, err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Pattern, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT doc FROM patterns WHERE expires_at > now()`)
	if err != nil {
		return nil, fmt.Errorf("pattern list: %w", err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("pattern list scan: %w", err)
		}
		var p Pattern
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("pattern list decode: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM patterns`); err != nil {
		return fmt.Errorf("pattern clear: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error { return r.db.Close() }

var _ Repository = (*PostgresRepository)(nil)
