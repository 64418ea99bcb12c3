package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_status_updated_idx ON %[1]s (status, updated_at DESC);
`

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	// URL is the connection string (postgres://...).
	URL string

	// Table holding the records. Default: "records".
	Table string

	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32

	// OpTimeout bounds each store call. Default: 5s.
	OpTimeout time.Duration
}

// DefaultPostgresConfig returns configuration with sensible defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Table:     "records",
		OpTimeout: 5 * time.Second,
	}
}

// PostgresStore implements Store on a Postgres table. Each decision runs in
// its own transaction with the row locked by SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	opTO  time.Duration
	opts  options
}

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, opts ...Option) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url required")
	}
	def := DefaultPostgresConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{cfg.Table}.Sanitize(),
		opTO:  cfg.OpTimeout,
		opts:  buildOptions(opts),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the records table and index if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schema, s.table)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Claim inserts the record unless the id already exists.
func (s *PostgresStore) Claim(ctx context.Context, r *Record) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTO)
	defer cancel()

	c, err := newClaimed(r, s.opts.now())
	if err != nil {
		return false, err
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, status, doc, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`, s.table),
		c.ID, string(c.Status), doc, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", c.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the record.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTO)
	defer cancel()

	var doc []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.table), id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return decode(doc)
}

// Mutate locks the row, applies fn and writes the result in one transaction.
func (s *PostgresStore) Mutate(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTO)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1 FOR UPDATE`, s.table), id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock %s: %w", id, err)
	}
	current, err := decode(doc)
	if err != nil {
		return nil, err
	}

	next, err := apply(current, fn, s.opts.now())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	out, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $2, doc = $3, updated_at = $4 WHERE id = $1`, s.table),
		id, string(next.Status), out, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s: %w", id, err)
	}
	return next, nil
}

// List returns matching records, newest first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTO)
	defer cancel()

	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	var before *time.Time
	if !f.UpdatedBefore.IsZero() {
		before = &f.UpdatedBefore
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT doc FROM %s
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1::text[]))
		  AND ($2::timestamptz IS NULL OR updated_at < $2::timestamptz)
		ORDER BY updated_at DESC
		LIMIT $3`, s.table), statuses, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func decode(doc []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}
