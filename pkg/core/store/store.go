package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the generic engine behind every typed table in package
// store/tables.go. Rows are addressed by an opaque string primary key and
// persisted as a JSONB blob; this trades per-table SQL schemas (which
// would otherwise be repeated, near-identically, across the dozen+ row
// kinds spec.md §3 names) for one reusable upsert/read/range path, while
// still exercising pgx for every actual I/O call. Per-table writer locks
// give the "writers for the same table are serialized, writers for
// distinct tables proceed in parallel" guarantee; reads go straight to
// the pool and may run with unlimited concurrency.
type Store struct {
	pool  *pgxpool.Pool
	locks sync.Map // table name -> *sync.Mutex
}

// New wraps an existing pgx pool. Call EnsureTable for every table name
// you intend to use before the first Upsert.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) lockFor(table string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(table, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// EnsureTable creates the backing table if it does not already exist.
// Idempotent; safe to call from multiple goroutines.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	if !isValidTableName(table) {
		return &ErrStore{Op: "EnsureTable", Err: fmt.Errorf("invalid table name %q", table)}
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		pk TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return &ErrStore{Op: "EnsureTable", Err: err}
	}
	return nil
}

func isValidTableName(table string) bool {
	if table == "" {
		return false
	}
	for _, r := range table {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Upsert idempotently writes row under pk in table. Concurrent upserts to
// the same table are serialized by a per-table mutex; this is in addition
// to, not a replacement for, Postgres's own row-level locking on the
// conflicting key.
func (s *Store) Upsert(ctx context.Context, table, pk string, row any) error {
	lock := s.lockFor(table)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(row)
	if err != nil {
		return &ErrStore{Op: "Upsert/marshal", Err: err}
	}

	q := fmt.Sprintf(`INSERT INTO %s (pk, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (pk) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, table)
	if _, err := s.pool.Exec(ctx, q, pk, data); err != nil {
		return &ErrStore{Op: "Upsert", Err: err}
	}
	return nil
}

// Get reads the row for pk into dest. Returns *ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, table, pk string, dest any) error {
	q := fmt.Sprintf(`SELECT data FROM %s WHERE pk = $1`, table)
	var raw []byte
	err := s.pool.QueryRow(ctx, q, pk).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Table: table, Key: pk}
		}
		return &ErrStore{Op: "Get", Err: err}
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &ErrStore{Op: "Get/unmarshal", Err: err}
	}
	return nil
}

// QueryPrefix returns the raw JSON payloads of every row whose pk starts
// with prefix, ordered by pk ascending (the row-key convention in
// tables.go places the date/year after the symbol, so this doubles as a
// "by symbol in key order" range scan).
func (s *Store) QueryPrefix(ctx context.Context, table, prefix string, limit int) ([][]byte, error) {
	q := fmt.Sprintf(`SELECT data FROM %s WHERE pk LIKE $1 ORDER BY pk ASC`, table)
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, q, prefix+"%")
	if err != nil {
		return nil, &ErrStore{Op: "QueryPrefix", Err: err}
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, &ErrStore{Op: "QueryPrefix/scan", Err: err}
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

// LatestPrefix returns the raw JSON payload of the row with the
// lexicographically greatest pk among those starting with prefix — the
// "latest row for symbol" query, given pks of the form "SYMBOL|sortable-suffix".
func (s *Store) LatestPrefix(ctx context.Context, table, prefix string) ([]byte, error) {
	q := fmt.Sprintf(`SELECT data FROM %s WHERE pk LIKE $1 ORDER BY pk DESC LIMIT 1`, table)
	var raw []byte
	err := s.pool.QueryRow(ctx, q, prefix+"%").Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Table: table, Key: prefix + "*"}
		}
		return nil, &ErrStore{Op: "LatestPrefix", Err: err}
	}
	return raw, nil
}

// AllPks returns every primary key currently stored in table, sorted.
// Used by components that need to enumerate rows (e.g. watchlist scans).
func (s *Store) AllPks(ctx context.Context, table string) ([]string, error) {
	q := fmt.Sprintf(`SELECT pk FROM %s`, table)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, &ErrStore{Op: "AllPks", Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, &ErrStore{Op: "AllPks/scan", Err: err}
		}
		out = append(out, pk)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// Symbol extracts the leading "SYMBOL" component from a "SYMBOL|rest" pk.
func Symbol(pk string) string {
	if i := strings.IndexByte(pk, '|'); i >= 0 {
		return pk[:i]
	}
	return pk
}
