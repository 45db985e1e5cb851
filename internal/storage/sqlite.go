package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ratelimitd/limitador/internal/limit"
)

// SQLite is a durable single-node CounterStorage backend, backed by
// modernc.org/sqlite (pure Go, no cgo — the same driver choice the teacher
// uses for its own local database). CheckAndUpdate runs as a single
// transaction per call: SQLite serializes writers, so the read-then-write
// pass inside one transaction is equivalent in effect to the locking a
// `SELECT ... FOR UPDATE` would provide on a row-locking engine.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if absent) the counters database at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid pool contention

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate sqlite schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

const schemaDDL = `
CREATE TABLE IF NOT EXISTS counters (
	key        BLOB PRIMARY KEY,
	namespace  TEXT NOT NULL,
	max_value  INTEGER NOT NULL,
	seconds    INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_counters_namespace ON counters(namespace);
`

func (s *SQLite) AddLimit(ctx context.Context, l limit.Limit) error {
	return nil // limits themselves are not persisted; only their counters are
}

// CheckAndUpdate implements the §4.3 contract as one transaction: read the
// current row (or treat it as a fresh window) for every counter, reject the
// whole batch if any would exceed its max, otherwise upsert every row.
func (s *SQLite) CheckAndUpdate(ctx context.Context, counters []limit.Counter, delta uint64, loadCounters bool) (Authorization, []CounterState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Authorization{}, nil, wrapUnavailable(err)
	}
	defer tx.Rollback()

	now := s.now()

	type row struct {
		key       []byte
		count     uint64
		expiresAt int64
		fresh     bool
	}
	rows := make([]row, len(counters))
	var authz Authorization

	for i, c := range counters {
		key := c.Key()
		var count uint64
		var expiresAt int64
		err := tx.QueryRowContext(ctx, `SELECT count, expires_at FROM counters WHERE key = ?`, key).Scan(&count, &expiresAt)
		switch {
		case err == sql.ErrNoRows:
			rows[i] = row{key: key, count: 0, expiresAt: now.Add(time.Duration(c.Limit.Seconds) * time.Second).Unix(), fresh: true}
		case err != nil:
			return Authorization{}, nil, wrapUnavailable(err)
		case now.Unix() >= expiresAt:
			rows[i] = row{key: key, count: 0, expiresAt: now.Add(time.Duration(c.Limit.Seconds) * time.Second).Unix(), fresh: true}
		default:
			rows[i] = row{key: key, count: count, expiresAt: expiresAt}
		}

		if rows[i].count+delta > c.Limit.Max {
			if !authz.Limited {
				authz = Limited(c.Limit.Namespace)
			}
		}
	}

	if authz.Limited {
		var states []CounterState
		if loadCounters {
			states = make([]CounterState, len(counters))
			for i, c := range counters {
				states[i] = CounterState{Counter: c, Count: rows[i].count, ExpiresAt: rows[i].expiresAt}
			}
		}
		if err := tx.Commit(); err != nil {
			return Authorization{}, nil, wrapUnavailable(err)
		}
		return authz, states, nil
	}

	states := make([]CounterState, 0, len(counters))
	for i, c := range counters {
		newCount := rows[i].count + delta
		_, err := tx.ExecContext(ctx, `
			INSERT INTO counters (key, namespace, max_value, seconds, count, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET count = excluded.count, expires_at = excluded.expires_at
		`, rows[i].key, c.Limit.Namespace, c.Limit.Max, c.Limit.Seconds, newCount, rows[i].expiresAt)
		if err != nil {
			return Authorization{}, nil, wrapUnavailable(err)
		}
		if loadCounters {
			states = append(states, CounterState{Counter: c, Count: newCount, ExpiresAt: rows[i].expiresAt})
		}
	}

	if err := tx.Commit(); err != nil {
		return Authorization{}, nil, wrapUnavailable(err)
	}
	return Ok(), states, nil
}

func (s *SQLite) GetCounters(ctx context.Context, limits []limit.Limit) ([]CounterState, error) {
	// A counter key starts with its limit's identity encoding: the identity
	// key minus the trailing 8-byte length of its empty assignment.
	prefixes := make([][]byte, 0, len(limits))
	for _, l := range limits {
		id := limitIdentityKey(l)
		prefixes = append(prefixes, []byte(id[:len(id)-8]))
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, namespace, max_value, seconds, count, expires_at FROM counters`)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()

	var out []CounterState
	for rows.Next() {
		var key []byte
		var namespace string
		var max, seconds, count uint64
		var expiresAt int64
		if err := rows.Scan(&key, &namespace, &max, &seconds, &count, &expiresAt); err != nil {
			return nil, wrapUnavailable(err)
		}
		matched := false
		for _, p := range prefixes {
			if bytes.HasPrefix(key, p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		out = append(out, CounterState{
			Counter:   limit.NewCounter(limit.New(namespace, max, seconds, nil, nil), nil),
			Count:     count,
			ExpiresAt: expiresAt,
		})
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteCounters(ctx context.Context, limits []limit.Limit) error {
	for _, l := range limits {
		id := limitIdentityKey(l)
		prefix := []byte(id[:len(id)-8]) // identity prefix shared by every counter key of l
		if _, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE substr(key, 1, ?) = ?`, len(prefix), prefix); err != nil {
			return wrapUnavailable(err)
		}
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM counters`); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}
