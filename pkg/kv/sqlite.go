package kv

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

// SQLite is a Store backed by a single SQLite database file.
//
// The connection pool is pinned to one connection and transactions begin
// IMMEDIATE, so Update is serialized against every other writer.
type SQLite struct {
	db   *sql.DB
	opts *Options
}

var _ Store = (*SQLite)(nil)

// SQLiteOptions configures the SQLite store.
type SQLiteOptions struct {
	Options *Options

	// Path is the database file. ":memory:" keeps everything in memory.
	Path string
}

// NewSQLite opens (creating if needed) a SQLite-backed Store.
func NewSQLite(sopts SQLiteOptions) (*SQLite, error) {
	if sopts.Path == "" {
		return nil, errors.New("kv: SQLiteOptions.Path is required")
	}
	dsn := "file:" + sopts.Path + "?_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create sqlite schema: %w", err)
	}
	return &SQLite{db: db, opts: sopts.Options}, nil
}

func (s *SQLite) Get(ctx context.Context, key Key) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, s.opts.encode(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *SQLite) Set(ctx context.Context, key Key, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		s.opts.encode(key), nonNil(value))
	return err
}

func (s *SQLite) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, s.opts.encode(key))
	return err
}

func (s *SQLite) Update(ctx context.Context, key Key, fn UpdateFunc) error {
	k := s.opts.encode(key)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var old []byte
	err = tx.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, k).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	val, write, err := runUpdate(fn, old)
	if err != nil || !write {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		k, nonNil(val)); err != nil {
		return err
	}
	return tx.Commit()
}

// Txn runs fn inside one IMMEDIATE transaction.
func (s *SQLite) Txn(ctx context.Context, fn TxnFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(&sqliteTxn{ctx: ctx, tx: tx, opts: s.opts}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteTxn struct {
	ctx  context.Context
	tx   *sql.Tx
	opts *Options
}

func (t *sqliteTxn) Get(key Key) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT v FROM kv WHERE k = ?`, t.opts.encode(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (t *sqliteTxn) Set(key Key, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		t.opts.encode(key), nonNil(value))
	return err
}

func (t *sqliteTxn) Delete(key Key) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE k = ?`, t.opts.encode(key))
	return err
}

// List materializes the matching rows before yielding so callers may use
// the store from inside the loop without deadlocking the single connection.
func (s *SQLite) List(ctx context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := s.opts.prefixBytes(prefix)

	return func(yield func(Entry, error) bool) {
		var (
			rows *sql.Rows
			err  error
		)
		if len(p) == 0 {
			rows, err = s.db.QueryContext(ctx, `SELECT k, v FROM kv ORDER BY k`)
		} else {
			rows, err = s.db.QueryContext(ctx,
				`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`, p, upperBound(p))
		}
		if err != nil {
			yield(Entry{}, err)
			return
		}
		var entries []Entry
		for rows.Next() {
			var k, v []byte
			if err := rows.Scan(&k, &v); err != nil {
				rows.Close()
				yield(Entry{}, err)
				return
			}
			entries = append(entries, Entry{Key: s.opts.decode(k), Value: v})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			yield(Entry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *SQLite) BatchSet(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
			s.opts.encode(e.Key), nonNil(e.Value)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) BatchDelete(ctx context.Context, keys []Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, s.opts.encode(key)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// upperBound returns the smallest byte string greater than every string
// with prefix p.
func upperBound(p []byte) []byte {
	ub := bytes.Clone(p)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xFF {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
