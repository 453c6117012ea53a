package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"managed-kvstore/internal/managed"
)

// SQLiteConfig is read from the db.sqlite.* settings.
type SQLiteConfig struct {
	Filename    string
	BusyTimeout time.Duration
}

// SQLiteEngine keeps one store in one table of a database file shared by every
// store of the factory.
type SQLiteEngine struct {
	db      *sql.DB
	table   string
	release func()
	closed  atomic.Bool
}

var (
	_ Engine      = (*SQLiteEngine)(nil)
	_ BatchWriter = (*SQLiteEngine)(nil)
	_ Dropper     = (*SQLiteEngine)(nil)
)

func (e *SQLiteEngine) q(format string) string {
	return fmt.Sprintf(format, e.table)
}

func (e *SQLiteEngine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	var value []byte
	err := e.db.QueryRow(e.q(`SELECT v FROM %s WHERE k = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (e *SQLiteEngine) Put(key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	_, err := e.db.Exec(e.q(`INSERT OR REPLACE INTO %s (k, v) VALUES (?, ?)`), key, clone(value))
	return err
}

// PutIfAbsent relies on INSERT OR IGNORE: a zero row count means the key was
// already present. The insert and the read of the existing value share a
// transaction, so the write lock taken by the insert keeps the row in place.
func (e *SQLiteEngine) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrEngineClosed
	}
	tx, err := e.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(e.q(`INSERT OR IGNORE INTO %s (k, v) VALUES (?, ?)`), key, clone(value))
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return nil, false, tx.Commit()
	}

	var existing []byte
	if err := tx.QueryRow(e.q(`SELECT v FROM %s WHERE k = ?`), key).Scan(&existing); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (e *SQLiteEngine) Delete(key []byte) (bool, error) {
	if e.closed.Load() {
		return false, ErrEngineClosed
	}
	res, err := e.db.Exec(e.q(`DELETE FROM %s WHERE k = ?`), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (e *SQLiteEngine) WriteBatch(puts []KeyValue, deletes [][]byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	tx, err := e.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(puts) > 0 {
		stmt, err := tx.Prepare(e.q(`INSERT OR REPLACE INTO %s (k, v) VALUES (?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, item := range puts {
			if _, err := stmt.Exec(item.Key, clone(item.Value)); err != nil {
				return err
			}
		}
	}
	if len(deletes) > 0 {
		stmt, err := tx.Prepare(e.q(`DELETE FROM %s WHERE k = ?`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, key := range deletes {
			if _, err := stmt.Exec(key); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// Scan reads every row before calling fn. The database pool has a single
// connection, so holding the cursor open while fn runs would block other
// operations from fn's caller.
func (e *SQLiteEngine) Scan(fn func(key, value []byte) bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	rows, err := e.db.Query(e.q(`SELECT k, v FROM %s ORDER BY k`))
	if err != nil {
		return err
	}
	var entries []KeyValue
	for rows.Next() {
		var kv KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, kv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, kv := range entries {
		if !fn(kv.Key, kv.Value) {
			break
		}
	}
	return nil
}

func (e *SQLiteEngine) Size() (int64, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	var n int64
	err := e.db.QueryRow(e.q(`SELECT COUNT(*) FROM %s`)).Scan(&n)
	return n, err
}

func (e *SQLiteEngine) Clear() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	_, err := e.db.Exec(e.q(`DELETE FROM %s`))
	return err
}

// Flush checkpoints the write-ahead log into the database file for full modes.
func (e *SQLiteEngine) Flush(mode managed.FlushMode) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !mode.IsFull() {
		return nil
	}
	_, err := e.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Close releases the table. The database handle is shared and closed by the factory.
func (e *SQLiteEngine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.release()
	}
	return nil
}

func (e *SQLiteEngine) Drop() error {
	if e.closed.Load() {
		return nil
	}
	if _, err := e.db.Exec(e.q(`DROP TABLE IF EXISTS %s`)); err != nil {
		return err
	}
	return e.Close()
}

type sqliteFactory struct {
	config SQLiteConfig

	mu sync.Mutex
	db *sql.DB
}

func newSQLiteFactory(o FactoryOptions) *sqliteFactory {
	s := o.Settings
	return &sqliteFactory{config: SQLiteConfig{
		Filename:    s.GetString("db.sqlite.filename", filepath.Join(o.DataPath, "sqlite", "kv.db")),
		BusyTimeout: s.GetDuration("db.sqlite.busy.timeout", 5*time.Second),
	}}
}

func (f *sqliteFactory) Kind() Kind { return SQLite }

// handle opens the shared database on first use. A failed open is not kept, so
// the next Open retries.
func (f *sqliteFactory) handle() (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.db != nil {
		return f.db, nil
	}

	if dir := filepath.Dir(f.config.Filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", f.config.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", f.config.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
		}
	}
	f.db = db
	return db, nil
}

func (f *sqliteFactory) Open(name string) (Engine, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	db, err := f.handle()
	if err != nil {
		return nil, err
	}

	table := `"kv_` + name + `"`
	release, err := processClaims.claim(fileLocation(f.config.Filename) + "#" + table)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`, table)); err != nil {
		release()
		return nil, fmt.Errorf("failed to create table for %s: %w", name, err)
	}
	return &SQLiteEngine{db: db, table: table, release: release}, nil
}

func (f *sqliteFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db = nil
	return err
}
