package kv

import (
	"bytes"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/fodinet/fodibank/internal/domain"
)

// SQLite implements Store on a single-table sqlite database. The BLOB
// primary key gives lexicographic ordering for range scans, and sqlite
// transactions give crash-atomic batches. WAL mode with synchronous=FULL
// makes every commit durable, so Flush only has to checkpoint.
type SQLite struct {
	db *sql.DB
}

// Migrations returns the schema statements for the kv table.
// Each string is a single SQL statement (sqlite executes one at a time).
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS kv (
			k BLOB PRIMARY KEY,
			v BLOB NOT NULL
		) WITHOUT ROWID`,
	}
}

// OpenSQLite opens (or creates) the store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrStoreFailure, path, err)
	}
	// Single writer; sqlite serialises anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = FULL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrStoreFailure, pragma, err)
		}
	}
	for _, stmt := range Migrations() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: migrate: %v", domain.ErrStoreFailure, err)
		}
	}
	return &SQLite{db: db}, nil
}

// Get returns the value at key, or (nil, nil) when absent.
func (s *SQLite) Get(key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", domain.ErrStoreFailure, err)
	}
	return v, nil
}

// Put writes a single key.
func (s *SQLite) Put(key, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v
	`, key, value)
	if err != nil {
		return fmt.Errorf("%w: put: %v", domain.ErrStoreFailure, err)
	}
	return nil
}

// Delete removes a single key. Deleting a missing key is not an error.
func (s *SQLite) Delete(key []byte) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrStoreFailure, err)
	}
	return nil
}

// ScanRange visits [start, end) in key order.
func (s *SQLite) ScanRange(start, end []byte, desc bool, fn func(key, value []byte) (bool, error)) error {
	q := `SELECT k, v FROM kv WHERE k >= ?`
	args := []any{start}
	if end != nil {
		q += ` AND k < ?`
		args = append(args, end)
	}
	if desc {
		q += ` ORDER BY k DESC`
	} else {
		q += ` ORDER BY k ASC`
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return fmt.Errorf("%w: scan: %v", domain.ErrStoreFailure, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("%w: scan row: %v", domain.ErrStoreFailure, err)
		}
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: scan: %v", domain.ErrStoreFailure, err)
	}
	return nil
}

// Batch applies all operations in one sqlite transaction.
func (s *SQLite) Batch(ops []Op) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin batch: %v", domain.ErrStoreFailure, err)
	}
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			_, err = tx.Exec(`
				INSERT INTO kv (k, v) VALUES (?, ?)
				ON CONFLICT(k) DO UPDATE SET v = excluded.v
			`, op.Key, op.Value)
		case OpDelete:
			_, err = tx.Exec(`DELETE FROM kv WHERE k = ?`, op.Key)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: batch op: %v", domain.ErrStoreFailure, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", domain.ErrStoreFailure, err)
	}
	return nil
}

// CompareAndSwap implements the conditional put used for job claims.
func (s *SQLite) CompareAndSwap(key, old, next []byte) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("%w: begin cas: %v", domain.ErrStoreFailure, err)
	}
	defer tx.Rollback()

	var cur []byte
	err = tx.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&cur)
	exists := true
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("%w: cas read: %v", domain.ErrStoreFailure, err)
	}

	if exists != (old != nil) || (exists && !bytes.Equal(cur, old)) {
		return false, nil
	}

	if next == nil {
		_, err = tx.Exec(`DELETE FROM kv WHERE k = ?`, key)
	} else {
		_, err = tx.Exec(`
			INSERT INTO kv (k, v) VALUES (?, ?)
			ON CONFLICT(k) DO UPDATE SET v = excluded.v
		`, key, next)
	}
	if err != nil {
		return false, fmt.Errorf("%w: cas write: %v", domain.ErrStoreFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: cas commit: %v", domain.ErrStoreFailure, err)
	}
	return true, nil
}

// Flush forces a WAL checkpoint. Commits are already durable under
// synchronous=FULL; the checkpoint bounds WAL growth and recovery time.
func (s *SQLite) Flush() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("%w: flush: %v", domain.ErrStoreFailure, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
