// Package sqlite implements an optional persistent host.Storage backend
// over github.com/mattn/go-sqlite3, for deployments that want PUT_VALUE
// records to survive a restart rather than living only in recordstore's
// in-memory map. Grounded on the teacher's dht.NetDB (dht/netdb.go,
// dht/sql.go): same sql.Open/Exec/Prepare bootstrap sequence, generalized
// from NetDB's entry/seed schema to a flat key/value/expiration table.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/recordstore"
)

// Store is a host.Storage backed by a sqlite database file.
type Store struct {
	conn *sql.DB

	stmtUpsert *sql.Stmt
	stmtQuery  *sql.Stmt
	stmtDelete *sql.Stmt
}

// Open opens (creating if necessary) a sqlite database at path and
// prepares the record store's schema and statements.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	if _, err := conn.Exec(sqlCreateRecordsTable); err != nil {
		return nil, fmt.Errorf("sqlite: create table: %w", err)
	}
	if _, err := conn.Exec(sqlIndexExpiration); err != nil {
		return nil, fmt.Errorf("sqlite: create index: %w", err)
	}

	s := &Store{conn: conn}

	if s.stmtUpsert, err = conn.Prepare(sqlUpsertRecord); err != nil {
		return nil, fmt.Errorf("sqlite: prepare upsert: %w", err)
	}
	if s.stmtQuery, err = conn.Prepare(sqlQueryRecord); err != nil {
		return nil, fmt.Errorf("sqlite: prepare query: %w", err)
	}
	if s.stmtDelete, err = conn.Prepare(sqlDeleteExpired); err != nil {
		return nil, fmt.Errorf("sqlite: prepare delete: %w", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.conn.Close()
}

// PutValue implements host.Storage, storing value under key with an
// expiration 36 hours from now (the same as config.Default's recordTtl);
// PutValueWithExpiration takes an explicit expiration instead.
func (s *Store) PutValue(key kadid.Key, value []byte) error {
	return s.PutValueWithExpiration(key, value, time.Now().Add(36*time.Hour))
}

// PutValueWithExpiration stores value under key with an explicit absolute
// expiration instant.
func (s *Store) PutValueWithExpiration(key kadid.Key, value []byte, expiration time.Time) error {
	if len(value) > recordstore.MaxValueSize {
		return recordstore.ErrValueTooLarge
	}
	_, err := s.stmtUpsert.Exec([]byte(key), value, expiration.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: put: %w", err)
	}
	return nil
}

// GetValue implements host.Storage, returning recordstore.ErrNotFound for
// missing or expired records so callers can treat the two backends
// interchangeably.
func (s *Store) GetValue(key kadid.Key) ([]byte, time.Time, error) {
	var value []byte
	var expUnix int64
	err := s.stmtQuery.QueryRow([]byte(key)).Scan(&value, &expUnix)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, recordstore.ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("sqlite: get: %w", err)
	}

	expiration := time.Unix(expUnix, 0)
	if time.Now().After(expiration) {
		_, _ = s.conn.Exec(sqlDeleteRecord, []byte(key))
		return nil, time.Time{}, recordstore.ErrNotFound
	}
	return value, expiration, nil
}

// GC deletes every expired record, returning how many rows were removed.
func (s *Store) GC() (int64, error) {
	res, err := s.stmtDelete.Exec(time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: gc: %w", err)
	}
	return res.RowsAffected()
}
