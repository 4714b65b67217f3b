package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/waypoint/schema"
)

const (
	sqlTableName        = "waypoint_session_storage"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	createTable string
	selectValue string
	upsertValue string
}

// sqlStore is shared by the Postgres and SQLite backends.
type sqlStore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	// mu guards db and ready; a failed init is retried on the next call.
	mu    sync.Mutex
	db    *sql.DB
	ready bool
}

func newSQLStore(dsn string, dialect sqlDialect) (*sqlStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, schema.ErrInvalidRequest
	}
	return &sqlStore{dsn: dsn, dialect: dialect, openDB: sql.Open}, nil
}

func (s *sqlStore) Get(ctx context.Context, key string) (string, bool, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	var value string
	err = db.QueryRowContext(ctx, s.dialect.selectValue, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", schema.ErrStorageUnavailable, err)
	}
	return value, true, nil
}

func (s *sqlStore) Set(ctx context.Context, key, value string) error {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, s.dialect.upsertValue, key, value); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.ready = false
	return err
}

func (s *sqlStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return s.db, nil
	}
	if s.db == nil {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", schema.ErrStorageUnavailable, err)
		}
		s.db = db
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.dialect.createTable); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrStorageUnavailable, err)
	}
	s.ready = true
	return s.db, nil
}
