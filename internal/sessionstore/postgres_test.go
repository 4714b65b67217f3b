package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"pkt.systems/waypoint/schema"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	store, err := NewPostgres("postgres://localhost/waypoint?sslmode=disable")
	if err != nil {
		t.Fatalf("new postgres: %v", err)
	}
	pg := store.(*sqlStore)
	pg.openDB = func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "postgres" {
			t.Fatalf("unexpected driver %q", driverName)
		}
		return db, nil
	}
	t.Cleanup(func() { _ = db.Close() })
	return pg, mock
}

func TestPostgresGetSet(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS waypoint_session_storage").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT value FROM waypoint_session_storage").
		WithArgs("scroll-position:/?").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec("INSERT INTO waypoint_session_storage").
		WithArgs("scroll-position:/?", "480").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT value FROM waypoint_session_storage").
		WithArgs("scroll-position:/?").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("480"))

	if _, ok, err := store.Get(ctx, "scroll-position:/?"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "scroll-position:/?", "480"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := store.Get(ctx, "scroll-position:/?")
	if err != nil || !ok || value != "480" {
		t.Fatalf("expected 480, got %q ok=%v err=%v", value, ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresInitFailureIsStorageUnavailable(t *testing.T) {
	store, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnError(errors.New("permission denied"))

	_, _, err := store.Get(context.Background(), "k")
	if !errors.Is(err, schema.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRetriesFailedInit(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockPostgres(t)
	opens := 0
	open := store.openDB
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		opens++
		return open(driverName, dsn)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS waypoint_session_storage").
		WillReturnError(errors.New("connection refused"))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS waypoint_session_storage").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO waypoint_session_storage").
		WithArgs("k", "1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO waypoint_session_storage").
		WithArgs("k", "2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Set(ctx, "k", "1"); !errors.Is(err, schema.ErrStorageUnavailable) {
		t.Fatalf("expected first set to fail, got %v", err)
	}
	if err := store.Set(ctx, "k", "1"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if err := store.Set(ctx, "k", "2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if opens != 1 {
		t.Fatalf("expected the pool to be opened once, got %d", opens)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	if _, err := NewPostgres("  "); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
