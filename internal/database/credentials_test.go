package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rickgao/auction-realtime/internal/auth"
)

var _ auth.Store = (*CredentialStore)(nil)

func newMockStore(t *testing.T) (*CredentialStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCredentialStore(db, ""), mock
}

func TestCredentialStore_Load(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow(auth.KeyAccessToken, "A1").
		AddRow(auth.KeyRefreshToken, "R1").
		AddRow(auth.KeyUser, "bidder")
	mock.ExpectQuery("SELECT key, value FROM client_credentials").
		WithArgs(DefaultProfile).
		WillReturnRows(rows)

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := auth.Credentials{AccessToken: "A1", RefreshToken: "R1", User: "bidder"}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCredentialStore_LoadEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT key, value FROM client_credentials").
		WithArgs(DefaultProfile).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}))

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.HasAccess() || got.HasRefresh() {
		t.Errorf("Load() = %+v, want empty", got)
	}
}

func TestCredentialStore_LoadError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT key, value FROM client_credentials").
		WillReturnError(errors.New("connection refused"))

	if _, err := store.Load(context.Background()); err == nil {
		t.Error("expected error from Load")
	}
}

func TestCredentialStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewCredentialStore(db, "kiosk")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM client_credentials").
		WithArgs("kiosk").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO client_credentials").
		WithArgs("kiosk", auth.KeyAccessToken, "A2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO client_credentials").
		WithArgs("kiosk", auth.KeyRefreshToken, "R2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Save(context.Background(), auth.Credentials{AccessToken: "A2", RefreshToken: "R2"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCredentialStore_SaveRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM client_credentials").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO client_credentials").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := store.Save(context.Background(), auth.Credentials{AccessToken: "A"}); err == nil {
		t.Fatal("expected error from Save")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCredentialStore_Clear(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM client_credentials").
		WithArgs(DefaultProfile).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCredentialStore_EnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS client_credentials").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
}
