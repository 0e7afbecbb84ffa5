package mutex

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresNode(t *testing.T) (*PostgresNode, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	node, err := newPostgresNodeWithDB("pg-a", db, PostgresNodeConfig{})
	if err != nil {
		t.Fatalf("newPostgresNodeWithDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	return node, mock
}

func TestPostgresNode_AcquireCommitsWhenEveryKeyIsTaken(t *testing.T) {
	node, mock := newMockPostgresNode(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO jobcoord_locks").
		WithArgs(sqlmock.AnyArg(), "tok", int64(2000)).
		WillReturnRows(sqlmock.NewRows([]string{"lock_key"}).AddRow("cursor").AddRow("job"))
	mock.ExpectCommit()

	ok, err := node.Acquire(context.Background(), []string{"cursor", "job"}, "tok", 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
}

func TestPostgresNode_AcquireRollsBackPartialGrant(t *testing.T) {
	node, mock := newMockPostgresNode(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO jobcoord_locks").
		WillReturnRows(sqlmock.NewRows([]string{"lock_key"}).AddRow("job"))
	mock.ExpectRollback()

	ok, err := node.Acquire(context.Background(), []string{"cursor", "job"}, "tok", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if ok {
		t.Fatal("expected refusal when a key is still held")
	}
}

func TestPostgresNode_AcquireErrorIsUnavailable(t *testing.T) {
	node, mock := newMockPostgresNode(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO jobcoord_locks").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := node.Acquire(context.Background(), []string{"job"}, "tok", time.Second)
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestPostgresNode_Extend(t *testing.T) {
	node, mock := newMockPostgresNode(t)
	update := regexp.QuoteMeta("UPDATE jobcoord_locks SET expires_at")

	mock.ExpectBegin()
	mock.ExpectExec(update).
		WithArgs(sqlmock.AnyArg(), "tok", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ok, err := node.Extend(context.Background(), []string{"a", "b"}, "tok", time.Second)
	if err != nil || !ok {
		t.Fatalf("Extend() = %v, %v", ok, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	ok, err = node.Extend(context.Background(), []string{"a", "b"}, "tok", time.Second)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if ok {
		t.Fatal("expected refusal when only part of the keys are still owned")
	}
}

func TestPostgresNode_ReleaseAndPurge(t *testing.T) {
	node, mock := newMockPostgresNode(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobcoord_locks WHERE lock_key = ANY($1) AND token = $2")).
		WithArgs(sqlmock.AnyArg(), "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := node.Release(context.Background(), []string{"job"}, "tok"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobcoord_locks WHERE expires_at <= NOW()")).
		WillReturnResult(sqlmock.NewResult(0, 7))
	purged, err := node.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if purged != 7 {
		t.Fatalf("expected 7 purged rows, got %d", purged)
	}
}

func TestPostgresNode_HealthCheck(t *testing.T) {
	node, mock := newMockPostgresNode(t)

	mock.ExpectPing()
	if err := node.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := node.HealthCheck(context.Background()); !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestPostgresNode_InvalidTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	if _, err := newPostgresNodeWithDB("pg", db, PostgresNodeConfig{Table: "locks; DROP TABLE x"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewPostgresNode(PostgresNodeConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument without url, got %v", err)
	}
}
