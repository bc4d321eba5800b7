package repo

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/models"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewFromDB(sqlxDB, zap.NewNop()), mock
}

func TestCurrentTaskStateReturnsOkFalseWhenNoRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM tasks WHERE id = $1`)).
		WithArgs("t1").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := repo.CurrentTaskState(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false when the task row is not found")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCurrentTaskStateReturnsState(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"status"}).AddRow("IN_PROGRESS")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM tasks WHERE id = $1`)).
		WithArgs("t1").
		WillReturnRows(rows)

	state, ok, err := repo.CurrentTaskState(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || state != models.TaskInProgress {
		t.Errorf("expected IN_PROGRESS/true, got %q/%v", state, ok)
	}
}

func TestAnyStepNonTerminalCountsOpenStates(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"count"}).AddRow(2)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM workflow_steps`).
		WithArgs("t1").
		WillReturnRows(rows)

	got, err := repo.AnyStepNonTerminal(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected true when non-terminal steps remain")
	}
}

func TestCommitTaskTransitionCommitsOnSuccess(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE task_transitions SET most_recent = false`).
		WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_transitions`).
		WithArgs("t1", "IN_PROGRESS", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE tasks SET status`).
		WithArgs("t1", "IN_PROGRESS").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CommitTaskTransition(context.Background(), "t1", models.TaskInProgress, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCommitTaskTransitionRollsBackOnInsertFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE task_transitions SET most_recent = false`).
		WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO task_transitions`).
		WithArgs("t1", "IN_PROGRESS", sqlmock.AnyArg()).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.CommitTaskTransition(context.Background(), "t1", models.TaskInProgress, nil)
	if err == nil {
		t.Fatal("expected an error when the insert fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDependenciesSatisfiedTrueWhenAllParentsTerminal(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"count"}).AddRow(0)
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WithArgs("s1").WillReturnRows(rows)

	ok, err := repo.DependenciesSatisfied(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected dependencies satisfied when unsatisfied count is 0")
	}
}

func TestDependenciesSatisfiedFalseWhenParentIncomplete(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WithArgs("s1").WillReturnRows(rows)

	ok, err := repo.DependenciesSatisfied(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected dependencies unsatisfied when a parent is still incomplete")
	}
}
