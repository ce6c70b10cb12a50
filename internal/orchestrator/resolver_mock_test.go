package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockResolver(t *testing.T) (*ResolutionService, *Metrics, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db, DialectPostgres, WithClock(func() time.Time { return testNow }))
	resolver, metrics := newTestResolver(t, store)
	return resolver, metrics, mock
}

func expectResolveAndWake(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE awakeables")).
		WithArgs(`{"ok":true}`, testNow, "aw-1").
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "task_name"}).AddRow("job-7", "approve"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
		WithArgs(testNow, "job-7", "approve").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestResolveEventAppendFailureStillCommits(t *testing.T) {
	resolver, metrics, mock := newMockResolver(t)

	expectResolveAndWake(mock)
	mock.ExpectExec("^SAVEPOINT resolve_event$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT resolve_event$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	res, err := resolver.Resolve(context.Background(), "aw-1", []byte(`{"ok": true}`))
	require.NoError(t, err)
	assert.Nil(t, res.Event)
	assert.True(t, res.Woken)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.eventAppendFailures))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCommitFailureIsStorageError(t *testing.T) {
	resolver, metrics, mock := newMockResolver(t)

	expectResolveAndWake(mock)
	mock.ExpectExec("^SAVEPOINT resolve_event$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))
	mock.ExpectExec("^RELEASE SAVEPOINT resolve_event$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	res, err := resolver.Resolve(context.Background(), "aw-1", []byte(`{"ok":true}`))
	assert.Nil(t, res)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.EqualError(t, err, "storage failure, resolution not applied: failed to commit transaction: connection reset")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resolves.WithLabelValues(KindStorage.String())))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.eventsAppended))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveStorageFailures(t *testing.T) {
	t.Run("begin", func(t *testing.T) {
		resolver, _, mock := newMockResolver(t)
		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

		_, err := resolver.Resolve(context.Background(), "aw-1", []byte(`{}`))
		assert.Equal(t, KindStorage, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conditional update", func(t *testing.T) {
		resolver, _, mock := newMockResolver(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE awakeables")).
			WillReturnError(errors.New("connection refused"))
		mock.ExpectRollback()

		_, err := resolver.Resolve(context.Background(), "aw-1", []byte(`{}`))
		assert.Equal(t, KindStorage, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wake", func(t *testing.T) {
		resolver, _, mock := newMockResolver(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE awakeables")).
			WillReturnRows(sqlmock.NewRows([]string{"job_id", "task_name"}).AddRow("job-7", "approve"))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
			WillReturnError(errors.New("deadlock detected"))
		mock.ExpectRollback()

		_, err := resolver.Resolve(context.Background(), "aw-1", []byte(`{}`))
		assert.Equal(t, KindStorage, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResolveMissingTaskRollsBack(t *testing.T) {
	resolver, _, mock := newMockResolver(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE awakeables")).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "task_name"}).AddRow("job-7", "approve"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM tasks")).
		WithArgs("job-7", "approve").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := resolver.Resolve(context.Background(), "aw-1", []byte(`{}`))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.ErrorIs(t, err, ErrNoSuchTask)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveConflictReadsStatus(t *testing.T) {
	resolver, _, mock := newMockResolver(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE awakeables")).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "task_name"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM awakeables WHERE id = $1")).
		WithArgs("aw-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("RESOLVED"))
	mock.ExpectRollback()

	_, err := resolver.Resolve(context.Background(), "aw-1", []byte(`{}`))
	assert.Equal(t, KindAlreadyResolved, KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveValidationNeverTouchesStorage(t *testing.T) {
	resolver, _, mock := newMockResolver(t)

	_, err := resolver.Resolve(context.Background(), "aw-1", []byte(`{"unterminated`))
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = resolver.Resolve(context.Background(), "", []byte(`{}`))
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = resolver.Resolve(context.Background(), "aw-1", []byte("{\"a\":\"\xff\xfe\"}"))
	assert.Equal(t, KindValidation, KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
