package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/core"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &PostgresStore{db: sqlx.NewDb(db, "postgres"), logger: core.NoOpLogger{}}, mock
}

func TestStoreFeedback_RejectsOutOfRangeRating(t *testing.T) {
	s, mock := newMockStore(t)

	cases := []int{0, -1, 6, 100}
	for _, rating := range cases {
		err := s.StoreFeedback(context.Background(), "goal-1", rating, "too extreme")
		assert.ErrorIs(t, err, core.ErrInvalidRating)
	}
	// No SQL should have been issued for rejected ratings.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreFeedback_ValidRatingIssuesInsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO execution_feedback").
		WithArgs(sqlmock.AnyArg(), "goal-1", 5, "great").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.StoreFeedback(context.Background(), "goal-1", 5, "great")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreToolExecution_RequiresExistingGoal(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("missing-goal").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.StoreToolExecution(context.Background(), "missing-goal", "hello_world", nil, nil, true, "", 0)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreToolExecution_Succeeds(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("goal-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("INSERT INTO tool_executions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := s.StoreToolExecution(context.Background(), "goal-1", "hello_world", []byte(`{}`), []byte(`{"message":"hi"}`), true, "", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatistics_IsIdempotentAtTheSQLLevel(t *testing.T) {
	s, mock := newMockStore(t)
	// The same upsert statement is issued on each call; re-running it
	// twice in succession is expected to be safe (idempotent aggregate
	// recompute), which is exactly what ON CONFLICT DO UPDATE guarantees.
	mock.ExpectExec("INSERT INTO tool_statistics").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tool_statistics").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateStatistics(context.Background()))
	require.NoError(t, s.UpdateStatistics(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCurrentVersion_ClearsThenSetsWithinOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tool_versions SET is_current=false").
		WithArgs("demo_tool").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tool_versions SET is_current=true").
		WithArgs("v2", "demo_tool").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SetCurrentVersion(context.Background(), "demo_tool", "v2")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCurrentVersion_MissingVersionRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tool_versions SET is_current=false").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tool_versions SET is_current=true").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SetCurrentVersion(context.Background(), "demo_tool", "missing-version")
	assert.ErrorIs(t, err, core.ErrVersionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
