package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	apperrors "lifecycle-engine/internal/common/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T, retries int) (*PostgresClient, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(db, retries, time.Millisecond), mock
}

func TestWithTransaction_Commits(t *testing.T) {
	client, mock := newMockClient(t, 2)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE applications`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := client.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE applications SET status = 'pending_offers'`)
		return err
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	client, mock := newMockClient(t, 2)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := client.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_RetriesBeginOnConnectionError(t *testing.T) {
	client, mock := newMockClient(t, 2)

	mock.ExpectBegin().WillReturnError(&pq.Error{Code: "08006"})
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := client.WithTransaction(context.Background(), func(tx *sql.Tx) error { return nil })

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_ExhaustedRetriesAreStoreUnavailable(t *testing.T) {
	client, mock := newMockClient(t, 1)

	mock.ExpectBegin().WillReturnError(&pq.Error{Code: "08006"})
	mock.ExpectBegin().WillReturnError(&pq.Error{Code: "08006"})

	called := false
	err := client.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_DoesNotRetryQueryErrors(t *testing.T) {
	client, mock := newMockClient(t, 3)

	mock.ExpectBegin().WillReturnError(&pq.Error{Code: "23505"})

	err := client.WithTransaction(context.Background(), func(tx *sql.Tx) error { return nil })

	assert.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	client := NewPostgresFromDB(db, 0, 0)

	mock.ExpectPing()
	assert.NoError(t, client.HealthCheck(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	err = client.HealthCheck(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(&pq.Error{Code: "08001"}))
	assert.True(t, IsConnectionError(&pq.Error{Code: "57P01"}))
	assert.False(t, IsConnectionError(&pq.Error{Code: "40001"}))
	assert.False(t, IsConnectionError(sql.ErrNoRows))
	assert.False(t, IsConnectionError(nil))
}
