package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTxCommits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE entity SET state`).
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = withTx(context.Background(), mock, func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), `UPDATE entity SET state = 'complete' WHERE id = $1`, int64(1))
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = withTx(context.Background(), mock, func(pgx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxBeginFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(errors.New("no connections"))

	called := false
	err = withTx(context.Background(), mock, func(pgx.Tx) error { called = true; return nil })
	assert.ErrorContains(t, err, "begin transaction")
	assert.False(t, called)
}

func TestSameParent(t *testing.T) {
	assert.True(t, sameParent(nil, nil))
	assert.False(t, sameParent(nil, int64Ptr(1)))
	assert.False(t, sameParent(int64Ptr(1), nil))
	assert.True(t, sameParent(int64Ptr(2), int64Ptr(2)))
	assert.False(t, sameParent(int64Ptr(2), int64Ptr(3)))
}

func TestDateOnly(t *testing.T) {
	loc := time.FixedZone("PDT", -7*3600)
	got := dateOnly(time.Date(2024, 9, 2, 23, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC), got)
}

func TestNullString(t *testing.T) {
	assert.Nil(t, nullString(""))
	assert.Equal(t, "R001", nullString("R001"))
}
