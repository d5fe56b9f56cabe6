package internal

import (
	"context"
	"testing"

	"github.com/lychee-technology/occams"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLinker(t *testing.T) (*PostgresContextLinker, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresContextLinker(mock), mock
}

func TestLinkAndOwners(t *testing.T) {
	linker, mock := newMockLinker(t)
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO context`).
		WithArgs("patient", int64(3), int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(40)))
	c, err := linker.Link(ctx, occams.ExternalPatient, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(40), c.ID)

	_, err = linker.Link(ctx, "household", 3, 5)
	assert.True(t, occams.IsValidationError(err))

	mock.ExpectQuery(`SELECT id, external, key, entity_id FROM context WHERE entity_id`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "external", "key", "entity_id"}).
			AddRow(int64(40), "patient", int64(3), int64(5)).
			AddRow(int64(41), "enrollment", int64(8), int64(5)))
	owners, err := linker.OwnersOf(ctx, 5)
	require.NoError(t, err)
	require.Len(t, owners, 2)
	assert.Equal(t, occams.ExternalEnrollment, owners[1].External)

	mock.ExpectQuery(`SELECT entity_id FROM context`).
		WithArgs("patient", int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}).AddRow(int64(5)).AddRow(int64(6)))
	ids, err := linker.EntitiesOf(ctx, occams.ExternalPatient, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnlinkMissing(t *testing.T) {
	linker, mock := newMockLinker(t)
	mock.ExpectExec(`DELETE FROM context`).
		WithArgs("visit", int64(1), int64(2)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := linker.Unlink(context.Background(), occams.ExternalVisit, 1, 2)
	assert.True(t, occams.IsNotFoundError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOwnerRemovesOrphans(t *testing.T) {
	linker, mock := newMockLinker(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM context WHERE external = \$1 AND key = \$2 RETURNING entity_id`).
		WithArgs("patient", int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}).AddRow(int64(5)).AddRow(int64(6)))
	mock.ExpectExec(`DELETE FROM entity e WHERE e.id = ANY`).
		WithArgs([]int64{5, 6}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, linker.DeleteOwner(context.Background(), occams.ExternalPatient, 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOwnerWithoutContexts(t *testing.T) {
	linker, mock := newMockLinker(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM context`).
		WithArgs("visit", int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}))
	mock.ExpectCommit()

	require.NoError(t, linker.DeleteOwner(context.Background(), occams.ExternalVisit, 9))
	require.NoError(t, mock.ExpectationsWereMet())
}
