package internal

import (
	"context"
	"testing"
	"time"

	"github.com/lychee-technology/occams"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expectEntityAttributes queues the schema resolution and attribute load
// for entity 5 bound to schema 1.
func expectEntityAttributes(mock pgxmock.PgxPoolIface, storage string, choices *pgxmock.Rows, attrs ...*occams.Attribute) {
	mock.ExpectQuery(`FROM entity e JOIN schema s`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"schema_id", "storage"}).AddRow(int64(1), storage))
	if storage != string(occams.StorageEAV) {
		return
	}
	mock.ExpectQuery(`FROM attribute WHERE schema_id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(attributeRows(attrs...))
	if choices == nil {
		choices = emptyChoiceRows()
	}
	mock.ExpectQuery(`FROM choice c JOIN attribute a`).
		WithArgs(int64(1)).
		WillReturnRows(choices)
}

func newMockValueStore(t *testing.T) (*PostgresValueStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresValueStore(mock), mock
}

func TestSetValuesWritesTypedTables(t *testing.T) {
	store, mock := newMockValueStore(t)

	mock.ExpectBegin()
	expectEntityAttributes(mock, "eav",
		emptyChoiceRows().AddRow(int64(100), int64(11), "1", "Yes", 0),
		testAttr(10, "weight", occams.TypeNumber, 0, nil),
		testAttr(11, "smoker", occams.TypeChoice, 1, nil),
	)
	mock.ExpectExec(`DELETE FROM value_choice WHERE entity_id = \$1 AND attribute_id = \$2`).
		WithArgs(int64(5), int64(11)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO value_choice`).
		WithArgs(int64(5), int64(11), int64(100)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM value_decimal WHERE entity_id = \$1 AND attribute_id = \$2`).
		WithArgs(int64(5), int64(10)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO value_decimal`).
		WithArgs(int64(5), int64(10), "72.5").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE entity SET modify_date`).
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.SetValues(context.Background(), 5, map[string]occams.Value{
		"weight": numberValue("72.5"),
		"Smoker": occams.ChoiceValue("1"),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetValuesRejectsWholeWriteOnMismatch(t *testing.T) {
	store, mock := newMockValueStore(t)

	mock.ExpectBegin()
	expectEntityAttributes(mock, "eav", nil,
		testAttr(10, "weight", occams.TypeNumber, 0, nil),
		testAttr(12, "notes", occams.TypeText, 1, nil),
	)
	mock.ExpectRollback()

	err := store.SetValues(context.Background(), 5, map[string]occams.Value{
		"notes":  occams.TextValue("ok"),
		"weight": occams.StringValue("heavy"),
	})
	require.Error(t, err)
	assert.Equal(t, occams.ErrCodeTypeMismatch, occams.ErrorCode(err))
	assert.Equal(t, "weight", occams.ErrorField(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetValueClearsWithNil(t *testing.T) {
	store, mock := newMockValueStore(t)

	mock.ExpectBegin()
	expectEntityAttributes(mock, "eav", nil, testAttr(12, "notes", occams.TypeText, 0, nil))
	mock.ExpectExec(`DELETE FROM value_text`).
		WithArgs(int64(5), int64(12)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE entity SET modify_date`).
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SetValue(context.Background(), 5, "notes", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetValueUnsupportedStorage(t *testing.T) {
	store, mock := newMockValueStore(t)

	mock.ExpectBegin()
	expectEntityAttributes(mock, "resource", nil)
	mock.ExpectRollback()

	err := store.SetValue(context.Background(), 5, "notes", occams.TextValue("x"))
	require.Error(t, err)
	assert.Equal(t, occams.ErrCodeUnsupportedStore, occams.ErrorCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetValueCollection(t *testing.T) {
	store, mock := newMockValueStore(t)

	symptoms := testAttr(13, "symptoms", occams.TypeChoice, 0, nil)
	symptoms.IsCollection = true
	expectEntityAttributes(mock, "eav", nil, symptoms)
	mock.ExpectQuery(`FROM value_choice v JOIN choice c`).
		WithArgs(int64(5), []int64{13}).
		WillReturnRows(pgxmock.NewRows([]string{"attribute_id", "name"}).
			AddRow(int64(13), "2").
			AddRow(int64(13), "1"))

	v, err := store.GetValue(context.Background(), 5, "symptoms")
	require.NoError(t, err)
	coll, ok := v.(occams.CollectionValue)
	require.True(t, ok)
	assert.Equal(t, []occams.Value{occams.ChoiceValue("2"), occams.ChoiceValue("1")}, coll.Items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetValuesMixedTables(t *testing.T) {
	store, mock := newMockValueStore(t)
	visit := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	expectEntityAttributes(mock, "eav", nil,
		testAttr(10, "weight", occams.TypeNumber, 0, nil),
		testAttr(14, "visit_on", occams.TypeDate, 1, nil),
		testAttr(15, "history", occams.TypeSection, 2, nil),
	)
	mock.ExpectQuery(`FROM value_datetime`).
		WithArgs(int64(5), []int64{14}).
		WillReturnRows(pgxmock.NewRows([]string{"attribute_id", "value"}).AddRow(int64(14), visit))
	mock.ExpectQuery(`FROM value_decimal`).
		WithArgs(int64(5), []int64{10}).
		WillReturnRows(pgxmock.NewRows([]string{"attribute_id", "value"}).AddRow(int64(10), "72.50"))

	values, err := store.GetValues(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "72.5", values["weight"].String())
	assert.Equal(t, "2024-05-02", values["visit_on"].String())
	assert.Equal(t, occams.TypeDate, values["visit_on"].Type())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityLifecycle(t *testing.T) {
	store, mock := newMockValueStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO entity`).
		WithArgs(int64(1), "pending-entry", (*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "schema_id", "state", "collect_date", "is_null",
			"create_date", "create_user", "modify_date", "modify_user"}).
			AddRow(int64(5), int64(1), "pending-entry", (*time.Time)(nil), false, now, "", now, ""))
	e, err := store.CreateEntity(ctx, 1, "", nil)
	require.NoError(t, err)
	assert.Equal(t, occams.StatePendingEntry, e.State)

	_, err = store.CreateEntity(ctx, 1, "archived", nil)
	assert.True(t, occams.IsValidationError(err))

	mock.ExpectExec(`UPDATE entity SET state`).
		WithArgs(int64(5), "complete").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.SetState(ctx, 5, occams.StateComplete))

	mock.ExpectExec(`DELETE FROM entity`).
		WithArgs(int64(6)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	err = store.DeleteEntity(ctx, 6)
	assert.True(t, occams.IsNotFoundError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
