package params

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirparams/internal/platform/db"
)

func newMockEngine(t *testing.T, variant Variant) (*Engine, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	sdb := sqlx.NewDb(mockDB, "postgres")
	t.Cleanup(func() { _ = sdb.Close() })
	return NewSQLEngine(sdb, variant), sdb, mock
}

func TestSQLEngine_SerializedDuplicateUnderSavepoint(t *testing.T) {
	e, sdb, mock := newMockEngine(t, VariantSerialized)
	selectNames := regexp.QuoteMeta("SELECT parameter_name, parameter_name_id FROM parameter_names WHERE parameter_name IN ($1)")

	mock.ExpectBegin()
	mock.ExpectQuery(selectNames).WithArgs("gender").
		WillReturnRows(sqlmock.NewRows([]string{"parameter_name", "parameter_name_id"}))
	mock.ExpectExec("^SAVEPOINT dictionary_insert$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO parameter_names (parameter_name) VALUES ($1)")).WithArgs("gender").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT dictionary_insert$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectNames).WithArgs("gender").
		WillReturnRows(sqlmock.NewRows([]string{"parameter_name", "parameter_name_id"}).AddRow("gender", 17))
	mock.ExpectCommit()

	ctx, tx, err := db.WithSQLTx(context.Background(), sdb)
	require.NoError(t, err)

	values := names("gender")
	require.NoError(t, e.ResolveParameterNames(ctx, values))
	require.NoError(t, tx.Commit())

	assert.Equal(t, int32(17), values[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLEngine_SerializedDeadlockAborts(t *testing.T) {
	e, sdb, mock := newMockEngine(t, VariantSerialized)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM code_systems")).
		WillReturnRows(sqlmock.NewRows([]string{"code_system_name", "code_system_id"}))
	mock.ExpectExec("^SAVEPOINT dictionary_insert$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO code_systems")).
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()

	ctx, tx, err := db.WithSQLTx(context.Background(), sdb)
	require.NoError(t, err)

	err = e.ResolveCodeSystems(ctx, []*CodeSystemValue{{System: "http://loinc.org"}})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLEngine_AtomicTokenValues(t *testing.T) {
	e, _, mock := newMockEngine(t, VariantAtomic)
	loinc := &CodeSystemValue{System: "http://loinc.org", ID: 3}
	cols := []string{"code_system_id", "token_value", "common_token_value_id"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM common_token_values c JOIN (VALUES (CAST($1 AS INTEGER), $2), (CAST($3 AS INTEGER), $4))")).
		WithArgs(int32(3), "1234-5", int32(3), "8867-4").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(3, "1234-5", 501))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO common_token_values (code_system_id, token_value) VALUES ($1, $2) ON CONFLICT DO NOTHING RETURNING")).
		WithArgs(int32(3), "8867-4").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(3, "8867-4", 502))

	values := []*CommonTokenValue{
		{CodeSystem: loinc, TokenValue: "8867-4"},
		{CodeSystem: loinc, TokenValue: "1234-5"},
	}
	require.NoError(t, e.ResolveCommonTokenValues(context.Background(), values))
	assert.Equal(t, int64(501), values[0].ID)
	assert.Equal(t, int64(502), values[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLEngine_WriterUsesPreparedStatement(t *testing.T) {
	e, _, mock := newMockEngine(t, VariantSerialized)
	w := e.NewWriter()
	require.NoError(t, w.AddTag("Patient", 10, 501, false))
	require.NoError(t, w.AddTag("Patient", 11, 502, false))

	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO patient_tags (logical_resource_id, common_token_value_id) VALUES ($1, $2)"))
	prep.ExpectExec().WithArgs(int64(10), int64(501)).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(int64(11), int64(502)).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, w.PushBatch(context.Background()))
	assert.Equal(t, 2, w.LastPushed()[ParamTag])
	assert.NoError(t, mock.ExpectationsWereMet())
}
