package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upsertInTx runs UpsertTx the way the store does.
func upsertInTx(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	var n int64
	err := InTx(ctx, pool, func(tx pgx.Tx) error {
		var err error
		n, err = UpsertTx(ctx, tx, cfg, rows)
		return err
	})
	return n, err
}

func TestUpsertTx_EmptyRows(t *testing.T) {
	n, err := UpsertTx(context.Background(), nil, UpsertConfig{
		Table:        "itp_items",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsertTx_NoColumns(t *testing.T) {
	_, err := UpsertTx(context.Background(), nil, UpsertConfig{
		Table:        "itp_items",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestUpsertTx_NoConflictKeys(t *testing.T) {
	_, err := UpsertTx(context.Background(), nil, UpsertConfig{
		Table:   "itp_items",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestUpsertTx_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_itp_items"}, []string{"id", "name"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "itp_items"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := upsertInTx(context.Background(), mock, UpsertConfig{
		Table:        "itp_items",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"a", "one"}, {"b", "two"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTx_CopyFailsRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_itp_items"}, []string{"id"}).WillReturnError(errors.New("copy broke"))
	mock.ExpectRollback()

	_, err = upsertInTx(context.Background(), mock, UpsertConfig{
		Table:        "itp_items",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetClauses(t *testing.T) {
	cfg := UpsertConfig{Columns: []string{"id", "name", "order_index"}, ConflictKeys: []string{"id"}}
	assert.Equal(t, []string{`"name" = EXCLUDED."name"`, `"order_index" = EXCLUDED."order_index"`}, cfg.setClauses())

	cfg.UpdateCols = []string{"name"}
	assert.Equal(t, []string{`"name" = EXCLUDED."name"`}, cfg.setClauses())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"qa.itp_items", `"qa"."itp_items"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}

func TestConstraintViolations(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("23505")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestInTx_CommitError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	err = InTx(context.Background(), mock, func(pgx.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
}

func TestInTx_FnErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = InTx(context.Background(), mock, func(pgx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
