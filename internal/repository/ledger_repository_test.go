package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/musicschool-api/internal/models"
)

func newLedgerRepoMock(t *testing.T) (*LedgerRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedgerRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestLedgerRepositoryNextReference(t *testing.T) {
	repo, mock := newLedgerRepoMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT nextval('ledger_reference_seq')`)).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(12)))

	reference, err := repo.NextReference(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "LED-000012", reference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryCreateEntryDefaults(t *testing.T) {
	repo, mock := newLedgerRepoMock(t)

	mock.ExpectExec(`INSERT INTO student_ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &models.StudentLedgerEntry{
		StudentID:   "student-1",
		Type:        models.LedgerEntryTypeCredit,
		Amount:      mustDecimal("25.00"),
		Reference:   "LED-000001",
		Description: "missed lesson refund",
	}
	require.NoError(t, repo.CreateEntry(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, models.LedgerEntryStatusOpen, entry.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryListOpenByStudent(t *testing.T) {
	repo, mock := newLedgerRepoMock(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM student_ledger_entries\s+WHERE student_id = \$1 AND status IN \(\$2, \$3\) ORDER BY created_at ASC`).
		WithArgs("student-1", models.LedgerEntryStatusOpen, models.LedgerEntryStatusPartiallyApplied).
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "type", "amount", "reference", "description", "status", "created_at", "updated_at"}).
			AddRow("entry-1", "student-1", "DEBIT", "10.00", "LED-000001", "damaged sheet music", "OPEN", now, now).
			AddRow("entry-2", "student-1", "CREDIT", "45.00", "LED-000002", "missed lesson refund", "PARTIALLY_APPLIED", now, now))

	entries, err := repo.ListOpenByStudentTx(context.Background(), nil, "student-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.LedgerEntryTypeDebit, entries[0].Type)
	assert.True(t, entries[1].Amount.Equal(mustDecimal("45.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryAppliedSum(t *testing.T) {
	repo, mock := newLedgerRepoMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0) FROM student_ledger_applications WHERE ledger_entry_id = $1`)).
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("45.00"))

	sum, err := repo.AppliedSumTx(context.Background(), nil, "entry-1", "")
	require.NoError(t, err)
	assert.True(t, sum.Equal(mustDecimal("45.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryAppliedSumExcludesApplication(t *testing.T) {
	repo, mock := newLedgerRepoMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0) FROM student_ledger_applications WHERE ledger_entry_id = $1 AND id <> $2`)).
		WithArgs("entry-1", "app-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))

	sum, err := repo.AppliedSumTx(context.Background(), nil, "entry-1", "app-1")
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryListApplicationsByInvoice(t *testing.T) {
	repo, mock := newLedgerRepoMock(t)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, ledger_entry_id, invoice_id, amount, applied_at FROM student_ledger_applications WHERE invoice_id = $1 ORDER BY applied_at ASC`)).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ledger_entry_id", "invoice_id", "amount", "applied_at"}).
			AddRow("app-1", "entry-1", "inv-1", "10.00", now).
			AddRow("app-2", "entry-2", "inv-1", "45.00", now))

	apps, err := repo.ListApplicationsByInvoiceTx(context.Background(), nil, "inv-1")
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "entry-2", apps[1].LedgerEntryID)
	assert.True(t, apps[0].Amount.Equal(mustDecimal("10.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryDeleteApplicationsByInvoice(t *testing.T) {
	repo, mock := newLedgerRepoMock(t)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM student_ledger_applications WHERE invoice_id = $1 RETURNING id, ledger_entry_id, invoice_id, amount, applied_at`)).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ledger_entry_id", "invoice_id", "amount", "applied_at"}).
			AddRow("app-1", "entry-1", "inv-1", "10.00", now).
			AddRow("app-2", "entry-2", "inv-1", "45.00", now))

	apps, err := repo.DeleteApplicationsByInvoiceTx(context.Background(), nil, "inv-1")
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "entry-1", apps[0].LedgerEntryID)
	assert.True(t, apps[1].Amount.Equal(mustDecimal("45.00")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
