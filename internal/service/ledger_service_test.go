package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type mockLedgerRepo struct {
	db      *sqlx.DB
	entries []*models.StudentLedgerEntry
	apps    []*models.StudentLedgerApplication
	refSeq  int
	appSeq  int
}

func (m *mockLedgerRepo) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return m.db.BeginTxx(ctx, opts)
}

func (m *mockLedgerRepo) NextReference(_ context.Context) (string, error) {
	m.refSeq++
	return fmt.Sprintf("LED-%06d", m.refSeq), nil
}

func (m *mockLedgerRepo) FindEntryByID(_ context.Context, id string) (*models.StudentLedgerEntry, error) {
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockLedgerRepo) ListEntries(_ context.Context, _ models.LedgerEntryFilter) ([]models.StudentLedgerEntry, int, error) {
	out := make([]models.StudentLedgerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out, len(out), nil
}

func (m *mockLedgerRepo) ListOpenByStudentTx(_ context.Context, _ sqlx.ExtContext, studentID string) ([]models.StudentLedgerEntry, error) {
	var out []models.StudentLedgerEntry
	for _, e := range m.entries {
		if e.StudentID == studentID && e.Status != models.LedgerEntryStatusFullyApplied {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *mockLedgerRepo) CreateEntry(_ context.Context, entry *models.StudentLedgerEntry) error {
	entry.ID = fmt.Sprintf("entry-%d", len(m.entries)+1)
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockLedgerRepo) UpdateEntryStatusTx(_ context.Context, _ sqlx.ExtContext, entryID string, status models.LedgerEntryStatus) error {
	for _, e := range m.entries {
		if e.ID == entryID {
			e.Status = status
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockLedgerRepo) AppliedSumTx(_ context.Context, _ sqlx.ExtContext, entryID, excludeApplicationID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, a := range m.apps {
		if a.LedgerEntryID == entryID && a.ID != excludeApplicationID {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

func (m *mockLedgerRepo) InsertApplicationTx(_ context.Context, _ sqlx.ExtContext, app *models.StudentLedgerApplication) error {
	m.appSeq++
	app.ID = fmt.Sprintf("app-%d", m.appSeq)
	app.AppliedAt = time.Now().UTC()
	m.apps = append(m.apps, app)
	return nil
}

func (m *mockLedgerRepo) FindApplicationByID(_ context.Context, id string) (*models.StudentLedgerApplication, error) {
	for _, a := range m.apps {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockLedgerRepo) DeleteApplicationTx(_ context.Context, _ sqlx.ExtContext, id string) error {
	for i, a := range m.apps {
		if a.ID == id {
			m.apps = append(m.apps[:i], m.apps[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockLedgerRepo) ListApplicationsByInvoiceTx(_ context.Context, _ sqlx.ExtContext, invoiceID string) ([]models.StudentLedgerApplication, error) {
	var out []models.StudentLedgerApplication
	for _, a := range m.apps {
		if a.InvoiceID == invoiceID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockLedgerRepo) DeleteApplicationsByInvoiceTx(_ context.Context, _ sqlx.ExtContext, invoiceID string) ([]models.StudentLedgerApplication, error) {
	var deleted []models.StudentLedgerApplication
	var kept []*models.StudentLedgerApplication
	for _, a := range m.apps {
		if a.InvoiceID == invoiceID {
			deleted = append(deleted, *a)
		} else {
			kept = append(kept, a)
		}
	}
	m.apps = kept
	return deleted, nil
}

type mockLedgerInvoiceRepo struct {
	invoices  map[string]*models.Invoice
	updated   int
	updateErr error
}

func (m *mockLedgerInvoiceRepo) FindByID(_ context.Context, id string) (*models.Invoice, error) {
	if inv, ok := m.invoices[id]; ok {
		return inv, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLedgerInvoiceRepo) UpdateTotalsTx(_ context.Context, _ sqlx.ExtContext, invoice *models.Invoice) error {
	if m.updateErr != nil {
		err := m.updateErr
		m.updateErr = nil
		return err
	}
	m.updated++
	m.invoices[invoice.ID] = invoice
	return nil
}

type stubPaymentSummer struct {
	sum decimal.Decimal
}

func (s *stubPaymentSummer) SumByInvoice(_ context.Context, _ string) (decimal.Decimal, error) {
	return s.sum, nil
}

type stubStudentReader struct {
	students map[string]*models.Student
}

func (s *stubStudentReader) FindByID(_ context.Context, id string) (*models.Student, error) {
	if st, ok := s.students[id]; ok {
		return st, nil
	}
	return nil, sql.ErrNoRows
}

func newLedgerFixture(t *testing.T) (*LedgerService, *mockLedgerRepo, *mockLedgerInvoiceRepo, sqlmock.Sqlmock) {
	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })

	repo := &mockLedgerRepo{db: sqlx.NewDb(rawDB, "sqlmock")}
	invoices := &mockLedgerInvoiceRepo{invoices: map[string]*models.Invoice{}}
	payments := &stubPaymentSummer{sum: decimal.Zero}
	students := &stubStudentReader{students: map[string]*models.Student{
		"student-1": {ID: "student-1", FirstName: "Emma", LastName: "de Vries"},
	}}
	svc := NewLedgerService(repo, invoices, payments, students, nil, nil)
	return svc, repo, invoices, mock
}

func money(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func addEntry(repo *mockLedgerRepo, entryType models.LedgerEntryType, amount string) *models.StudentLedgerEntry {
	entry := &models.StudentLedgerEntry{
		ID:        fmt.Sprintf("entry-%d", len(repo.entries)+1),
		StudentID: "student-1",
		Type:      entryType,
		Amount:    money(amount),
		Status:    models.LedgerEntryStatusOpen,
	}
	repo.entries = append(repo.entries, entry)
	return entry
}

func TestLedgerServiceCreateEntry(t *testing.T) {
	svc, repo, _, _ := newLedgerFixture(t)

	entry, err := svc.CreateEntry(context.Background(), CreateLedgerEntryRequest{
		StudentID:   "student-1",
		Type:        models.LedgerEntryTypeCredit,
		Amount:      money("25.00"),
		Description: "missed lesson refund",
	})
	require.NoError(t, err)
	assert.Equal(t, "LED-000001", entry.Reference)
	assert.Equal(t, models.LedgerEntryStatusOpen, entry.Status)
	assert.Len(t, repo.entries, 1)
}

func TestLedgerServiceCreateEntryRejectsNegativeAmount(t *testing.T) {
	svc, _, _, _ := newLedgerFixture(t)

	_, err := svc.CreateEntry(context.Background(), CreateLedgerEntryRequest{
		StudentID:   "student-1",
		Type:        models.LedgerEntryTypeDebit,
		Amount:      money("-10.00"),
		Description: "bogus",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestLedgerServiceAppliesDebitsBeforeCredits(t *testing.T) {
	svc, repo, _, _ := newLedgerFixture(t)

	// Credit is listed first; ordering must come from the type passes, not
	// from insertion order.
	credit := addEntry(repo, models.LedgerEntryTypeCredit, "45.00")
	debit := addEntry(repo, models.LedgerEntryTypeDebit, "10.00")

	invoice := &models.Invoice{ID: "inv-1", StudentID: "student-1", Total: money("50.00"), Status: models.InvoiceStatusDraft}
	require.NoError(t, svc.ApplyCorrections(context.Background(), nil, invoice))

	assert.True(t, invoice.LedgerDebitsApplied.Equal(money("10.00")))
	assert.True(t, invoice.LedgerCreditsApplied.Equal(money("45.00")))
	assert.True(t, invoice.AmountOwed().Equal(money("15.00")))
	assert.Equal(t, models.InvoiceStatusDraft, invoice.Status)
	assert.Equal(t, models.LedgerEntryStatusFullyApplied, debit.Status)
	assert.Equal(t, models.LedgerEntryStatusFullyApplied, credit.Status)
}

func TestLedgerServiceCreditCappedAtAmountOwed(t *testing.T) {
	svc, repo, _, _ := newLedgerFixture(t)

	credit := addEntry(repo, models.LedgerEntryTypeCredit, "100.00")

	invoice := &models.Invoice{ID: "inv-1", StudentID: "student-1", Total: money("60.00"), Status: models.InvoiceStatusDraft}
	require.NoError(t, svc.ApplyCorrections(context.Background(), nil, invoice))

	assert.True(t, invoice.LedgerCreditsApplied.Equal(money("60.00")))
	assert.True(t, invoice.AmountOwed().IsZero())
	assert.Equal(t, models.InvoiceStatusPaid, invoice.Status)
	require.NotNil(t, invoice.PaidAt)
	assert.Equal(t, models.LedgerEntryStatusPartiallyApplied, credit.Status)

	// The remaining 40.00 stays available for the next invoice.
	second := &models.Invoice{ID: "inv-2", StudentID: "student-1", Total: money("50.00"), Status: models.InvoiceStatusDraft}
	require.NoError(t, svc.ApplyCorrections(context.Background(), nil, second))
	assert.True(t, second.LedgerCreditsApplied.Equal(money("40.00")))
	assert.True(t, second.AmountOwed().Equal(money("10.00")))
	assert.Equal(t, models.LedgerEntryStatusFullyApplied, credit.Status)
}

func TestLedgerServiceSecondCreditNotAppliedOnceCovered(t *testing.T) {
	svc, repo, _, _ := newLedgerFixture(t)

	addEntry(repo, models.LedgerEntryTypeCredit, "60.00")
	addEntry(repo, models.LedgerEntryTypeCredit, "30.00")

	invoice := &models.Invoice{ID: "inv-1", StudentID: "student-1", Total: money("60.00"), Status: models.InvoiceStatusDraft}
	require.NoError(t, svc.ApplyCorrections(context.Background(), nil, invoice))

	assert.True(t, invoice.LedgerCreditsApplied.Equal(money("60.00")))
	assert.Len(t, repo.apps, 1)
	assert.Equal(t, models.LedgerEntryStatusOpen, repo.entries[1].Status)
}

func TestLedgerServiceApplicationsForInvoice(t *testing.T) {
	svc, repo, _, _ := newLedgerFixture(t)

	addEntry(repo, models.LedgerEntryTypeCredit, "45.00")
	invoice := &models.Invoice{ID: "inv-1", StudentID: "student-1", Total: money("50.00"), Status: models.InvoiceStatusDraft}
	require.NoError(t, svc.ApplyCorrections(context.Background(), nil, invoice))

	apps, err := svc.ApplicationsForInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.True(t, apps[0].Amount.Equal(money("45.00")))

	apps, err = svc.ApplicationsForInvoice(context.Background(), "inv-other")
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestLedgerServiceRevertApplicationsReopensEntries(t *testing.T) {
	svc, repo, _, _ := newLedgerFixture(t)

	credit := addEntry(repo, models.LedgerEntryTypeCredit, "45.00")

	invoice := &models.Invoice{ID: "inv-1", StudentID: "student-1", Total: money("50.00"), Status: models.InvoiceStatusDraft}
	require.NoError(t, svc.ApplyCorrections(context.Background(), nil, invoice))
	require.Equal(t, models.LedgerEntryStatusFullyApplied, credit.Status)

	require.NoError(t, svc.RevertApplications(context.Background(), nil, invoice))
	assert.True(t, invoice.LedgerCreditsApplied.IsZero())
	assert.True(t, invoice.LedgerDebitsApplied.IsZero())
	assert.Empty(t, repo.apps)
	assert.Equal(t, models.LedgerEntryStatusOpen, credit.Status)
}

func TestLedgerServiceDecoupleApplicationRevertsPaid(t *testing.T) {
	svc, repo, invoices, mock := newLedgerFixture(t)

	credit := addEntry(repo, models.LedgerEntryTypeCredit, "60.00")
	invoice := &models.Invoice{ID: "inv-1", StudentID: "student-1", Total: money("60.00"), Status: models.InvoiceStatusDraft}
	require.NoError(t, svc.ApplyCorrections(context.Background(), nil, invoice))
	require.Equal(t, models.InvoiceStatusPaid, invoice.Status)
	invoices.invoices["inv-1"] = invoice

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.DecoupleApplication(context.Background(), repo.apps[0].ID)
	require.NoError(t, err)

	assert.True(t, result.LedgerCreditsApplied.IsZero())
	assert.Equal(t, models.InvoiceStatusSent, result.Status)
	assert.Nil(t, result.PaidAt)
	assert.Equal(t, models.LedgerEntryStatusOpen, credit.Status)
	assert.Empty(t, repo.apps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerServiceDecoupleRetryKeepsTotalsConsistent(t *testing.T) {
	svc, repo, invoices, mock := newLedgerFixture(t)

	credit := addEntry(repo, models.LedgerEntryTypeCredit, "60.00")
	invoice := &models.Invoice{ID: "inv-1", StudentID: "student-1", Total: money("60.00"), Status: models.InvoiceStatusDraft}
	require.NoError(t, svc.ApplyCorrections(context.Background(), nil, invoice))
	invoices.invoices["inv-1"] = invoice

	// A serialization failure on the first attempt must not leave the
	// in-memory invoice with the application subtracted twice.
	invoices.updateErr = &pq.Error{Code: "40001"}

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.DecoupleApplication(context.Background(), repo.apps[0].ID)
	require.NoError(t, err)

	assert.True(t, result.LedgerCreditsApplied.IsZero(), "credits applied %s", result.LedgerCreditsApplied)
	assert.Equal(t, models.InvoiceStatusSent, result.Status)
	assert.Nil(t, result.PaidAt)
	assert.Equal(t, models.LedgerEntryStatusOpen, credit.Status)
	assert.Equal(t, 1, invoices.updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerServiceDecoupleUnknownApplication(t *testing.T) {
	svc, _, _, _ := newLedgerFixture(t)

	_, err := svc.DecoupleApplication(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
