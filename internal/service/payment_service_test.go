package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type mockPaymentRepo struct {
	payments []*models.Payment
	seq      int
}

func (m *mockPaymentRepo) Create(_ context.Context, payment *models.Payment) error {
	m.seq++
	payment.ID = fmt.Sprintf("pay-%d", m.seq)
	m.payments = append(m.payments, payment)
	return nil
}

func (m *mockPaymentRepo) FindByID(_ context.Context, id string) (*models.Payment, error) {
	for _, p := range m.payments {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockPaymentRepo) ListByInvoice(_ context.Context, invoiceID string) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockPaymentRepo) SumByInvoice(_ context.Context, invoiceID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (m *mockPaymentRepo) Delete(_ context.Context, id string) error {
	for i, p := range m.payments {
		if p.ID == id {
			m.payments = append(m.payments[:i], m.payments[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

type mockPaymentInvoiceRepo struct {
	invoices map[string]*models.Invoice
	overdue  int64
}

func (m *mockPaymentInvoiceRepo) FindByID(_ context.Context, id string) (*models.Invoice, error) {
	if inv, ok := m.invoices[id]; ok {
		return inv, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockPaymentInvoiceRepo) UpdateStatus(_ context.Context, id string, status models.InvoiceStatus, paidAt *time.Time) error {
	inv, ok := m.invoices[id]
	if !ok {
		return sql.ErrNoRows
	}
	inv.Status = status
	inv.PaidAt = paidAt
	return nil
}

func (m *mockPaymentInvoiceRepo) MarkOverdue(_ context.Context, _ time.Time) (int64, error) {
	return m.overdue, nil
}

func newPaymentFixture() (*PaymentService, *mockPaymentRepo, *mockPaymentInvoiceRepo) {
	repo := &mockPaymentRepo{}
	invoices := &mockPaymentInvoiceRepo{invoices: map[string]*models.Invoice{
		"inv-1": {ID: "inv-1", StudentID: "student-1", Status: models.InvoiceStatusSent, Total: money("100.00")},
	}}
	return NewPaymentService(repo, invoices, nil, nil), repo, invoices
}

func TestPaymentServiceRecordPartialKeepsStatus(t *testing.T) {
	svc, _, invoices := newPaymentFixture()

	payment, err := svc.Record(context.Background(), RecordPaymentRequest{
		InvoiceID: "inv-1",
		Amount:    money("40.00"),
		Method:    models.PaymentMethodBankTransfer,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, payment.ID)
	assert.Equal(t, models.InvoiceStatusSent, invoices.invoices["inv-1"].Status)
}

func TestPaymentServiceRecordFlipsPaidWhenCovered(t *testing.T) {
	svc, _, invoices := newPaymentFixture()

	_, err := svc.Record(context.Background(), RecordPaymentRequest{
		InvoiceID: "inv-1",
		Amount:    money("60.00"),
		Method:    models.PaymentMethodBankTransfer,
	})
	require.NoError(t, err)

	_, err = svc.Record(context.Background(), RecordPaymentRequest{
		InvoiceID: "inv-1",
		Amount:    money("40.00"),
		Method:    models.PaymentMethodCash,
	})
	require.NoError(t, err)

	inv := invoices.invoices["inv-1"]
	assert.Equal(t, models.InvoiceStatusPaid, inv.Status)
	assert.NotNil(t, inv.PaidAt)
}

func TestPaymentServiceRecordCountsLedgerCredits(t *testing.T) {
	svc, _, invoices := newPaymentFixture()
	// 30.00 of the total is already covered by applied ledger credits.
	invoices.invoices["inv-1"].LedgerCreditsApplied = money("30.00")

	_, err := svc.Record(context.Background(), RecordPaymentRequest{
		InvoiceID: "inv-1",
		Amount:    money("70.00"),
		Method:    models.PaymentMethodDirectDebit,
	})
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPaid, invoices.invoices["inv-1"].Status)
}

func TestPaymentServiceRecordRejectsCancelledInvoice(t *testing.T) {
	svc, _, invoices := newPaymentFixture()
	invoices.invoices["inv-1"].Status = models.InvoiceStatusCancelled

	_, err := svc.Record(context.Background(), RecordPaymentRequest{
		InvoiceID: "inv-1",
		Amount:    money("40.00"),
		Method:    models.PaymentMethodCash,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestPaymentServiceRecordRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newPaymentFixture()

	_, err := svc.Record(context.Background(), RecordPaymentRequest{
		InvoiceID: "inv-1",
		Amount:    money("-5.00"),
		Method:    models.PaymentMethodCash,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestPaymentServiceDeleteRevertsPaid(t *testing.T) {
	svc, repo, invoices := newPaymentFixture()

	payment, err := svc.Record(context.Background(), RecordPaymentRequest{
		InvoiceID: "inv-1",
		Amount:    money("100.00"),
		Method:    models.PaymentMethodBankTransfer,
	})
	require.NoError(t, err)
	require.Equal(t, models.InvoiceStatusPaid, invoices.invoices["inv-1"].Status)

	require.NoError(t, svc.Delete(context.Background(), payment.ID))

	inv := invoices.invoices["inv-1"]
	assert.Equal(t, models.InvoiceStatusSent, inv.Status)
	assert.Nil(t, inv.PaidAt)
	assert.Empty(t, repo.payments)
}

func TestPaymentServiceMarkOverdue(t *testing.T) {
	svc, _, invoices := newPaymentFixture()
	invoices.overdue = 3

	count, err := svc.MarkOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
