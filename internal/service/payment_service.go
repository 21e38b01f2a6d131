package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type paymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]models.Payment, error)
	SumByInvoice(ctx context.Context, invoiceID string) (decimal.Decimal, error)
	Delete(ctx context.Context, id string) error
}

type paymentInvoiceRepository interface {
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	UpdateStatus(ctx context.Context, id string, status models.InvoiceStatus, paidAt *time.Time) error
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

// RecordPaymentRequest describes a payment against an invoice.
type RecordPaymentRequest struct {
	InvoiceID string               `json:"invoice_id" validate:"required"`
	Amount    decimal.Decimal      `json:"amount" validate:"required"`
	Method    models.PaymentMethod `json:"method" validate:"required,oneof=BANK_TRANSFER DIRECT_DEBIT CASH CARD"`
	Reference string               `json:"reference"`
	PaidAt    *time.Time           `json:"paid_at,omitempty"`
}

// PaymentService records payments and derives the PAID status of invoices.
type PaymentService struct {
	repo      paymentRepository
	invoices  paymentInvoiceRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewPaymentService constructs PaymentService.
func NewPaymentService(repo paymentRepository, invoices paymentInvoiceRepository, validate *validator.Validate, logger *zap.Logger) *PaymentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{repo: repo, invoices: invoices, validator: validate, logger: logger}
}

// ListByInvoice returns the payments of an invoice.
func (s *PaymentService) ListByInvoice(ctx context.Context, invoiceID string) ([]models.Payment, error) {
	payments, err := s.repo.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return payments, nil
}

// Record registers a payment and flips the invoice to PAID once the received
// amount plus applied ledger credits covers the amount owed.
func (s *PaymentService) Record(ctx context.Context, req RecordPaymentRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	if !req.Amount.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount must be positive")
	}
	invoice, err := s.invoices.FindByID(ctx, req.InvoiceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	switch invoice.Status {
	case models.InvoiceStatusDraft, models.InvoiceStatusSent, models.InvoiceStatusOverdue:
	default:
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "invoice does not accept payments")
	}

	payment := &models.Payment{
		InvoiceID: req.InvoiceID,
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
	}
	if req.PaidAt != nil {
		payment.PaidAt = *req.PaidAt
	}
	if err := s.repo.Create(ctx, payment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
	}

	if err := s.syncPaidStatus(ctx, invoice); err != nil {
		return nil, err
	}

	s.logger.Info("payment recorded",
		zap.String("payment_id", payment.ID),
		zap.String("invoice_id", invoice.ID),
		zap.String("amount", payment.Amount.StringFixed(2)))
	return payment, nil
}

// Delete removes a payment and reverts the invoice's PAID status when the
// remaining payments no longer cover it.
func (s *PaymentService) Delete(ctx context.Context, id string) error {
	payment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	invoice, err := s.invoices.FindByID(ctx, payment.InvoiceID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete payment")
	}
	if err := s.syncPaidStatus(ctx, invoice); err != nil {
		return err
	}
	s.logger.Info("payment deleted",
		zap.String("payment_id", id),
		zap.String("invoice_id", invoice.ID))
	return nil
}

// MarkOverdue flips past-due SENT invoices to OVERDUE and returns the count.
func (s *PaymentService) MarkOverdue(ctx context.Context) (int64, error) {
	count, err := s.invoices.MarkOverdue(ctx, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark overdue invoices")
	}
	if count > 0 {
		s.logger.Info("invoices marked overdue", zap.Int64("count", count))
	}
	return count, nil
}

// syncPaidStatus derives the invoice status from the payment sum. PAID is
// never set on cancelled invoices; a reverted PAID falls back to SENT.
func (s *PaymentService) syncPaidStatus(ctx context.Context, invoice *models.Invoice) error {
	if invoice.Status == models.InvoiceStatusCancelled {
		return nil
	}
	paid, err := s.repo.SumByInvoice(ctx, invoice.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sum payments")
	}
	covered := paid.GreaterThanOrEqual(invoice.AmountOwed())

	switch {
	case covered && invoice.Status != models.InvoiceStatusPaid:
		now := time.Now().UTC()
		if err := s.invoices.UpdateStatus(ctx, invoice.ID, models.InvoiceStatusPaid, &now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark invoice paid")
		}
		invoice.Status = models.InvoiceStatusPaid
		invoice.PaidAt = &now
	case !covered && invoice.Status == models.InvoiceStatusPaid:
		if err := s.invoices.UpdateStatus(ctx, invoice.ID, models.InvoiceStatusSent, nil); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revert invoice status")
		}
		invoice.Status = models.InvoiceStatusSent
		invoice.PaidAt = nil
	}
	return nil
}
