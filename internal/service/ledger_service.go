package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/models"
	"github.com/noah-isme/musicschool-api/pkg/database"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type ledgerRepository interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	NextReference(ctx context.Context) (string, error)
	FindEntryByID(ctx context.Context, id string) (*models.StudentLedgerEntry, error)
	ListEntries(ctx context.Context, filter models.LedgerEntryFilter) ([]models.StudentLedgerEntry, int, error)
	ListOpenByStudentTx(ctx context.Context, exec sqlx.ExtContext, studentID string) ([]models.StudentLedgerEntry, error)
	CreateEntry(ctx context.Context, entry *models.StudentLedgerEntry) error
	UpdateEntryStatusTx(ctx context.Context, exec sqlx.ExtContext, entryID string, status models.LedgerEntryStatus) error
	AppliedSumTx(ctx context.Context, exec sqlx.ExtContext, entryID, excludeApplicationID string) (decimal.Decimal, error)
	InsertApplicationTx(ctx context.Context, exec sqlx.ExtContext, app *models.StudentLedgerApplication) error
	FindApplicationByID(ctx context.Context, id string) (*models.StudentLedgerApplication, error)
	ListApplicationsByInvoiceTx(ctx context.Context, exec sqlx.ExtContext, invoiceID string) ([]models.StudentLedgerApplication, error)
	DeleteApplicationTx(ctx context.Context, exec sqlx.ExtContext, id string) error
	DeleteApplicationsByInvoiceTx(ctx context.Context, exec sqlx.ExtContext, invoiceID string) ([]models.StudentLedgerApplication, error)
}

type ledgerInvoiceRepository interface {
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	UpdateTotalsTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error
}

type paymentSummer interface {
	SumByInvoice(ctx context.Context, invoiceID string) (decimal.Decimal, error)
}

type ledgerStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

// CreateLedgerEntryRequest describes a new manual credit or debit.
type CreateLedgerEntryRequest struct {
	StudentID   string                 `json:"student_id" validate:"required"`
	Type        models.LedgerEntryType `json:"type" validate:"required,oneof=CREDIT DEBIT"`
	Amount      decimal.Decimal        `json:"amount" validate:"required"`
	Description string                 `json:"description" validate:"required"`
}

// LedgerService manages standalone student credits/debits and their
// application to invoices.
type LedgerService struct {
	repo      ledgerRepository
	invoices  ledgerInvoiceRepository
	payments  paymentSummer
	students  ledgerStudentReader
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
}

// WithMetrics attaches Prometheus counters for ledger applications.
func (s *LedgerService) WithMetrics(m *MetricsService) *LedgerService {
	s.metrics = m
	return s
}

// NewLedgerService constructs LedgerService.
func NewLedgerService(repo ledgerRepository, invoices ledgerInvoiceRepository, payments paymentSummer, students ledgerStudentReader, validate *validator.Validate, logger *zap.Logger) *LedgerService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{repo: repo, invoices: invoices, payments: payments, students: students, validator: validate, logger: logger}
}

// List returns ledger entries with pagination metadata.
func (s *LedgerService) List(ctx context.Context, filter models.LedgerEntryFilter) ([]models.StudentLedgerEntry, *models.Pagination, error) {
	entries, total, err := s.repo.ListEntries(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list ledger entries")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return entries, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one ledger entry.
func (s *LedgerService) Get(ctx context.Context, id string) (*models.StudentLedgerEntry, error) {
	entry, err := s.repo.FindEntryByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "ledger entry not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger entry")
	}
	return entry, nil
}

// CreateEntry records a new OPEN ledger entry with a generated reference.
func (s *LedgerService) CreateEntry(ctx context.Context, req CreateLedgerEntryRequest) (*models.StudentLedgerEntry, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid ledger entry payload")
	}
	if !req.Amount.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount must be positive")
	}
	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	reference, err := s.repo.NextReference(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate ledger reference")
	}
	entry := &models.StudentLedgerEntry{
		StudentID:   req.StudentID,
		Type:        req.Type,
		Amount:      req.Amount,
		Reference:   reference,
		Description: req.Description,
		Status:      models.LedgerEntryStatusOpen,
	}
	if err := database.Retry(ctx, func() error { return s.repo.CreateEntry(ctx, entry) }); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create ledger entry")
	}

	s.logger.Info("ledger entry created",
		zap.String("entry_id", entry.ID),
		zap.String("student_id", entry.StudentID),
		zap.String("type", string(entry.Type)),
		zap.String("reference", entry.Reference))
	return entry, nil
}

// ApplyCorrections applies the student's open ledger entries to the invoice
// inside the caller's transaction. Debits are applied first in full, then
// credits capped at the remaining amount owed, so credits can never offset
// charges the debits have not yet raised. The invoice's applied totals and
// status are mutated in place; the caller persists them.
func (s *LedgerService) ApplyCorrections(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error {
	entries, err := s.repo.ListOpenByStudentTx(ctx, exec, invoice.StudentID)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Type != models.LedgerEntryTypeDebit {
			continue
		}
		available, applied, err := s.availableAmount(ctx, exec, entry)
		if err != nil {
			return err
		}
		if !available.IsPositive() {
			continue
		}
		if err := s.apply(ctx, exec, entry, invoice.ID, available, applied); err != nil {
			return err
		}
		invoice.LedgerDebitsApplied = invoice.LedgerDebitsApplied.Add(available)
	}

	for _, entry := range entries {
		if entry.Type != models.LedgerEntryTypeCredit {
			continue
		}
		owed := invoice.AmountOwed()
		if !owed.IsPositive() {
			break
		}
		available, applied, err := s.availableAmount(ctx, exec, entry)
		if err != nil {
			return err
		}
		if !available.IsPositive() {
			continue
		}
		amount := decimal.Min(available, owed)
		if err := s.apply(ctx, exec, entry, invoice.ID, amount, applied); err != nil {
			return err
		}
		invoice.LedgerCreditsApplied = invoice.LedgerCreditsApplied.Add(amount)
	}

	if invoice.AmountOwed().LessThanOrEqual(decimal.Zero) {
		now := time.Now().UTC()
		invoice.Status = models.InvoiceStatusPaid
		invoice.PaidAt = &now
	}
	return nil
}

// ApplicationsForInvoice returns the applications recorded against an invoice,
// oldest first.
func (s *LedgerService) ApplicationsForInvoice(ctx context.Context, invoiceID string) ([]models.StudentLedgerApplication, error) {
	apps, err := s.repo.ListApplicationsByInvoiceTx(ctx, nil, invoiceID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list ledger applications")
	}
	return apps, nil
}

// RevertApplications removes every application of an invoice, recomputes each
// source entry's status from the surviving applications and zeroes the
// invoice's applied totals in place.
func (s *LedgerService) RevertApplications(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error {
	deleted, err := s.repo.DeleteApplicationsByInvoiceTx(ctx, exec, invoice.ID)
	if err != nil {
		return err
	}
	for _, app := range deleted {
		if err := s.recomputeEntryStatus(ctx, exec, app.LedgerEntryID, ""); err != nil {
			return err
		}
	}
	invoice.LedgerDebitsApplied = decimal.Zero
	invoice.LedgerCreditsApplied = decimal.Zero
	return nil
}

// DecoupleApplication removes a single application from its invoice, reopening
// the source entry's remaining amount and reverting the invoice's PAID status
// when payments no longer cover it.
func (s *LedgerService) DecoupleApplication(ctx context.Context, id string) (result *models.Invoice, err error) {
	app, err := s.repo.FindApplicationByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "ledger application not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger application")
	}
	entry, err := s.repo.FindEntryByID(ctx, app.LedgerEntryID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger entry")
	}
	invoice, err := s.invoices.FindByID(ctx, app.InvoiceID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	paid, err := s.payments.SumByInvoice(ctx, invoice.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sum payments")
	}

	baseDebits := invoice.LedgerDebitsApplied
	baseCredits := invoice.LedgerCreditsApplied
	baseStatus := invoice.Status
	basePaidAt := invoice.PaidAt

	err = database.Retry(ctx, func() error {
		// The closure mutates the loaded invoice, so every attempt has to
		// start from the state read before the retry loop.
		invoice.LedgerDebitsApplied = baseDebits
		invoice.LedgerCreditsApplied = baseCredits
		invoice.Status = baseStatus
		invoice.PaidAt = basePaidAt

		tx, txErr := s.repo.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() {
			if txErr != nil {
				_ = tx.Rollback()
			}
		}()

		if txErr = s.repo.DeleteApplicationTx(ctx, tx, app.ID); txErr != nil {
			return txErr
		}
		if txErr = s.recomputeEntryStatus(ctx, tx, entry.ID, ""); txErr != nil {
			return txErr
		}

		switch entry.Type {
		case models.LedgerEntryTypeDebit:
			invoice.LedgerDebitsApplied = invoice.LedgerDebitsApplied.Sub(app.Amount)
		case models.LedgerEntryTypeCredit:
			invoice.LedgerCreditsApplied = invoice.LedgerCreditsApplied.Sub(app.Amount)
		}
		if invoice.Status == models.InvoiceStatusPaid {
			covered := paid.Add(invoice.LedgerCreditsApplied)
			if covered.LessThan(invoice.Total.Add(invoice.LedgerDebitsApplied)) {
				invoice.Status = models.InvoiceStatusSent
				invoice.PaidAt = nil
			}
		}
		if txErr = s.invoices.UpdateTotalsTx(ctx, tx, invoice); txErr != nil {
			return txErr
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decouple ledger application")
	}

	s.logger.Info("ledger application decoupled",
		zap.String("application_id", app.ID),
		zap.String("entry_id", entry.ID),
		zap.String("invoice_id", invoice.ID))
	return invoice, nil
}

func (s *LedgerService) availableAmount(ctx context.Context, exec sqlx.ExtContext, entry models.StudentLedgerEntry) (decimal.Decimal, decimal.Decimal, error) {
	applied, err := s.repo.AppliedSumTx(ctx, exec, entry.ID, "")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return entry.Amount.Sub(applied), applied, nil
}

func (s *LedgerService) apply(ctx context.Context, exec sqlx.ExtContext, entry models.StudentLedgerEntry, invoiceID string, amount, priorApplied decimal.Decimal) error {
	app := &models.StudentLedgerApplication{
		LedgerEntryID: entry.ID,
		InvoiceID:     invoiceID,
		Amount:        amount,
	}
	if err := s.repo.InsertApplicationTx(ctx, exec, app); err != nil {
		return err
	}
	s.metrics.RecordLedgerApplication(string(entry.Type))
	return s.repo.UpdateEntryStatusTx(ctx, exec, entry.ID, entry.StatusForApplied(priorApplied.Add(amount)))
}

func (s *LedgerService) recomputeEntryStatus(ctx context.Context, exec sqlx.ExtContext, entryID, excludeApplicationID string) error {
	entry, err := s.repo.FindEntryByID(ctx, entryID)
	if err != nil {
		return err
	}
	applied, err := s.repo.AppliedSumTx(ctx, exec, entryID, excludeApplicationID)
	if err != nil {
		return err
	}
	return s.repo.UpdateEntryStatusTx(ctx, exec, entryID, entry.StatusForApplied(applied))
}
