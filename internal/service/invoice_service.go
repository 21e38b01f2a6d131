package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/dto"
	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type invoiceRepository interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	NextNumber(ctx context.Context, exec sqlx.ExtContext) (string, error)
	FindForPeriod(ctx context.Context, exec sqlx.ExtContext, studentID, enrollmentID string, periodStart, periodEnd time.Time) (*models.Invoice, error)
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	FindDetailByID(ctx context.Context, id string) (*models.InvoiceDetail, error)
	List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, int, error)
	CreateTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error
	UpdateTotalsTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error
	UpdateStatus(ctx context.Context, id string, status models.InvoiceStatus, paidAt *time.Time) error
	InsertLineTx(ctx context.Context, exec sqlx.ExtContext, line *models.InvoiceLine) error
	ListLines(ctx context.Context, exec sqlx.ExtContext, invoiceID string) ([]models.InvoiceLine, error)
	DeleteLinesTx(ctx context.Context, exec sqlx.ExtContext, invoiceID string) ([]string, error)
}

type invoiceLessonRepository interface {
	ListInvoiceable(ctx context.Context, exec sqlx.ExtContext, courseID, studentID string, individual bool, periodStart, periodEnd time.Time) ([]models.Lesson, error)
	SetInvoicedTx(ctx context.Context, exec sqlx.ExtContext, lessonIDs []string, invoiced bool) error
}

type invoiceEnrollmentRepository interface {
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ListActiveByPeriodType(ctx context.Context, periodType models.PeriodType) ([]models.EnrollmentDetail, error)
}

type invoiceStudentRepository interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	SetRegistrationFeePaidTx(ctx context.Context, exec sqlx.ExtContext, studentID string, paidAt time.Time) (bool, error)
}

type pricingResolver interface {
	ResolveForDate(ctx context.Context, courseTypeID string, date time.Time) (*models.CourseTypePricingVersion, error)
}

type correctionApplier interface {
	ApplyCorrections(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error
	RevertApplications(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error
	ApplicationsForInvoice(ctx context.Context, invoiceID string) ([]models.StudentLedgerApplication, error)
}

type billingSettingsReader interface {
	Billing(ctx context.Context) (*BillingSettings, error)
}

// GenerateInvoiceRequest describes a single-enrollment generation run.
type GenerateInvoiceRequest struct {
	EnrollmentID string    `json:"enrollment_id" validate:"required"`
	PeriodStart  time.Time `json:"period_start" validate:"required"`
	PeriodEnd    time.Time `json:"period_end" validate:"required"`
}

// GenerateBatchRequest describes a batch generation run over every active
// enrollment billed at the given cadence.
type GenerateBatchRequest struct {
	PeriodType  models.PeriodType `json:"period_type" validate:"required,oneof=MONTHLY QUARTERLY"`
	PeriodStart time.Time         `json:"period_start" validate:"required"`
	PeriodEnd   time.Time         `json:"period_end" validate:"required"`
}

// InvoiceService orchestrates invoice generation, recalculation and the batch
// driver. It owns the transaction boundary; repositories expose Tx variants.
type InvoiceService struct {
	repo        invoiceRepository
	lessons     invoiceLessonRepository
	enrollments invoiceEnrollmentRepository
	students    invoiceStudentRepository
	pricing     pricingResolver
	ledger      correctionApplier
	settings    billingSettingsReader
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
	now         func() time.Time
}

// WithMetrics attaches Prometheus counters for invoice generation.
func (s *InvoiceService) WithMetrics(m *MetricsService) *InvoiceService {
	s.metrics = m
	return s
}

// NewInvoiceService constructs InvoiceService.
func NewInvoiceService(repo invoiceRepository, lessons invoiceLessonRepository, enrollments invoiceEnrollmentRepository, students invoiceStudentRepository, pricing pricingResolver, ledger correctionApplier, settings billingSettingsReader, validate *validator.Validate, logger *zap.Logger) *InvoiceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvoiceService{
		repo:        repo,
		lessons:     lessons,
		enrollments: enrollments,
		students:    students,
		pricing:     pricing,
		ledger:      ledger,
		settings:    settings,
		validator:   validate,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// List returns invoices with pagination metadata.
func (s *InvoiceService) List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, *models.Pagination, error) {
	invoices, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list invoices")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return invoices, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns an invoice with its lines and ledger applications.
func (s *InvoiceService) Get(ctx context.Context, id string) (*models.InvoiceDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	detail.Applications, err = s.ledger.ApplicationsForInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// Generate creates an invoice for one enrollment and billing period. All
// preconditions are checked before the first write; every write happens in a
// single transaction so a failure leaves no partial invoice behind.
func (s *InvoiceService) Generate(ctx context.Context, req GenerateInvoiceRequest) (*models.InvoiceDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid invoice generation payload")
	}
	if req.PeriodEnd.Before(req.PeriodStart) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "period_end before period_start")
	}

	enrollment, err := s.enrollments.FindDetailByID(ctx, req.EnrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	invoice, err := s.generateForEnrollment(ctx, enrollment, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return nil, err
	}
	detail, err := s.Get(ctx, invoice.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load generated invoice")
	}

	s.metrics.RecordInvoiceGenerated()
	s.logger.Info("invoice generated",
		zap.String("invoice_id", invoice.ID),
		zap.String("number", invoice.Number),
		zap.String("enrollment_id", req.EnrollmentID),
		zap.String("total", invoice.Total.StringFixed(2)))
	return detail, nil
}

// GenerateBatch runs the single-enrollment path over every active enrollment
// with the requested billing cadence. The batch never aborts: duplicates and
// empty periods are recorded as skips, unexpected errors as failures.
func (s *InvoiceService) GenerateBatch(ctx context.Context, req GenerateBatchRequest) (*dto.BatchGenerationResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch generation payload")
	}
	if req.PeriodEnd.Before(req.PeriodStart) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "period_end before period_start")
	}

	enrollments, err := s.enrollments.ListActiveByPeriodType(ctx, req.PeriodType)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments for batch")
	}

	result := &dto.BatchGenerationResult{Total: len(enrollments)}
	for i := range enrollments {
		enrollment := enrollments[i]
		item := dto.BatchItemResult{
			EnrollmentID: enrollment.ID,
			StudentName:  enrollment.StudentName,
			CourseName:   enrollment.CourseName,
		}
		invoice, err := s.generateForEnrollment(ctx, &enrollment, req.PeriodStart, req.PeriodEnd)
		switch {
		case err == nil:
			item.Status = dto.BatchItemCreated
			item.InvoiceID = invoice.ID
			item.InvoiceNumber = invoice.Number
			result.Created++
			s.metrics.RecordInvoiceGenerated()
		case isExpectedSkip(err):
			item.Status = dto.BatchItemSkipped
			item.Reason = appErrors.FromError(err).Message
			result.Skipped++
		default:
			item.Status = dto.BatchItemFailed
			item.Reason = appErrors.FromError(err).Message
			result.Failed++
			s.logger.Warn("batch invoice generation failed",
				zap.String("enrollment_id", enrollment.ID),
				zap.Error(err))
		}
		s.metrics.RecordBatchItem(string(item.Status))
		result.Items = append(result.Items, item)
	}

	s.logger.Info("batch invoice generation finished",
		zap.String("period_type", string(req.PeriodType)),
		zap.Int("total", result.Total),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

func isExpectedSkip(err error) bool {
	code := appErrors.FromError(err).Code
	return code == appErrors.ErrDuplicateInvoice.Code || code == appErrors.ErrNoInvoiceableItems.Code
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *InvoiceService) generateForEnrollment(ctx context.Context, enrollment *models.EnrollmentDetail, periodStart, periodEnd time.Time) (invoice *models.Invoice, err error) {
	periodStart = truncateToDay(periodStart)
	periodEnd = truncateToDay(periodEnd)

	student, err := s.students.FindByID(ctx, enrollment.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	billing, err := s.settings.Billing(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// The duplicate check and the lesson listing run inside the transaction
	// so SetInvoicedTx flags exactly the rows read here. The partial unique
	// index on (student_id, enrollment_id, period_start, period_end) catches
	// the race two concurrent generations leave open.
	existing, err := s.repo.FindForPeriod(ctx, tx, enrollment.StudentID, enrollment.ID, periodStart, periodEnd)
	if err != nil && err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check invoice uniqueness")
	}
	if existing != nil {
		err = appErrors.Clone(appErrors.ErrDuplicateInvoice, fmt.Sprintf("invoice %s already exists for this period", existing.Number))
		return nil, err
	}

	individual := enrollment.BillingMode == models.BillingModeIndividual
	lessons, err := s.lessons.ListInvoiceable(ctx, tx, enrollment.CourseID, enrollment.StudentID, individual, periodStart, periodEnd)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list invoiceable lessons")
	}
	if len(lessons) == 0 {
		err = appErrors.Clone(appErrors.ErrNoInvoiceableItems, "no invoiceable lessons in period")
		return nil, err
	}

	child := student.IsChildAt(periodStart, billing.ChildAgeLimit)
	lines, lessonIDs, err := s.buildLessonLines(ctx, enrollment, lessons, child)
	if err != nil {
		return nil, err
	}

	issuedAt := s.now()
	number, err := s.repo.NextNumber(ctx, tx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate invoice number")
	}

	enrollmentID := enrollment.ID
	invoice = &models.Invoice{
		Number:       number,
		StudentID:    enrollment.StudentID,
		EnrollmentID: &enrollmentID,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		Status:       models.InvoiceStatusDraft,
		IssuedAt:     issuedAt,
		DueAt:        issuedAt.AddDate(0, 0, billing.PaymentDueDays),
		Subtotal:     decimal.Zero,
		VATRate:      billing.VATRate,
		VATAmount:    decimal.Zero,
		Total:        decimal.Zero,
	}
	if err = s.repo.CreateTx(ctx, tx, invoice); err != nil {
		if isUniqueViolation(err) {
			err = appErrors.Clone(appErrors.ErrDuplicateInvoice, "invoice already exists for this period")
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create invoice")
	}

	// One-time registration fee, guarded by the null-timestamp update so a
	// concurrent generation cannot apply it twice.
	if student.RegistrationFeePaidAt == nil && !enrollment.IsTrial {
		stamped, feeErr := s.students.SetRegistrationFeePaidTx(ctx, tx, student.ID, issuedAt)
		if feeErr != nil {
			err = appErrors.Wrap(feeErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply registration fee")
			return nil, err
		}
		if !stamped {
			err = appErrors.Clone(appErrors.ErrConflict, "registration fee already applied")
			return nil, err
		}
		lines = append(lines, models.InvoiceLine{
			Kind:        models.InvoiceLineKindRegistrationFee,
			Description: billing.RegistrationFeeDescription,
			Quantity:    1,
			UnitPrice:   billing.RegistrationFee,
			LineTotal:   billing.RegistrationFee,
		})
	}

	for i := range lines {
		lines[i].InvoiceID = invoice.ID
		if err = s.repo.InsertLineTx(ctx, tx, &lines[i]); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to insert invoice line")
		}
	}
	if err = s.lessons.SetInvoicedTx(ctx, tx, lessonIDs, true); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to flag lessons invoiced")
	}

	s.computeTotals(invoice, lines, billing.VATRate)
	if err = s.ledger.ApplyCorrections(ctx, tx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply ledger corrections")
	}
	if err = s.repo.UpdateTotalsTx(ctx, tx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist invoice totals")
	}
	if err = tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit invoice")
	}
	return invoice, nil
}

// buildLessonLines prices each lesson with the version valid on its date and
// the enrollment discount.
func (s *InvoiceService) buildLessonLines(ctx context.Context, enrollment *models.EnrollmentDetail, lessons []models.Lesson, child bool) ([]models.InvoiceLine, []string, error) {
	discountFactor := decimal.NewFromInt(1).Sub(enrollment.DiscountPercent.Div(decimal.NewFromInt(100)))

	lines := make([]models.InvoiceLine, 0, len(lessons))
	lessonIDs := make([]string, 0, len(lessons))
	for _, lesson := range lessons {
		version, err := s.pricing.ResolveForDate(ctx, enrollment.CourseTypeID, lesson.ScheduledDate)
		if err != nil {
			return nil, nil, err
		}
		unitPrice := version.PriceFor(child).Mul(discountFactor).Round(2)
		lessonID := lesson.ID
		versionID := version.ID
		lines = append(lines, models.InvoiceLine{
			LessonID:         &lessonID,
			PricingVersionID: &versionID,
			Kind:             models.InvoiceLineKindLesson,
			Description:      fmt.Sprintf("%s - %s", enrollment.CourseName, lesson.ScheduledDate.Format("2006-01-02")),
			Quantity:         1,
			UnitPrice:        unitPrice,
			LineTotal:        unitPrice,
		})
		lessonIDs = append(lessonIDs, lesson.ID)
	}
	return lines, lessonIDs, nil
}

func (s *InvoiceService) computeTotals(invoice *models.Invoice, lines []models.InvoiceLine, vatRate decimal.Decimal) {
	invoice.Subtotal = models.SubtotalOf(lines)
	invoice.VATRate = vatRate
	invoice.VATAmount = invoice.Subtotal.Mul(vatRate).Div(decimal.NewFromInt(100)).Round(2)
	invoice.Total = invoice.Subtotal.Add(invoice.VATAmount)
}

// Recalculate rebuilds a DRAFT invoice against the current lesson set and
// pricing. When no invoiceable lessons remain the invoice is cancelled with
// all monetary fields zeroed. Any failure rolls back, leaving the invoice as
// it was.
func (s *InvoiceService) Recalculate(ctx context.Context, id string) (detail *models.InvoiceDetail, err error) {
	invoice, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	if invoice.Status != models.InvoiceStatusDraft {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "only draft invoices can be recalculated")
	}
	if invoice.EnrollmentID == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "invoice has no enrollment")
	}
	enrollment, err := s.enrollments.FindDetailByID(ctx, *invoice.EnrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	student, err := s.students.FindByID(ctx, invoice.StudentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	billing, err := s.settings.Billing(ctx)
	if err != nil {
		return nil, err
	}

	previousLines, err := s.repo.ListLines(ctx, nil, invoice.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice lines")
	}
	var feeLine *models.InvoiceLine
	for i := range previousLines {
		if previousLines[i].Kind == models.InvoiceLineKindRegistrationFee {
			feeLine = &previousLines[i]
			break
		}
	}

	tx, err := s.repo.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.ledger.RevertApplications(ctx, tx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revert ledger applications")
	}
	previousLessonIDs, err := s.repo.DeleteLinesTx(ctx, tx, invoice.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete invoice lines")
	}
	if err = s.lessons.SetInvoicedTx(ctx, tx, previousLessonIDs, false); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release lessons")
	}

	individual := enrollment.BillingMode == models.BillingModeIndividual
	lessons, err := s.lessons.ListInvoiceable(ctx, tx, enrollment.CourseID, enrollment.StudentID, individual, invoice.PeriodStart, invoice.PeriodEnd)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list invoiceable lessons")
	}

	if len(lessons) == 0 {
		invoice.Status = models.InvoiceStatusCancelled
		invoice.Subtotal = decimal.Zero
		invoice.VATAmount = decimal.Zero
		invoice.Total = decimal.Zero
		invoice.LedgerDebitsApplied = decimal.Zero
		invoice.LedgerCreditsApplied = decimal.Zero
		invoice.PaidAt = nil
		if err = s.repo.UpdateTotalsTx(ctx, tx, invoice); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel empty invoice")
		}
		if err = tx.Commit(); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit recalculation")
		}
		s.logger.Info("invoice cancelled on recalculation", zap.String("invoice_id", invoice.ID))
		return s.Get(ctx, invoice.ID)
	}

	child := student.IsChildAt(invoice.PeriodStart, billing.ChildAgeLimit)
	lines, lessonIDs, err := s.buildLessonLines(ctx, enrollment, lessons, child)
	if err != nil {
		return nil, err
	}
	// The registration fee stays on the invoice it was first billed on.
	if feeLine != nil {
		lines = append(lines, models.InvoiceLine{
			Kind:        models.InvoiceLineKindRegistrationFee,
			Description: feeLine.Description,
			Quantity:    1,
			UnitPrice:   feeLine.UnitPrice,
			LineTotal:   feeLine.LineTotal,
		})
	}

	for i := range lines {
		lines[i].ID = ""
		lines[i].InvoiceID = invoice.ID
		if err = s.repo.InsertLineTx(ctx, tx, &lines[i]); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to insert invoice line")
		}
	}
	if err = s.lessons.SetInvoicedTx(ctx, tx, lessonIDs, true); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to flag lessons invoiced")
	}

	invoice.Status = models.InvoiceStatusDraft
	invoice.PaidAt = nil
	s.computeTotals(invoice, lines, billing.VATRate)
	if err = s.ledger.ApplyCorrections(ctx, tx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply ledger corrections")
	}
	if err = s.repo.UpdateTotalsTx(ctx, tx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist invoice totals")
	}
	if err = tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit recalculation")
	}

	s.metrics.RecordInvoiceRecalculated()
	s.logger.Info("invoice recalculated",
		zap.String("invoice_id", invoice.ID),
		zap.String("total", invoice.Total.StringFixed(2)))
	return s.Get(ctx, invoice.ID)
}

// Send marks a DRAFT invoice as issued to the student.
func (s *InvoiceService) Send(ctx context.Context, id string) (*models.Invoice, error) {
	invoice, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	if invoice.Status != models.InvoiceStatusDraft {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "only draft invoices can be sent")
	}
	if err := s.repo.UpdateStatus(ctx, id, models.InvoiceStatusSent, nil); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to send invoice")
	}
	invoice.Status = models.InvoiceStatusSent
	return invoice, nil
}

// Cancel voids an unpaid invoice, releasing its lessons and ledger
// applications so they can be billed again.
func (s *InvoiceService) Cancel(ctx context.Context, id string) (result *models.Invoice, err error) {
	invoice, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	if invoice.Status == models.InvoiceStatusPaid || invoice.Status == models.InvoiceStatusCancelled {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "invoice cannot be cancelled")
	}

	tx, err := s.repo.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.ledger.RevertApplications(ctx, tx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revert ledger applications")
	}
	lessonIDs, err := s.repo.DeleteLinesTx(ctx, tx, invoice.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete invoice lines")
	}
	if err = s.lessons.SetInvoicedTx(ctx, tx, lessonIDs, false); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release lessons")
	}

	invoice.Status = models.InvoiceStatusCancelled
	invoice.Subtotal = decimal.Zero
	invoice.VATAmount = decimal.Zero
	invoice.Total = decimal.Zero
	invoice.PaidAt = nil
	if err = s.repo.UpdateTotalsTx(ctx, tx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel invoice")
	}
	if err = tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit cancellation")
	}

	s.logger.Info("invoice cancelled", zap.String("invoice_id", invoice.ID))
	return invoice, nil
}
