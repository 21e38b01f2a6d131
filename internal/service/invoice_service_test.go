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

	"github.com/noah-isme/musicschool-api/internal/dto"
	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type mockInvoiceRepo struct {
	db        *sqlx.DB
	invoices  map[string]*models.Invoice
	lines     map[string][]models.InvoiceLine
	seq       int
	numberSeq int
	lineSeq   int
	createErr error
}

func (m *mockInvoiceRepo) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return m.db.BeginTxx(ctx, opts)
}

func (m *mockInvoiceRepo) NextNumber(_ context.Context, _ sqlx.ExtContext) (string, error) {
	m.numberSeq++
	return fmt.Sprintf("INV-%06d", m.numberSeq), nil
}

func (m *mockInvoiceRepo) FindForPeriod(_ context.Context, _ sqlx.ExtContext, studentID, enrollmentID string, periodStart, periodEnd time.Time) (*models.Invoice, error) {
	for _, inv := range m.invoices {
		if inv.Status == models.InvoiceStatusCancelled {
			continue
		}
		if inv.StudentID == studentID && inv.EnrollmentID != nil && *inv.EnrollmentID == enrollmentID &&
			inv.PeriodStart.Equal(periodStart) && inv.PeriodEnd.Equal(periodEnd) {
			return inv, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockInvoiceRepo) FindByID(_ context.Context, id string) (*models.Invoice, error) {
	if inv, ok := m.invoices[id]; ok {
		return inv, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockInvoiceRepo) FindDetailByID(_ context.Context, id string) (*models.InvoiceDetail, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.InvoiceDetail{Invoice: *inv, Lines: m.lines[id]}, nil
}

func (m *mockInvoiceRepo) List(_ context.Context, _ models.InvoiceFilter) ([]models.Invoice, int, error) {
	out := make([]models.Invoice, 0, len(m.invoices))
	for _, inv := range m.invoices {
		out = append(out, *inv)
	}
	return out, len(out), nil
}

func (m *mockInvoiceRepo) CreateTx(_ context.Context, _ sqlx.ExtContext, invoice *models.Invoice) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.seq++
	invoice.ID = fmt.Sprintf("inv-%d", m.seq)
	m.invoices[invoice.ID] = invoice
	return nil
}

func (m *mockInvoiceRepo) UpdateTotalsTx(_ context.Context, _ sqlx.ExtContext, invoice *models.Invoice) error {
	m.invoices[invoice.ID] = invoice
	return nil
}

func (m *mockInvoiceRepo) UpdateStatus(_ context.Context, id string, status models.InvoiceStatus, paidAt *time.Time) error {
	inv, ok := m.invoices[id]
	if !ok {
		return sql.ErrNoRows
	}
	inv.Status = status
	inv.PaidAt = paidAt
	return nil
}

func (m *mockInvoiceRepo) InsertLineTx(_ context.Context, _ sqlx.ExtContext, line *models.InvoiceLine) error {
	m.lineSeq++
	line.ID = fmt.Sprintf("line-%d", m.lineSeq)
	m.lines[line.InvoiceID] = append(m.lines[line.InvoiceID], *line)
	return nil
}

func (m *mockInvoiceRepo) ListLines(_ context.Context, _ sqlx.ExtContext, invoiceID string) ([]models.InvoiceLine, error) {
	return m.lines[invoiceID], nil
}

func (m *mockInvoiceRepo) DeleteLinesTx(_ context.Context, _ sqlx.ExtContext, invoiceID string) ([]string, error) {
	var lessonIDs []string
	for _, line := range m.lines[invoiceID] {
		if line.LessonID != nil {
			lessonIDs = append(lessonIDs, *line.LessonID)
		}
	}
	delete(m.lines, invoiceID)
	return lessonIDs, nil
}

type mockInvoiceLessonRepo struct {
	lessons  []models.Lesson
	invoiced map[string]bool
}

func (m *mockInvoiceLessonRepo) ListInvoiceable(_ context.Context, _ sqlx.ExtContext, courseID, _ string, _ bool, periodStart, periodEnd time.Time) ([]models.Lesson, error) {
	var out []models.Lesson
	for _, lesson := range m.lessons {
		if lesson.CourseID != courseID || m.invoiced[lesson.ID] {
			continue
		}
		if lesson.ScheduledDate.Before(periodStart) || lesson.ScheduledDate.After(periodEnd) {
			continue
		}
		out = append(out, lesson)
	}
	return out, nil
}

func (m *mockInvoiceLessonRepo) SetInvoicedTx(_ context.Context, _ sqlx.ExtContext, lessonIDs []string, invoiced bool) error {
	for _, id := range lessonIDs {
		m.invoiced[id] = invoiced
	}
	return nil
}

type mockInvoiceEnrollmentRepo struct {
	details map[string]*models.EnrollmentDetail
	active  []models.EnrollmentDetail
}

func (m *mockInvoiceEnrollmentRepo) FindDetailByID(_ context.Context, id string) (*models.EnrollmentDetail, error) {
	if d, ok := m.details[id]; ok {
		return d, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockInvoiceEnrollmentRepo) ListActiveByPeriodType(_ context.Context, _ models.PeriodType) ([]models.EnrollmentDetail, error) {
	return m.active, nil
}

type mockInvoiceStudentRepo struct {
	students map[string]*models.Student
}

func (m *mockInvoiceStudentRepo) FindByID(_ context.Context, id string) (*models.Student, error) {
	if s, ok := m.students[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockInvoiceStudentRepo) SetRegistrationFeePaidTx(_ context.Context, _ sqlx.ExtContext, studentID string, paidAt time.Time) (bool, error) {
	student, ok := m.students[studentID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if student.RegistrationFeePaidAt != nil {
		return false, nil
	}
	student.RegistrationFeePaidAt = &paidAt
	return true, nil
}

type stubPricingResolver struct {
	versions []models.CourseTypePricingVersion
}

func (s *stubPricingResolver) ResolveForDate(_ context.Context, courseTypeID string, date time.Time) (*models.CourseTypePricingVersion, error) {
	var best *models.CourseTypePricingVersion
	for i := range s.versions {
		v := &s.versions[i]
		if v.CourseTypeID != courseTypeID || date.Before(v.ValidFrom) {
			continue
		}
		if v.ValidUntil != nil && date.After(*v.ValidUntil) {
			continue
		}
		if best == nil || v.ValidFrom.After(best.ValidFrom) {
			best = v
		}
	}
	if best == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no pricing version for date")
	}
	return best, nil
}

type stubCorrectionApplier struct {
	applyCalls   int
	revertCalls  int
	applications []models.StudentLedgerApplication
}

func (s *stubCorrectionApplier) ApplyCorrections(_ context.Context, _ sqlx.ExtContext, _ *models.Invoice) error {
	s.applyCalls++
	return nil
}

func (s *stubCorrectionApplier) RevertApplications(_ context.Context, _ sqlx.ExtContext, invoice *models.Invoice) error {
	s.revertCalls++
	invoice.LedgerDebitsApplied = decimal.Zero
	invoice.LedgerCreditsApplied = decimal.Zero
	return nil
}

func (s *stubCorrectionApplier) ApplicationsForInvoice(_ context.Context, invoiceID string) ([]models.StudentLedgerApplication, error) {
	var out []models.StudentLedgerApplication
	for _, app := range s.applications {
		if app.InvoiceID == invoiceID {
			out = append(out, app)
		}
	}
	return out, nil
}

type stubBillingReader struct {
	billing BillingSettings
}

func (s *stubBillingReader) Billing(_ context.Context) (*BillingSettings, error) {
	b := s.billing
	return &b, nil
}

type invoiceFixture struct {
	svc         *InvoiceService
	repo        *mockInvoiceRepo
	lessons     *mockInvoiceLessonRepo
	enrollments *mockInvoiceEnrollmentRepo
	students    *mockInvoiceStudentRepo
	pricing     *stubPricingResolver
	corrections *stubCorrectionApplier
	mock        sqlmock.Sqlmock
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func newInvoiceFixture(t *testing.T) *invoiceFixture {
	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })

	validUntil := day(2026, time.April, 30)
	f := &invoiceFixture{
		repo: &mockInvoiceRepo{
			db:       sqlx.NewDb(rawDB, "sqlmock"),
			invoices: map[string]*models.Invoice{},
			lines:    map[string][]models.InvoiceLine{},
		},
		lessons: &mockInvoiceLessonRepo{invoiced: map[string]bool{}},
		enrollments: &mockInvoiceEnrollmentRepo{details: map[string]*models.EnrollmentDetail{
			"enr-1": {
				Enrollment: models.Enrollment{
					ID:              "enr-1",
					StudentID:       "student-1",
					CourseID:        "course-1",
					DiscountPercent: decimal.Zero,
					PeriodType:      models.PeriodTypeMonthly,
					Status:          models.EnrollmentStatusActive,
				},
				StudentName:  "Emma de Vries",
				CourseName:   "Guitar Beginners",
				CourseTypeID: "ct-1",
				BillingMode:  models.BillingModeIndividual,
			},
		}},
		students: &mockInvoiceStudentRepo{students: map[string]*models.Student{
			"student-1": {
				ID:          "student-1",
				FirstName:   "Emma",
				LastName:    "de Vries",
				DateOfBirth: day(1990, time.June, 15),
			},
		}},
		pricing: &stubPricingResolver{versions: []models.CourseTypePricingVersion{
			{
				ID:           "ver-1",
				CourseTypeID: "ct-1",
				AdultPrice:   money("30.00"),
				ChildPrice:   money("20.00"),
				ValidFrom:    day(2025, time.January, 1),
				ValidUntil:   &validUntil,
			},
			{
				ID:           "ver-2",
				CourseTypeID: "ct-1",
				AdultPrice:   money("35.00"),
				ChildPrice:   money("25.00"),
				ValidFrom:    day(2026, time.May, 1),
				IsCurrent:    true,
			},
		}},
		corrections: &stubCorrectionApplier{},
		mock:        mock,
	}
	f.svc = NewInvoiceService(
		f.repo, f.lessons, f.enrollments, f.students, f.pricing, f.corrections,
		&stubBillingReader{billing: BillingSettings{
			VATRate:                    money("21"),
			PaymentDueDays:             14,
			RegistrationFee:            money("25.00"),
			RegistrationFeeDescription: "Registration fee",
			ChildAgeLimit:              18,
		}},
		nil, nil,
	)
	return f
}

func (f *invoiceFixture) addLesson(id string, date time.Time) {
	f.lessons.lessons = append(f.lessons.lessons, models.Lesson{
		ID:            id,
		CourseID:      "course-1",
		ScheduledDate: date,
		Status:        models.LessonStatusScheduled,
	})
}

func (f *invoiceFixture) markFeePaid() {
	paid := day(2025, time.September, 1)
	f.students.students["student-1"].RegistrationFeePaidAt = &paid
}

func TestInvoiceServiceGenerate(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	f.addLesson("lesson-1", day(2026, time.March, 3))
	f.addLesson("lesson-2", day(2026, time.March, 10))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	detail, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)

	assert.Equal(t, "INV-000001", detail.Number)
	assert.Equal(t, models.InvoiceStatusDraft, detail.Status)
	assert.True(t, detail.Subtotal.Equal(money("60.00")), "subtotal %s", detail.Subtotal)
	assert.True(t, detail.VATAmount.Equal(money("12.60")), "vat %s", detail.VATAmount)
	assert.True(t, detail.Total.Equal(money("72.60")), "total %s", detail.Total)
	require.Len(t, detail.Lines, 2)
	assert.Equal(t, "Guitar Beginners - 2026-03-03", detail.Lines[0].Description)
	assert.Equal(t, models.InvoiceLineKindLesson, detail.Lines[0].Kind)

	assert.True(t, f.lessons.invoiced["lesson-1"])
	assert.True(t, f.lessons.invoiced["lesson-2"])
	assert.Equal(t, 1, f.corrections.applyCalls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceGenerateDuplicatePeriod(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	f.addLesson("lesson-1", day(2026, time.March, 3))

	enrollmentID := "enr-1"
	f.repo.invoices["inv-existing"] = &models.Invoice{
		ID:           "inv-existing",
		Number:       "INV-000099",
		StudentID:    "student-1",
		EnrollmentID: &enrollmentID,
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
		Status:       models.InvoiceStatusSent,
	}

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrDuplicateInvoice.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "INV-000099")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceGenerateNoInvoiceableLessons(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoInvoiceableItems.Code, appErrors.FromError(err).Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceGenerateMapsUniqueViolationToDuplicate(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	f.addLesson("lesson-1", day(2026, time.March, 3))
	// A concurrent generation committed between the in-transaction check and
	// the insert; the partial unique index rejects the second row.
	f.repo.createErr = &pq.Error{Code: "23505", Constraint: "uq_invoices_enrollment_period"}

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDuplicateInvoice.Code, appErrors.FromError(err).Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceGenerateAppliesRegistrationFeeOnce(t *testing.T) {
	f := newInvoiceFixture(t)
	f.addLesson("lesson-1", day(2026, time.March, 3))
	f.addLesson("lesson-2", day(2026, time.March, 10))
	f.addLesson("lesson-3", day(2026, time.April, 7))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	first, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)

	require.Len(t, first.Lines, 3)
	assert.Equal(t, models.InvoiceLineKindRegistrationFee, first.Lines[2].Kind)
	assert.True(t, first.Subtotal.Equal(money("85.00")), "subtotal %s", first.Subtotal)
	require.NotNil(t, f.students.students["student-1"].RegistrationFeePaidAt)

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	second, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.April, 1),
		PeriodEnd:    day(2026, time.April, 30),
	})
	require.NoError(t, err)

	require.Len(t, second.Lines, 1)
	assert.Equal(t, models.InvoiceLineKindLesson, second.Lines[0].Kind)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceGenerateSkipsRegistrationFeeForTrial(t *testing.T) {
	f := newInvoiceFixture(t)
	f.enrollments.details["enr-1"].IsTrial = true
	f.addLesson("lesson-1", day(2026, time.March, 3))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	detail, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)

	require.Len(t, detail.Lines, 1)
	assert.Equal(t, models.InvoiceLineKindLesson, detail.Lines[0].Kind)
	assert.Nil(t, f.students.students["student-1"].RegistrationFeePaidAt)
}

func TestInvoiceServiceGenerateChildPriceWithDiscount(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	// 15 years old at period start.
	f.students.students["student-1"].DateOfBirth = day(2010, time.June, 1)
	f.enrollments.details["enr-1"].DiscountPercent = money("10")
	f.addLesson("lesson-1", day(2026, time.March, 3))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	detail, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)

	// child price 20.00 with 10% discount
	require.Len(t, detail.Lines, 1)
	assert.True(t, detail.Lines[0].UnitPrice.Equal(money("18.00")), "unit price %s", detail.Lines[0].UnitPrice)
	assert.True(t, detail.Subtotal.Equal(money("18.00")))
}

func TestInvoiceServiceGenerateAdultPriceAfterBirthday(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	// Turns 18 on 2026-03-15; the age check uses the period start.
	f.students.students["student-1"].DateOfBirth = day(2008, time.March, 15)
	f.addLesson("lesson-1", day(2026, time.March, 20))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	detail, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)

	// Still 17 on March 1st, so the child price applies to the whole period.
	require.Len(t, detail.Lines, 1)
	assert.True(t, detail.Lines[0].UnitPrice.Equal(money("20.00")), "unit price %s", detail.Lines[0].UnitPrice)

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.addLesson("lesson-2", day(2026, time.April, 10))
	second, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.April, 1),
		PeriodEnd:    day(2026, time.April, 30),
	})
	require.NoError(t, err)

	require.Len(t, second.Lines, 1)
	assert.True(t, second.Lines[0].UnitPrice.Equal(money("30.00")), "unit price %s", second.Lines[0].UnitPrice)
}

func TestInvoiceServiceGenerateResolvesPricePerLessonDate(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	f.addLesson("lesson-1", day(2026, time.April, 28))
	f.addLesson("lesson-2", day(2026, time.May, 5))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	detail, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.April, 1),
		PeriodEnd:    day(2026, time.May, 31),
	})
	require.NoError(t, err)

	require.Len(t, detail.Lines, 2)
	assert.True(t, detail.Lines[0].UnitPrice.Equal(money("30.00")), "april lesson priced by old version")
	assert.True(t, detail.Lines[1].UnitPrice.Equal(money("35.00")), "may lesson priced by new version")
	assert.True(t, detail.Subtotal.Equal(money("65.00")))
	require.NotNil(t, detail.Lines[0].PricingVersionID)
	assert.Equal(t, "ver-1", *detail.Lines[0].PricingVersionID)
	require.NotNil(t, detail.Lines[1].PricingVersionID)
	assert.Equal(t, "ver-2", *detail.Lines[1].PricingVersionID)
}

func TestInvoiceServiceGenerateBatchSkipAndContinue(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	f.addLesson("lesson-1", day(2026, time.March, 3))

	base := f.enrollments.details["enr-1"]

	duplicate := *base
	duplicate.ID = "enr-2"
	duplicateID := "enr-2"
	f.repo.invoices["inv-existing"] = &models.Invoice{
		ID:           "inv-existing",
		Number:       "INV-000050",
		StudentID:    "student-1",
		EnrollmentID: &duplicateID,
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
		Status:       models.InvoiceStatusSent,
	}

	empty := *base
	empty.ID = "enr-3"
	empty.CourseID = "course-without-lessons"

	broken := *base
	broken.ID = "enr-4"
	broken.StudentID = "student-missing"

	f.enrollments.active = []models.EnrollmentDetail{*base, duplicate, empty, broken}

	// created, then two precondition rollbacks; the missing student fails
	// before a transaction is opened.
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	result, err := f.svc.GenerateBatch(context.Background(), GenerateBatchRequest{
		PeriodType:  models.PeriodTypeMonthly,
		PeriodStart: day(2026, time.March, 1),
		PeriodEnd:   day(2026, time.March, 31),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Items, 4)
	assert.Equal(t, dto.BatchItemCreated, result.Items[0].Status)
	assert.NotEmpty(t, result.Items[0].InvoiceNumber)
	assert.Equal(t, dto.BatchItemSkipped, result.Items[1].Status)
	assert.Contains(t, result.Items[1].Reason, "INV-000050")
	assert.Equal(t, dto.BatchItemSkipped, result.Items[2].Status)
	assert.Equal(t, dto.BatchItemFailed, result.Items[3].Status)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceRecalculateRequiresDraft(t *testing.T) {
	f := newInvoiceFixture(t)
	enrollmentID := "enr-1"
	f.repo.invoices["inv-1"] = &models.Invoice{
		ID:           "inv-1",
		StudentID:    "student-1",
		EnrollmentID: &enrollmentID,
		Status:       models.InvoiceStatusSent,
	}

	_, err := f.svc.Recalculate(context.Background(), "inv-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestInvoiceServiceRecalculateCancelsWhenNoLessonsRemain(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	f.addLesson("lesson-1", day(2026, time.March, 3))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	detail, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)

	// The lesson was cancelled after invoicing.
	f.lessons.lessons = nil

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	recalced, err := f.svc.Recalculate(context.Background(), detail.ID)
	require.NoError(t, err)

	assert.Equal(t, models.InvoiceStatusCancelled, recalced.Status)
	assert.True(t, recalced.Subtotal.IsZero())
	assert.True(t, recalced.Total.IsZero())
	assert.Empty(t, recalced.Lines)
	assert.Equal(t, 1, f.corrections.revertCalls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceRecalculatePreservesRegistrationFee(t *testing.T) {
	f := newInvoiceFixture(t)
	f.addLesson("lesson-1", day(2026, time.March, 3))
	f.addLesson("lesson-2", day(2026, time.March, 10))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	detail, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)
	require.Len(t, detail.Lines, 3)

	// A make-up lesson was added to the period after generation.
	f.addLesson("lesson-3", day(2026, time.March, 17))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	recalced, err := f.svc.Recalculate(context.Background(), detail.ID)
	require.NoError(t, err)

	require.Len(t, recalced.Lines, 4)
	fees := 0
	for _, line := range recalced.Lines {
		if line.Kind == models.InvoiceLineKindRegistrationFee {
			fees++
		}
	}
	assert.Equal(t, 1, fees)
	// 3 lessons at 30.00 plus the 25.00 fee
	assert.True(t, recalced.Subtotal.Equal(money("115.00")), "subtotal %s", recalced.Subtotal)
	assert.Equal(t, models.InvoiceStatusDraft, recalced.Status)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceSendTransitions(t *testing.T) {
	f := newInvoiceFixture(t)
	f.repo.invoices["inv-1"] = &models.Invoice{ID: "inv-1", Status: models.InvoiceStatusDraft}

	sent, err := f.svc.Send(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSent, sent.Status)

	_, err = f.svc.Send(context.Background(), "inv-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestInvoiceServiceCancelReleasesLessons(t *testing.T) {
	f := newInvoiceFixture(t)
	f.markFeePaid()
	f.addLesson("lesson-1", day(2026, time.March, 3))

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	detail, err := f.svc.Generate(context.Background(), GenerateInvoiceRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)
	require.True(t, f.lessons.invoiced["lesson-1"])

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	cancelled, err := f.svc.Cancel(context.Background(), detail.ID)
	require.NoError(t, err)

	assert.Equal(t, models.InvoiceStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.Total.IsZero())
	assert.False(t, f.lessons.invoiced["lesson-1"], "lesson released for rebilling")
	assert.Equal(t, 1, f.corrections.revertCalls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInvoiceServiceCancelRejectsPaid(t *testing.T) {
	f := newInvoiceFixture(t)
	f.repo.invoices["inv-1"] = &models.Invoice{ID: "inv-1", Status: models.InvoiceStatusPaid}

	_, err := f.svc.Cancel(context.Background(), "inv-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}
