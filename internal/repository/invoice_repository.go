package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/musicschool-api/internal/models"
)

// InvoiceRepository handles persistence of invoices and their lines.
type InvoiceRepository struct {
	db *sqlx.DB
}

// NewInvoiceRepository constructs the repository.
func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// BeginTxx starts a transaction so orchestrating services can own the
// commit/rollback boundary.
func (r *InvoiceRepository) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, opts)
}

const invoiceColumns = `id, number, student_id, enrollment_id, period_start, period_end, status, issued_at, due_at,
subtotal, vat_rate, vat_amount, total, ledger_debits_applied, ledger_credits_applied, paid_at, created_at, updated_at`

const invoiceLineColumns = `id, invoice_id, lesson_id, pricing_version_id, kind, description, quantity, unit_price, line_total, created_at`

// NextNumber draws the next value from the invoice number sequence.
func (r *InvoiceRepository) NextNumber(ctx context.Context, exec sqlx.ExtContext) (string, error) {
	var seq int64
	if err := sqlx.GetContext(ctx, r.exec(exec), &seq, `SELECT nextval('invoice_number_seq')`); err != nil {
		return "", fmt.Errorf("next invoice number: %w", err)
	}
	return fmt.Sprintf("INV-%06d", seq), nil
}

// FindForPeriod returns the invoice matching the exact (student, enrollment,
// period) tuple, or sql.ErrNoRows when none exists. Cancelled invoices do not
// block regeneration.
func (r *InvoiceRepository) FindForPeriod(ctx context.Context, exec sqlx.ExtContext, studentID, enrollmentID string, periodStart, periodEnd time.Time) (*models.Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices
WHERE student_id = $1 AND enrollment_id = $2 AND period_start = $3 AND period_end = $4 AND status <> $5
LIMIT 1`, invoiceColumns)
	var invoice models.Invoice
	if err := sqlx.GetContext(ctx, r.exec(exec), &invoice, query, studentID, enrollmentID, periodStart, periodEnd, models.InvoiceStatusCancelled); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// FindByID loads an invoice by identifier.
func (r *InvoiceRepository) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1`, invoiceColumns)
	var invoice models.Invoice
	if err := r.db.GetContext(ctx, &invoice, query, id); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// FindDetailByID loads an invoice with student name and lines. Ledger
// applications live in the ledger repository; the service layer attaches them.
func (r *InvoiceRepository) FindDetailByID(ctx context.Context, id string) (*models.InvoiceDetail, error) {
	const query = `SELECT i.id, i.number, i.student_id, i.enrollment_id, i.period_start, i.period_end, i.status, i.issued_at, i.due_at,
        i.subtotal, i.vat_rate, i.vat_amount, i.total, i.ledger_debits_applied, i.ledger_credits_applied, i.paid_at, i.created_at, i.updated_at,
        s.first_name || ' ' || s.last_name AS student_name
        FROM invoices i
        LEFT JOIN students s ON s.id = i.student_id
        WHERE i.id = $1`
	var detail models.InvoiceDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	lines, err := r.ListLines(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	detail.Lines = lines
	return &detail, nil
}

// List returns invoices filtered by the provided criteria.
func (r *InvoiceRepository) List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, int, error) {
	base := "FROM invoices WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.EnrollmentID != "" {
		conditions = append(conditions, fmt.Sprintf("enrollment_id = $%d", len(args)+1))
		args = append(args, filter.EnrollmentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("period_start >= $%d", len(args)+1))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("period_end <= $%d", len(args)+1))
		args = append(args, *filter.To)
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]bool{
		"number":       true,
		"issued_at":    true,
		"due_at":       true,
		"period_start": true,
		"total":        true,
	}
	sortBy := filter.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "issued_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", invoiceColumns, base, sortBy, order, size, offset)
	var invoices []models.Invoice
	if err := r.db.SelectContext(ctx, &invoices, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}
	return invoices, total, nil
}

// CreateTx inserts an invoice header.
func (r *InvoiceRepository) CreateTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = now
	}
	invoice.UpdatedAt = now
	const query = `INSERT INTO invoices (id, number, student_id, enrollment_id, period_start, period_end, status, issued_at, due_at,
subtotal, vat_rate, vat_amount, total, ledger_debits_applied, ledger_credits_applied, paid_at, created_at, updated_at)
VALUES (:id, :number, :student_id, :enrollment_id, :period_start, :period_end, :status, :issued_at, :due_at,
:subtotal, :vat_rate, :vat_amount, :total, :ledger_debits_applied, :ledger_credits_applied, :paid_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, invoice); err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// UpdateTotalsTx writes the monetary fields, status and paid_at of an invoice.
func (r *InvoiceRepository) UpdateTotalsTx(ctx context.Context, exec sqlx.ExtContext, invoice *models.Invoice) error {
	invoice.UpdatedAt = time.Now().UTC()
	const query = `UPDATE invoices SET subtotal = :subtotal, vat_rate = :vat_rate, vat_amount = :vat_amount, total = :total,
ledger_debits_applied = :ledger_debits_applied, ledger_credits_applied = :ledger_credits_applied,
status = :status, paid_at = :paid_at, updated_at = :updated_at WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, invoice); err != nil {
		return fmt.Errorf("update invoice totals: %w", err)
	}
	return nil
}

// UpdateStatus changes an invoice status outside of a generation transaction.
func (r *InvoiceRepository) UpdateStatus(ctx context.Context, id string, status models.InvoiceStatus, paidAt *time.Time) error {
	const query = `UPDATE invoices SET status = $2, paid_at = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, paidAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	return nil
}

// MarkOverdue flips past-due SENT invoices to OVERDUE, returning the count.
func (r *InvoiceRepository) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE invoices SET status = $1, updated_at = $2 WHERE status = $3 AND due_at < $2`
	res, err := r.db.ExecContext(ctx, query, models.InvoiceStatusOverdue, now, models.InvoiceStatusSent)
	if err != nil {
		return 0, fmt.Errorf("mark invoices overdue: %w", err)
	}
	return res.RowsAffected()
}

// InsertLineTx appends a line to an invoice.
func (r *InvoiceRepository) InsertLineTx(ctx context.Context, exec sqlx.ExtContext, line *models.InvoiceLine) error {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.Quantity == 0 {
		line.Quantity = 1
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO invoice_lines (id, invoice_id, lesson_id, pricing_version_id, kind, description, quantity, unit_price, line_total, created_at)
VALUES (:id, :invoice_id, :lesson_id, :pricing_version_id, :kind, :description, :quantity, :unit_price, :line_total, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, line); err != nil {
		return fmt.Errorf("insert invoice line: %w", err)
	}
	return nil
}

// ListLines returns the lines of an invoice ordered by creation.
func (r *InvoiceRepository) ListLines(ctx context.Context, exec sqlx.ExtContext, invoiceID string) ([]models.InvoiceLine, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoice_lines WHERE invoice_id = $1 ORDER BY created_at ASC, id ASC`, invoiceLineColumns)
	var lines []models.InvoiceLine
	if err := sqlx.SelectContext(ctx, r.exec(exec), &lines, query, invoiceID); err != nil {
		return nil, fmt.Errorf("list invoice lines: %w", err)
	}
	return lines, nil
}

// DeleteLinesTx removes every line of an invoice, returning the lesson ids the
// deleted lines referenced so callers can un-flag them.
func (r *InvoiceRepository) DeleteLinesTx(ctx context.Context, exec sqlx.ExtContext, invoiceID string) ([]string, error) {
	const query = `DELETE FROM invoice_lines WHERE invoice_id = $1 RETURNING lesson_id`
	rows, err := r.exec(exec).QueryxContext(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("delete invoice lines: %w", err)
	}
	defer rows.Close()

	var lessonIDs []string
	for rows.Next() {
		var lessonID *string
		if err := rows.Scan(&lessonID); err != nil {
			return nil, fmt.Errorf("scan deleted invoice line: %w", err)
		}
		if lessonID != nil {
			lessonIDs = append(lessonIDs, *lessonID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted invoice lines: %w", err)
	}
	return lessonIDs, nil
}
