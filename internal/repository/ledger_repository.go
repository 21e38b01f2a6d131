package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/musicschool-api/internal/models"
)

// LedgerRepository persists student ledger entries and their applications.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository constructs the repository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// BeginTxx starts a transaction for ledger mutation flows.
func (r *LedgerRepository) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, opts)
}

const ledgerEntryColumns = `id, student_id, type, amount, reference, description, status, created_at, updated_at`

// NextReference draws the next value from the ledger reference sequence.
func (r *LedgerRepository) NextReference(ctx context.Context) (string, error) {
	var seq int64
	if err := r.db.GetContext(ctx, &seq, `SELECT nextval('ledger_reference_seq')`); err != nil {
		return "", fmt.Errorf("next ledger reference: %w", err)
	}
	return fmt.Sprintf("LED-%06d", seq), nil
}

// FindEntryByID loads a ledger entry by identifier.
func (r *LedgerRepository) FindEntryByID(ctx context.Context, id string) (*models.StudentLedgerEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM student_ledger_entries WHERE id = $1`, ledgerEntryColumns)
	var entry models.StudentLedgerEntry
	if err := r.db.GetContext(ctx, &entry, query, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListEntries returns ledger entries filtered by the provided criteria.
func (r *LedgerRepository) ListEntries(ctx context.Context, filter models.LedgerEntryFilter) ([]models.StudentLedgerEntry, int, error) {
	base := "FROM student_ledger_entries WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)+1))
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
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

	query := fmt.Sprintf("SELECT %s %s ORDER BY created_at %s LIMIT %d OFFSET %d", ledgerEntryColumns, base, order, size, offset)
	var entries []models.StudentLedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list ledger entries: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return entries, total, nil
}

// ListOpenByStudentTx returns the student's entries that still have unapplied
// amount, oldest first.
func (r *LedgerRepository) ListOpenByStudentTx(ctx context.Context, exec sqlx.ExtContext, studentID string) ([]models.StudentLedgerEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM student_ledger_entries
WHERE student_id = $1 AND status IN ($2, $3) ORDER BY created_at ASC`, ledgerEntryColumns)
	var entries []models.StudentLedgerEntry
	if err := sqlx.SelectContext(ctx, r.exec(exec), &entries, query, studentID, models.LedgerEntryStatusOpen, models.LedgerEntryStatusPartiallyApplied); err != nil {
		return nil, fmt.Errorf("list open ledger entries: %w", err)
	}
	return entries, nil
}

// CreateEntry inserts a new ledger entry.
func (r *LedgerRepository) CreateEntry(ctx context.Context, entry *models.StudentLedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.LedgerEntryStatusOpen
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	const query = `INSERT INTO student_ledger_entries (id, student_id, type, amount, reference, description, status, created_at, updated_at)
VALUES (:id, :student_id, :type, :amount, :reference, :description, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// UpdateEntryStatusTx writes a recomputed entry status.
func (r *LedgerRepository) UpdateEntryStatusTx(ctx context.Context, exec sqlx.ExtContext, entryID string, status models.LedgerEntryStatus) error {
	const query = `UPDATE student_ledger_entries SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, entryID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update ledger entry status: %w", err)
	}
	return nil
}

// AppliedSumTx returns the sum of surviving applications of an entry,
// optionally excluding one application id. The status of an entry is always
// recomputed from this sum rather than decremented in place.
func (r *LedgerRepository) AppliedSumTx(ctx context.Context, exec sqlx.ExtContext, entryID, excludeApplicationID string) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM student_ledger_applications WHERE ledger_entry_id = $1`
	args := []interface{}{entryID}
	if excludeApplicationID != "" {
		query += " AND id <> $2"
		args = append(args, excludeApplicationID)
	}
	var sum decimal.Decimal
	if err := sqlx.GetContext(ctx, r.exec(exec), &sum, query, args...); err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger applications: %w", err)
	}
	return sum, nil
}

// InsertApplicationTx records an application of an entry to an invoice.
func (r *LedgerRepository) InsertApplicationTx(ctx context.Context, exec sqlx.ExtContext, app *models.StudentLedgerApplication) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.AppliedAt.IsZero() {
		app.AppliedAt = time.Now().UTC()
	}
	const query = `INSERT INTO student_ledger_applications (id, ledger_entry_id, invoice_id, amount, applied_at)
VALUES (:id, :ledger_entry_id, :invoice_id, :amount, :applied_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, app); err != nil {
		return fmt.Errorf("insert ledger application: %w", err)
	}
	return nil
}

// FindApplicationByID loads an application by identifier.
func (r *LedgerRepository) FindApplicationByID(ctx context.Context, id string) (*models.StudentLedgerApplication, error) {
	const query = `SELECT id, ledger_entry_id, invoice_id, amount, applied_at FROM student_ledger_applications WHERE id = $1`
	var app models.StudentLedgerApplication
	if err := r.db.GetContext(ctx, &app, query, id); err != nil {
		return nil, err
	}
	return &app, nil
}

// ListApplicationsByInvoiceTx returns every application tied to an invoice.
func (r *LedgerRepository) ListApplicationsByInvoiceTx(ctx context.Context, exec sqlx.ExtContext, invoiceID string) ([]models.StudentLedgerApplication, error) {
	const query = `SELECT id, ledger_entry_id, invoice_id, amount, applied_at FROM student_ledger_applications WHERE invoice_id = $1 ORDER BY applied_at ASC`
	var apps []models.StudentLedgerApplication
	if err := sqlx.SelectContext(ctx, r.exec(exec), &apps, query, invoiceID); err != nil {
		return nil, fmt.Errorf("list ledger applications: %w", err)
	}
	return apps, nil
}

// DeleteApplicationTx removes a single application.
func (r *LedgerRepository) DeleteApplicationTx(ctx context.Context, exec sqlx.ExtContext, id string) error {
	const query = `DELETE FROM student_ledger_applications WHERE id = $1`
	if _, err := r.exec(exec).ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete ledger application: %w", err)
	}
	return nil
}

// DeleteApplicationsByInvoiceTx removes every application of an invoice and
// returns the removed rows so callers can recompute entry statuses.
func (r *LedgerRepository) DeleteApplicationsByInvoiceTx(ctx context.Context, exec sqlx.ExtContext, invoiceID string) ([]models.StudentLedgerApplication, error) {
	const query = `DELETE FROM student_ledger_applications WHERE invoice_id = $1 RETURNING id, ledger_entry_id, invoice_id, amount, applied_at`
	rows, err := r.exec(exec).QueryxContext(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("delete invoice ledger applications: %w", err)
	}
	defer rows.Close()

	var apps []models.StudentLedgerApplication
	for rows.Next() {
		var app models.StudentLedgerApplication
		if err := rows.StructScan(&app); err != nil {
			return nil, fmt.Errorf("scan deleted ledger application: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted ledger applications: %w", err)
	}
	return apps, nil
}
