package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus represents the lifecycle of an invoice.
type InvoiceStatus string

// Possible invoice statuses.
const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusSent      InvoiceStatus = "SENT"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusOverdue   InvoiceStatus = "OVERDUE"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

// InvoiceLineKind distinguishes lesson charges from one-time fees.
type InvoiceLineKind string

// Supported invoice line kinds.
const (
	InvoiceLineKindLesson          InvoiceLineKind = "LESSON"
	InvoiceLineKindRegistrationFee InvoiceLineKind = "REGISTRATION_FEE"
)

// Invoice is a billing document for one student and billing period.
// Ledger debit/credit totals record how much of the student's open ledger
// entries was applied to this invoice.
type Invoice struct {
	ID                   string          `db:"id" json:"id"`
	Number               string          `db:"number" json:"number"`
	StudentID            string          `db:"student_id" json:"student_id"`
	EnrollmentID         *string         `db:"enrollment_id" json:"enrollment_id,omitempty"`
	PeriodStart          time.Time       `db:"period_start" json:"period_start"`
	PeriodEnd            time.Time       `db:"period_end" json:"period_end"`
	Status               InvoiceStatus   `db:"status" json:"status"`
	IssuedAt             time.Time       `db:"issued_at" json:"issued_at"`
	DueAt                time.Time       `db:"due_at" json:"due_at"`
	Subtotal             decimal.Decimal `db:"subtotal" json:"subtotal"`
	VATRate              decimal.Decimal `db:"vat_rate" json:"vat_rate"`
	VATAmount            decimal.Decimal `db:"vat_amount" json:"vat_amount"`
	Total                decimal.Decimal `db:"total" json:"total"`
	LedgerDebitsApplied  decimal.Decimal `db:"ledger_debits_applied" json:"ledger_debits_applied"`
	LedgerCreditsApplied decimal.Decimal `db:"ledger_credits_applied" json:"ledger_credits_applied"`
	PaidAt               *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// AmountOwed is the outstanding amount after applied ledger corrections.
// VAT is computed on the lesson subtotal only; ledger corrections are
// post-VAT adjustments.
func (i Invoice) AmountOwed() decimal.Decimal {
	return i.Total.Add(i.LedgerDebitsApplied).Sub(i.LedgerCreditsApplied)
}

// InvoiceLine is one charge on an invoice, usually backed by a lesson.
type InvoiceLine struct {
	ID               string          `db:"id" json:"id"`
	InvoiceID        string          `db:"invoice_id" json:"invoice_id"`
	LessonID         *string         `db:"lesson_id" json:"lesson_id,omitempty"`
	PricingVersionID *string         `db:"pricing_version_id" json:"pricing_version_id,omitempty"`
	Kind             InvoiceLineKind `db:"kind" json:"kind"`
	Description      string          `db:"description" json:"description"`
	Quantity         int             `db:"quantity" json:"quantity"`
	UnitPrice        decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal        decimal.Decimal `db:"line_total" json:"line_total"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// InvoiceDetail bundles an invoice with its lines and applications for responses.
type InvoiceDetail struct {
	Invoice
	StudentName  string                     `db:"student_name" json:"student_name"`
	Lines        []InvoiceLine              `json:"lines"`
	Applications []StudentLedgerApplication `json:"ledger_applications,omitempty"`
}

// InvoiceFilter provides filters for listing invoices.
type InvoiceFilter struct {
	StudentID    string
	EnrollmentID string
	Status       InvoiceStatus
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}

// SubtotalOf recomputes an invoice subtotal from its lines. Totals are always
// derived from the line set, never maintained incrementally.
func SubtotalOf(lines []InvoiceLine) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(line.LineTotal)
	}
	return sum
}
