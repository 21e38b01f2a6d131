package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntryType distinguishes amounts owed by the student from amounts
// owed to the student.
type LedgerEntryType string

// Supported ledger entry types.
const (
	LedgerEntryTypeCredit LedgerEntryType = "CREDIT"
	LedgerEntryTypeDebit  LedgerEntryType = "DEBIT"
)

// LedgerEntryStatus tracks how much of an entry has been applied to invoices.
type LedgerEntryStatus string

// Possible ledger entry statuses.
const (
	LedgerEntryStatusOpen             LedgerEntryStatus = "OPEN"
	LedgerEntryStatusPartiallyApplied LedgerEntryStatus = "PARTIALLY_APPLIED"
	LedgerEntryStatusFullyApplied     LedgerEntryStatus = "FULLY_APPLIED"
)

// StudentLedgerEntry is a standalone credit or debit for a student,
// independent of any invoice until applied. Status is always derived from
// the sum of surviving applications, never decremented in place.
type StudentLedgerEntry struct {
	ID          string            `db:"id" json:"id"`
	StudentID   string            `db:"student_id" json:"student_id"`
	Type        LedgerEntryType   `db:"type" json:"type"`
	Amount      decimal.Decimal   `db:"amount" json:"amount"`
	Reference   string            `db:"reference" json:"reference"`
	Description string            `db:"description" json:"description"`
	Status      LedgerEntryStatus `db:"status" json:"status"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

// StatusForApplied derives the entry status from the given applied sum.
func (e StudentLedgerEntry) StatusForApplied(applied decimal.Decimal) LedgerEntryStatus {
	switch {
	case applied.LessThanOrEqual(decimal.Zero):
		return LedgerEntryStatusOpen
	case applied.GreaterThanOrEqual(e.Amount):
		return LedgerEntryStatusFullyApplied
	default:
		return LedgerEntryStatusPartiallyApplied
	}
}

// StudentLedgerApplication records how much of a ledger entry was applied to
// an invoice. Immutable once created except for deletion (decoupling).
type StudentLedgerApplication struct {
	ID            string          `db:"id" json:"id"`
	LedgerEntryID string          `db:"ledger_entry_id" json:"ledger_entry_id"`
	InvoiceID     string          `db:"invoice_id" json:"invoice_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	AppliedAt     time.Time       `db:"applied_at" json:"applied_at"`
}

// LedgerEntryFilter provides filters for listing ledger entries.
type LedgerEntryFilter struct {
	StudentID string
	Type      LedgerEntryType
	Status    LedgerEntryStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
