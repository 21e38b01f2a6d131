package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CourseTypePricingVersion is a dated price record for a course type.
// Versions referenced by invoice lines are immutable; price changes create a
// new version and close the previous one.
type CourseTypePricingVersion struct {
	ID           string          `db:"id" json:"id"`
	CourseTypeID string          `db:"course_type_id" json:"course_type_id"`
	AdultPrice   decimal.Decimal `db:"adult_price" json:"adult_price"`
	ChildPrice   decimal.Decimal `db:"child_price" json:"child_price"`
	ValidFrom    time.Time       `db:"valid_from" json:"valid_from"`
	ValidUntil   *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	IsCurrent    bool            `db:"is_current" json:"is_current"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// PriceFor selects the adult or child price.
func (v CourseTypePricingVersion) PriceFor(child bool) decimal.Decimal {
	if child {
		return v.ChildPrice
	}
	return v.AdultPrice
}
