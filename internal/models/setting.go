package models

import "time"

// Well-known setting keys consumed by the invoicing subsystem.
const (
	SettingVATRate                    = "vat_rate"
	SettingPaymentDueDays             = "payment_due_days"
	SettingRegistrationFee            = "registration_fee"
	SettingRegistrationFeeDescription = "registration_fee_description"
	SettingChildAgeLimit              = "child_age_limit"
)

// Setting is a persisted key/value configuration entry.
type Setting struct {
	Key         string    `db:"key" json:"key"`
	Value       string    `db:"value" json:"value"`
	Description *string   `db:"description" json:"description,omitempty"`
	UpdatedBy   *string   `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
