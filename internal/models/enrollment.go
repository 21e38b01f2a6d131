package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusTrial     EnrollmentStatus = "TRIAL"
	EnrollmentStatusWithdrawn EnrollmentStatus = "WITHDRAWN"
)

// PeriodType is the billing cadence of an enrollment.
type PeriodType string

// Supported billing cadences.
const (
	PeriodTypeMonthly   PeriodType = "MONTHLY"
	PeriodTypeQuarterly PeriodType = "QUARTERLY"
)

// Enrollment links a student to a course and carries billing preferences.
// Enrollments are never hard-deleted; withdrawal only mutates the status.
type Enrollment struct {
	ID              string           `db:"id" json:"id"`
	StudentID       string           `db:"student_id" json:"student_id"`
	CourseID        string           `db:"course_id" json:"course_id"`
	DiscountPercent decimal.Decimal  `db:"discount_percent" json:"discount_percent"`
	PeriodType      PeriodType       `db:"period_type" json:"period_type"`
	Status          EnrollmentStatus `db:"status" json:"status"`
	StartedAt       time.Time        `db:"started_at" json:"started_at"`
	EndedAt         *time.Time       `db:"ended_at" json:"ended_at,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentDetail enriches Enrollment with student and course info.
type EnrollmentDetail struct {
	Enrollment
	StudentName    string      `db:"student_name" json:"student_name"`
	CourseName     string      `db:"course_name" json:"course_name"`
	CourseTypeID   string      `db:"course_type_id" json:"course_type_id"`
	CourseTypeName string      `db:"course_type_name" json:"course_type_name"`
	BillingMode    BillingMode `db:"billing_mode" json:"billing_mode"`
	IsTrial        bool        `db:"is_trial" json:"is_trial"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID  string
	CourseID   string
	Status     EnrollmentStatus
	PeriodType PeriodType
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
