package models

import "time"

// BillingMode determines how lessons of a course type are billed.
type BillingMode string

// Supported billing modes.
const (
	BillingModeIndividual BillingMode = "INDIVIDUAL"
	BillingModeGroup      BillingMode = "GROUP"
	BillingModeWorkshop   BillingMode = "WORKSHOP"
)

// Instrument represents an instrument taught at the school.
type Instrument struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// CourseType groups courses sharing pricing and billing behaviour.
type CourseType struct {
	ID           string      `db:"id" json:"id"`
	Name         string      `db:"name" json:"name"`
	InstrumentID *string     `db:"instrument_id" json:"instrument_id,omitempty"`
	BillingMode  BillingMode `db:"billing_mode" json:"billing_mode"`
	IsTrial      bool        `db:"is_trial" json:"is_trial"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// Course is a recurring lesson series taught by one instructor.
type Course struct {
	ID              string    `db:"id" json:"id"`
	CourseTypeID    string    `db:"course_type_id" json:"course_type_id"`
	InstructorID    string    `db:"instructor_id" json:"instructor_id"`
	Name            string    `db:"name" json:"name"`
	Weekday         int       `db:"weekday" json:"weekday"`
	StartTime       string    `db:"start_time" json:"start_time"`
	DurationMinutes int       `db:"duration_minutes" json:"duration_minutes"`
	Location        string    `db:"location" json:"location"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// CourseDetail enriches Course with type, instrument and instructor info.
type CourseDetail struct {
	Course
	CourseTypeName string      `db:"course_type_name" json:"course_type_name"`
	BillingMode    BillingMode `db:"billing_mode" json:"billing_mode"`
	IsTrial        bool        `db:"is_trial" json:"is_trial"`
	InstrumentName *string     `db:"instrument_name" json:"instrument_name,omitempty"`
	InstructorName string      `db:"instructor_name" json:"instructor_name"`
}

// CourseFilter provides filters for listing courses.
type CourseFilter struct {
	CourseTypeID string
	InstructorID string
	Active       *bool
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}
