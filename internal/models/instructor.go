package models

import "time"

// Instructor represents a member of the teaching staff.
type Instructor struct {
	ID           string    `db:"id" json:"id"`
	FirstName    string    `db:"first_name" json:"first_name"`
	LastName     string    `db:"last_name" json:"last_name"`
	Email        string    `db:"email" json:"email"`
	Phone        string    `db:"phone" json:"phone"`
	InstrumentID *string   `db:"instrument_id" json:"instrument_id,omitempty"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// InstructorDetail enriches Instructor with instrument info.
type InstructorDetail struct {
	Instructor
	InstrumentName *string `db:"instrument_name" json:"instrument_name,omitempty"`
}

// InstructorFilter captures filtering criteria for listing instructors.
type InstructorFilter struct {
	Search    string
	Active    *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
