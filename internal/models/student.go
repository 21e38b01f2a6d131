package models

import "time"

// Student represents a learner registered at the school.
type Student struct {
	ID                    string     `db:"id" json:"id"`
	FirstName             string     `db:"first_name" json:"first_name"`
	LastName              string     `db:"last_name" json:"last_name"`
	Email                 string     `db:"email" json:"email"`
	Phone                 string     `db:"phone" json:"phone"`
	Address               string     `db:"address" json:"address"`
	DateOfBirth           time.Time  `db:"date_of_birth" json:"date_of_birth"`
	RegistrationFeePaidAt *time.Time `db:"registration_fee_paid_at" json:"registration_fee_paid_at,omitempty"`
	Active                bool       `db:"active" json:"active"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// FullName joins first and last name for display and invoice headers.
func (s Student) FullName() string {
	if s.FirstName == "" {
		return s.LastName
	}
	return s.FirstName + " " + s.LastName
}

// AgeAt returns the student's age on the given date, adjusted when the
// birthday has not yet occurred that year.
func (s Student) AgeAt(date time.Time) int {
	age := date.Year() - s.DateOfBirth.Year()
	anniversary := time.Date(date.Year(), s.DateOfBirth.Month(), s.DateOfBirth.Day(), 0, 0, 0, 0, time.UTC)
	if date.Before(anniversary) {
		age--
	}
	return age
}

// IsChildAt reports whether the student is under the configured age limit on date.
func (s Student) IsChildAt(date time.Time, ageLimit int) bool {
	return s.AgeAt(date) < ageLimit
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	CourseID  string
	Active    *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// StudentDetail contains student information with enrollment context.
type StudentDetail struct {
	Student
	ActiveEnrollments int `db:"active_enrollments" json:"active_enrollments"`
}

// DuplicateCandidate describes a possible duplicate of a student being created.
type DuplicateCandidate struct {
	Student Student `json:"student"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}
