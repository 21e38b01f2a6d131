package models

import "time"

// LessonStatus represents the state of a scheduled lesson.
type LessonStatus string

// Possible lesson statuses.
const (
	LessonStatusScheduled LessonStatus = "SCHEDULED"
	LessonStatusCompleted LessonStatus = "COMPLETED"
	LessonStatusCancelled LessonStatus = "CANCELLED"
)

// Lesson is a single occurrence of a course. StudentID is nil for group
// lessons that are shared by every enrolled student.
type Lesson struct {
	ID            string       `db:"id" json:"id"`
	CourseID      string       `db:"course_id" json:"course_id"`
	StudentID     *string      `db:"student_id" json:"student_id,omitempty"`
	ScheduledDate time.Time    `db:"scheduled_date" json:"scheduled_date"`
	Status        LessonStatus `db:"status" json:"status"`
	IsInvoiced    bool         `db:"is_invoiced" json:"is_invoiced"`
	Notes         string       `db:"notes" json:"notes"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// LessonDetail enriches Lesson with course context.
type LessonDetail struct {
	Lesson
	CourseName  string  `db:"course_name" json:"course_name"`
	StudentName *string `db:"student_name" json:"student_name,omitempty"`
}

// LessonFilter provides filters for listing lessons.
type LessonFilter struct {
	CourseID  string
	StudentID string
	Status    LessonStatus
	From      *time.Time
	To        *time.Time
	Invoiced  *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
