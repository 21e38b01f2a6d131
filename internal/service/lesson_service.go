package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type lessonRepository interface {
	List(ctx context.Context, filter models.LessonFilter) ([]models.LessonDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Lesson, error)
	Create(ctx context.Context, lesson *models.Lesson) error
	CreateBatch(ctx context.Context, lessons []*models.Lesson) error
	UpdateStatus(ctx context.Context, id string, status models.LessonStatus) error
	ExistsOnDate(ctx context.Context, courseID string, studentID *string, date time.Time) (bool, error)
}

type enrollmentDetailReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

// GenerateLessonsRequest describes the bounds for weekly lesson generation.
type GenerateLessonsRequest struct {
	EnrollmentID string    `json:"enrollment_id" validate:"required"`
	PeriodStart  time.Time `json:"period_start" validate:"required"`
	PeriodEnd    time.Time `json:"period_end" validate:"required"`
}

// CreateLessonRequest describes a single ad-hoc lesson.
type CreateLessonRequest struct {
	CourseID      string    `json:"course_id" validate:"required"`
	StudentID     *string   `json:"student_id,omitempty"`
	ScheduledDate time.Time `json:"scheduled_date" validate:"required"`
	Notes         string    `json:"notes"`
}

// LessonService manages lesson scheduling and status transitions.
type LessonService struct {
	repo        lessonRepository
	enrollments enrollmentDetailReader
	courses     courseReader
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewLessonService constructs LessonService.
func NewLessonService(repo lessonRepository, enrollments enrollmentDetailReader, courses courseReader, validate *validator.Validate, logger *zap.Logger) *LessonService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LessonService{repo: repo, enrollments: enrollments, courses: courses, validator: validate, logger: logger}
}

// List returns lessons with pagination metadata.
func (s *LessonService) List(ctx context.Context, filter models.LessonFilter) ([]models.LessonDetail, *models.Pagination, error) {
	lessons, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list lessons")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return lessons, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Create schedules one ad-hoc lesson, rejecting duplicates on the same date.
func (s *LessonService) Create(ctx context.Context, req CreateLessonRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lesson payload")
	}
	if _, err := s.courses.FindByID(ctx, req.CourseID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	date := truncateToDay(req.ScheduledDate)
	exists, err := s.repo.ExistsOnDate(ctx, req.CourseID, req.StudentID, date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check lesson date")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "lesson already scheduled on this date")
	}
	lesson := &models.Lesson{
		CourseID:      req.CourseID,
		StudentID:     req.StudentID,
		ScheduledDate: date,
		Status:        models.LessonStatusScheduled,
		Notes:         req.Notes,
	}
	if err := s.repo.Create(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create lesson")
	}
	return lesson, nil
}

// GenerateForEnrollment creates one lesson per course weekday occurrence
// inside the period bounds, skipping dates that already have a lesson.
// Individually billed courses attach the lessons to the enrolled student;
// group and workshop lessons are shared.
func (s *LessonService) GenerateForEnrollment(ctx context.Context, req GenerateLessonsRequest) ([]*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lesson generation payload")
	}
	if req.PeriodEnd.Before(req.PeriodStart) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "period_end before period_start")
	}
	enrollment, err := s.enrollments.FindDetailByID(ctx, req.EnrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status == models.EnrollmentStatusWithdrawn {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment withdrawn")
	}
	course, err := s.courses.FindByID(ctx, enrollment.CourseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	var studentID *string
	if enrollment.BillingMode == models.BillingModeIndividual {
		id := enrollment.StudentID
		studentID = &id
	}

	var created []*models.Lesson
	for date := firstWeekday(truncateToDay(req.PeriodStart), time.Weekday(course.Weekday)); !date.After(truncateToDay(req.PeriodEnd)); date = date.AddDate(0, 0, 7) {
		exists, err := s.repo.ExistsOnDate(ctx, course.ID, studentID, date)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check lesson date")
		}
		if exists {
			continue
		}
		created = append(created, &models.Lesson{
			CourseID:      course.ID,
			StudentID:     studentID,
			ScheduledDate: date,
			Status:        models.LessonStatusScheduled,
		})
	}
	if err := s.repo.CreateBatch(ctx, created); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create lessons")
	}

	s.logger.Info("lessons generated",
		zap.String("enrollment_id", req.EnrollmentID),
		zap.String("course_id", course.ID),
		zap.Int("count", len(created)))
	return created, nil
}

// Complete marks a lesson as given. Invoiced lessons can no longer change.
func (s *LessonService) Complete(ctx context.Context, id string) (*models.Lesson, error) {
	return s.transition(ctx, id, models.LessonStatusCompleted)
}

// Cancel marks a lesson as cancelled. Invoiced lessons can no longer change.
func (s *LessonService) Cancel(ctx context.Context, id string) (*models.Lesson, error) {
	return s.transition(ctx, id, models.LessonStatusCancelled)
}

func (s *LessonService) transition(ctx context.Context, id string, status models.LessonStatus) (*models.Lesson, error) {
	lesson, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	if lesson.IsInvoiced {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "lesson already invoiced")
	}
	if lesson.Status == status {
		return lesson, nil
	}
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update lesson status")
	}
	lesson.Status = status
	return lesson, nil
}

// firstWeekday returns the first occurrence of the weekday on or after start.
func firstWeekday(start time.Time, weekday time.Weekday) time.Time {
	offset := (int(weekday) - int(start.Weekday()) + 7) % 7
	return start.AddDate(0, 0, offset)
}
