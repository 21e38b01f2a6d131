package service

import (
	"context"
	"database/sql"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type courseRepository interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, course *models.Course) error
	FindCourseTypeByID(ctx context.Context, id string) (*models.CourseType, error)
	ListCourseTypes(ctx context.Context) ([]models.CourseType, error)
	CreateCourseType(ctx context.Context, courseType *models.CourseType) error
	ListInstruments(ctx context.Context) ([]models.Instrument, error)
}

type instructorReader interface {
	FindByID(ctx context.Context, id string) (*models.Instructor, error)
}

// CreateCourseRequest describes a new course payload.
type CreateCourseRequest struct {
	CourseTypeID    string `json:"course_type_id" validate:"required"`
	InstructorID    string `json:"instructor_id" validate:"required"`
	Name            string `json:"name" validate:"required"`
	Weekday         int    `json:"weekday" validate:"min=0,max=6"`
	StartTime       string `json:"start_time" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=15"`
	Location        string `json:"location"`
}

// UpdateCourseRequest describes editable course fields.
type UpdateCourseRequest struct {
	InstructorID    string `json:"instructor_id" validate:"required"`
	Name            string `json:"name" validate:"required"`
	Weekday         int    `json:"weekday" validate:"min=0,max=6"`
	StartTime       string `json:"start_time" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=15"`
	Location        string `json:"location"`
	Active          bool   `json:"active"`
}

// CreateCourseTypeRequest describes a new course type payload.
type CreateCourseTypeRequest struct {
	Name         string             `json:"name" validate:"required"`
	InstrumentID *string            `json:"instrument_id,omitempty"`
	BillingMode  models.BillingMode `json:"billing_mode" validate:"required,oneof=INDIVIDUAL GROUP WORKSHOP"`
	IsTrial      bool               `json:"is_trial"`
}

// CourseService manages courses, course types and instruments.
type CourseService struct {
	repo        courseRepository
	instructors instructorReader
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewCourseService constructs CourseService.
func NewCourseService(repo courseRepository, instructors instructorReader, validate *validator.Validate, logger *zap.Logger) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{repo: repo, instructors: instructors, validator: validate, logger: logger}
}

// List returns courses with pagination metadata.
func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, *models.Pagination, error) {
	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return courses, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a course with its type and instructor context.
func (s *CourseService) Get(ctx context.Context, id string) (*models.CourseDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return detail, nil
}

// Create registers a new course.
func (s *CourseService) Create(ctx context.Context, req CreateCourseRequest) (*models.CourseDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	if _, err := s.repo.FindCourseTypeByID(ctx, req.CourseTypeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course type not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course type")
	}
	instructor, err := s.instructors.FindByID(ctx, req.InstructorID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "instructor not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load instructor")
	}
	if !instructor.Active {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "instructor inactive")
	}

	course := &models.Course{
		CourseTypeID:    req.CourseTypeID,
		InstructorID:    req.InstructorID,
		Name:            req.Name,
		Weekday:         req.Weekday,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Location:        req.Location,
		Active:          true,
	}
	if err := s.repo.Create(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}
	return s.Get(ctx, course.ID)
}

// Update applies changes to a course.
func (s *CourseService) Update(ctx context.Context, id string, req UpdateCourseRequest) (*models.CourseDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if _, err := s.instructors.FindByID(ctx, req.InstructorID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "instructor not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load instructor")
	}
	course.InstructorID = req.InstructorID
	course.Name = req.Name
	course.Weekday = req.Weekday
	course.StartTime = req.StartTime
	course.DurationMinutes = req.DurationMinutes
	course.Location = req.Location
	course.Active = req.Active
	if err := s.repo.Update(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course")
	}
	return s.Get(ctx, id)
}

// ListCourseTypes returns every course type.
func (s *CourseService) ListCourseTypes(ctx context.Context) ([]models.CourseType, error) {
	types, err := s.repo.ListCourseTypes(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list course types")
	}
	return types, nil
}

// CreateCourseType registers a new course type.
func (s *CourseService) CreateCourseType(ctx context.Context, req CreateCourseTypeRequest) (*models.CourseType, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course type payload")
	}
	courseType := &models.CourseType{
		Name:         req.Name,
		InstrumentID: req.InstrumentID,
		BillingMode:  req.BillingMode,
		IsTrial:      req.IsTrial,
	}
	if err := s.repo.CreateCourseType(ctx, courseType); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course type")
	}
	return courseType, nil
}

// ListInstruments returns every instrument.
func (s *CourseService) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	instruments, err := s.repo.ListInstruments(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list instruments")
	}
	return instruments, nil
}
