package service

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindSimilar(ctx context.Context, firstName, lastName, email string) ([]models.Student, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, student *models.Student) error
}

// CreateStudentRequest describes a new student payload.
type CreateStudentRequest struct {
	FirstName   string    `json:"first_name" validate:"required"`
	LastName    string    `json:"last_name" validate:"required"`
	Email       string    `json:"email" validate:"required,email"`
	Phone       string    `json:"phone"`
	Address     string    `json:"address"`
	DateOfBirth time.Time `json:"date_of_birth" validate:"required"`
	// Force skips duplicate detection and creates the student regardless.
	Force bool `json:"force"`
}

// UpdateStudentRequest describes editable student fields.
type UpdateStudentRequest struct {
	FirstName   string    `json:"first_name" validate:"required"`
	LastName    string    `json:"last_name" validate:"required"`
	Email       string    `json:"email" validate:"required,email"`
	Phone       string    `json:"phone"`
	Address     string    `json:"address"`
	DateOfBirth time.Time `json:"date_of_birth" validate:"required"`
	Active      bool      `json:"active"`
}

// StudentService manages student records and duplicate detection.
type StudentService struct {
	repo      studentRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs StudentService.
func NewStudentService(repo studentRepository, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, validator: validate, logger: logger}
}

// List returns students with pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, *models.Pagination, error) {
	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return students, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one student.
func (s *StudentService) Get(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// Create registers a student. Unless forced, likely duplicates abort the
// creation with a Conflict carrying the scored candidates.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (*models.Student, []models.DuplicateCandidate, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}

	if !req.Force {
		candidates, err := s.FindDuplicates(ctx, req.FirstName, req.LastName, req.Email, req.DateOfBirth)
		if err != nil {
			return nil, nil, err
		}
		if len(candidates) > 0 {
			return nil, candidates, appErrors.Clone(appErrors.ErrConflict, "possible duplicate students found")
		}
	}

	student := &models.Student{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
		Phone:       req.Phone,
		Address:     req.Address,
		DateOfBirth: truncateToDay(req.DateOfBirth),
		Active:      true,
	}
	if err := s.repo.Create(ctx, student); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create student")
	}

	s.logger.Info("student created", zap.String("student_id", student.ID))
	return student, nil, nil
}

// Update applies changes to a student record.
func (s *StudentService) Update(ctx context.Context, id string, req UpdateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	student.FirstName = req.FirstName
	student.LastName = req.LastName
	student.Email = req.Email
	student.Phone = req.Phone
	student.Address = req.Address
	student.DateOfBirth = truncateToDay(req.DateOfBirth)
	student.Active = req.Active
	if err := s.repo.Update(ctx, student); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update student")
	}
	return student, nil
}

// FindDuplicates scores existing students against the candidate identity.
// Exact email match is a near-certain duplicate; matching names raise the
// score, a matching birth date more so.
func (s *StudentService) FindDuplicates(ctx context.Context, firstName, lastName, email string, dateOfBirth time.Time) ([]models.DuplicateCandidate, error) {
	similar, err := s.repo.FindSimilar(ctx, firstName, lastName, email)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to search for duplicates")
	}

	var candidates []models.DuplicateCandidate
	for _, existing := range similar {
		score, reason := scoreDuplicate(existing, firstName, lastName, email, dateOfBirth)
		if score >= 0.5 {
			candidates = append(candidates, models.DuplicateCandidate{Student: existing, Score: score, Reason: reason})
		}
	}
	return candidates, nil
}

func scoreDuplicate(existing models.Student, firstName, lastName, email string, dateOfBirth time.Time) (float64, string) {
	sameEmail := strings.EqualFold(existing.Email, email)
	sameLast := strings.EqualFold(existing.LastName, lastName)
	sameFirst := strings.EqualFold(existing.FirstName, firstName)
	sameBirth := !dateOfBirth.IsZero() && existing.DateOfBirth.Equal(truncateToDay(dateOfBirth))

	switch {
	case sameEmail:
		return 1.0, "email matches existing student"
	case sameLast && sameFirst && sameBirth:
		return 0.95, "name and date of birth match"
	case sameLast && sameFirst:
		return 0.7, "full name matches"
	case sameLast && sameBirth:
		return 0.6, "last name and date of birth match"
	default:
		return 0.0, ""
	}
}
