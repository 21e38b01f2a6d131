package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/musicschool-api/internal/models"
)

// CourseRepository handles persistence for courses, course types and instruments.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

const courseColumns = `id, course_type_id, instructor_id, name, weekday, start_time, duration_minutes, location, active, created_at, updated_at`

// List returns courses filtered by the provided criteria.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, int, error) {
	base := `FROM courses c
LEFT JOIN course_types ct ON ct.id = c.course_type_id
LEFT JOIN instruments ins ON ins.id = ct.instrument_id
LEFT JOIN instructors i ON i.id = c.instructor_id`
	var conditions []string
	var args []interface{}

	if filter.CourseTypeID != "" {
		conditions = append(conditions, fmt.Sprintf("c.course_type_id = $%d", len(args)+1))
		args = append(args, filter.CourseTypeID)
	}
	if filter.InstructorID != "" {
		conditions = append(conditions, fmt.Sprintf("c.instructor_id = $%d", len(args)+1))
		args = append(args, filter.InstructorID)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("c.active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT c.id, c.course_type_id, c.instructor_id, c.name, c.weekday, c.start_time, c.duration_minutes, c.location, c.active, c.created_at, c.updated_at,
        ct.name AS course_type_name, ct.billing_mode AS billing_mode, ct.is_trial AS is_trial,
        ins.name AS instrument_name, i.first_name || ' ' || i.last_name AS instructor_name
        %s ORDER BY c.name ASC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var courses []models.CourseDetail
	if err := r.db.SelectContext(ctx, &courses, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	return courses, total, nil
}

// FindByID loads a course by identifier.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	query := fmt.Sprintf(`SELECT %s FROM courses WHERE id = $1`, courseColumns)
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// FindDetailByID loads a course with type and instructor context.
func (r *CourseRepository) FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error) {
	const query = `SELECT c.id, c.course_type_id, c.instructor_id, c.name, c.weekday, c.start_time, c.duration_minutes, c.location, c.active, c.created_at, c.updated_at,
        ct.name AS course_type_name, ct.billing_mode AS billing_mode, ct.is_trial AS is_trial,
        ins.name AS instrument_name, i.first_name || ' ' || i.last_name AS instructor_name
        FROM courses c
        LEFT JOIN course_types ct ON ct.id = c.course_type_id
        LEFT JOIN instruments ins ON ins.id = ct.instrument_id
        LEFT JOIN instructors i ON i.id = c.instructor_id
        WHERE c.id = $1`
	var detail models.CourseDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Create inserts a new course.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if course.CreatedAt.IsZero() {
		course.CreatedAt = now
	}
	course.UpdatedAt = now
	const query = `INSERT INTO courses (id, course_type_id, instructor_id, name, weekday, start_time, duration_minutes, location, active, created_at, updated_at)
VALUES (:id, :course_type_id, :instructor_id, :name, :weekday, :start_time, :duration_minutes, :location, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// Update applies changes to a course.
func (r *CourseRepository) Update(ctx context.Context, course *models.Course) error {
	course.UpdatedAt = time.Now().UTC()
	const query = `UPDATE courses SET course_type_id = :course_type_id, instructor_id = :instructor_id, name = :name, weekday = :weekday,
start_time = :start_time, duration_minutes = :duration_minutes, location = :location, active = :active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return nil
}

// FindCourseTypeByID loads a course type by identifier.
func (r *CourseRepository) FindCourseTypeByID(ctx context.Context, id string) (*models.CourseType, error) {
	const query = `SELECT id, name, instrument_id, billing_mode, is_trial, created_at, updated_at FROM course_types WHERE id = $1`
	var courseType models.CourseType
	if err := r.db.GetContext(ctx, &courseType, query, id); err != nil {
		return nil, err
	}
	return &courseType, nil
}

// ListCourseTypes returns all course types.
func (r *CourseRepository) ListCourseTypes(ctx context.Context) ([]models.CourseType, error) {
	const query = `SELECT id, name, instrument_id, billing_mode, is_trial, created_at, updated_at FROM course_types ORDER BY name ASC`
	var types []models.CourseType
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, fmt.Errorf("list course types: %w", err)
	}
	return types, nil
}

// CreateCourseType inserts a new course type.
func (r *CourseRepository) CreateCourseType(ctx context.Context, courseType *models.CourseType) error {
	if courseType.ID == "" {
		courseType.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if courseType.CreatedAt.IsZero() {
		courseType.CreatedAt = now
	}
	courseType.UpdatedAt = now
	const query = `INSERT INTO course_types (id, name, instrument_id, billing_mode, is_trial, created_at, updated_at)
VALUES (:id, :name, :instrument_id, :billing_mode, :is_trial, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, courseType); err != nil {
		return fmt.Errorf("create course type: %w", err)
	}
	return nil
}

// ListInstruments returns all instruments.
func (r *CourseRepository) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	const query = `SELECT id, name FROM instruments ORDER BY name ASC`
	var instruments []models.Instrument
	if err := r.db.SelectContext(ctx, &instruments, query); err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	return instruments, nil
}
