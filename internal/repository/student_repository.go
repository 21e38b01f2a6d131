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

// StudentRepository handles persistence for students.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

func (r *StudentRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

const studentColumns = `id, first_name, last_name, email, phone, address, date_of_birth, registration_fee_paid_at, active, created_at, updated_at`

// List returns students matching provided filters.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error) {
	base := `FROM students s`
	var conditions []string
	var args []interface{}

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(s.first_name ILIKE $%d OR s.last_name ILIKE $%d OR s.email ILIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("EXISTS (SELECT 1 FROM enrollments e WHERE e.student_id = s.id AND e.course_id = $%d AND e.status <> 'WITHDRAWN')", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("s.active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"last_name":  "s.last_name",
		"first_name": "s.first_name",
		"created_at": "s.created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "s.last_name"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
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

	query := fmt.Sprintf(`SELECT s.id, s.first_name, s.last_name, s.email, s.phone, s.address, s.date_of_birth,
        s.registration_fee_paid_at, s.active, s.created_at, s.updated_at,
        (SELECT COUNT(*) FROM enrollments e WHERE e.student_id = s.id AND e.status = 'ACTIVE') AS active_enrollments
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var students []models.StudentDetail
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}
	return students, total, nil
}

// FindByID loads a student by identifier.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE id = $1`, studentColumns)
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindSimilar returns students whose name or email resembles the candidate,
// used by duplicate detection when creating students.
func (r *StudentRepository) FindSimilar(ctx context.Context, firstName, lastName, email string) ([]models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students
WHERE LOWER(email) = LOWER($1)
   OR (LOWER(last_name) = LOWER($2) AND LOWER(first_name) = LOWER($3))
   OR (LOWER(last_name) = LOWER($2) AND date_of_birth IS NOT NULL)
LIMIT 25`, studentColumns)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, email, lastName, firstName); err != nil {
		return nil, fmt.Errorf("find similar students: %w", err)
	}
	return students, nil
}

// Create inserts a new student record.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if student.CreatedAt.IsZero() {
		student.CreatedAt = now
	}
	student.UpdatedAt = now
	const query = `INSERT INTO students (id, first_name, last_name, email, phone, address, date_of_birth, registration_fee_paid_at, active, created_at, updated_at)
VALUES (:id, :first_name, :last_name, :email, :phone, :address, :date_of_birth, :registration_fee_paid_at, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// Update applies changes to a student record.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student) error {
	student.UpdatedAt = time.Now().UTC()
	const query = `UPDATE students SET first_name = :first_name, last_name = :last_name, email = :email, phone = :phone,
address = :address, date_of_birth = :date_of_birth, active = :active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	return nil
}

// SetRegistrationFeePaidTx stamps the one-time registration fee. The guard on
// a null timestamp makes a second application fail with zero rows affected.
func (r *StudentRepository) SetRegistrationFeePaidTx(ctx context.Context, exec sqlx.ExtContext, studentID string, paidAt time.Time) (bool, error) {
	const query = `UPDATE students SET registration_fee_paid_at = $2, updated_at = $3 WHERE id = $1 AND registration_fee_paid_at IS NULL`
	res, err := r.exec(exec).ExecContext(ctx, query, studentID, paidAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("set registration fee paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set registration fee paid: %w", err)
	}
	return affected > 0, nil
}
