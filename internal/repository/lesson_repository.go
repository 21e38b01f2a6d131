package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/musicschool-api/internal/models"
)

// LessonRepository handles persistence of lessons.
type LessonRepository struct {
	db *sqlx.DB
}

// NewLessonRepository constructs the repository.
func NewLessonRepository(db *sqlx.DB) *LessonRepository {
	return &LessonRepository{db: db}
}

func (r *LessonRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

const lessonColumns = `id, course_id, student_id, scheduled_date, status, is_invoiced, notes, created_at, updated_at`

// List returns lessons filtered by the provided criteria.
func (r *LessonRepository) List(ctx context.Context, filter models.LessonFilter) ([]models.LessonDetail, int, error) {
	base := `FROM lessons l
LEFT JOIN courses c ON c.id = l.course_id
LEFT JOIN students s ON s.id = l.student_id`
	var conditions []string
	var args []interface{}

	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("l.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("l.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("l.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("l.scheduled_date >= $%d", len(args)+1))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("l.scheduled_date <= $%d", len(args)+1))
		args = append(args, *filter.To)
	}
	if filter.Invoiced != nil {
		conditions = append(conditions, fmt.Sprintf("l.is_invoiced = $%d", len(args)+1))
		args = append(args, *filter.Invoiced)
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

	query := fmt.Sprintf(`SELECT l.id, l.course_id, l.student_id, l.scheduled_date, l.status, l.is_invoiced, l.notes, l.created_at, l.updated_at,
        c.name AS course_name, s.first_name || ' ' || s.last_name AS student_name
        %s ORDER BY l.scheduled_date ASC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var lessons []models.LessonDetail
	if err := r.db.SelectContext(ctx, &lessons, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list lessons: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count lessons: %w", err)
	}
	return lessons, total, nil
}

// FindByID returns a lesson by its ID.
func (r *LessonRepository) FindByID(ctx context.Context, id string) (*models.Lesson, error) {
	query := fmt.Sprintf(`SELECT %s FROM lessons WHERE id = $1`, lessonColumns)
	var lesson models.Lesson
	if err := r.db.GetContext(ctx, &lesson, query, id); err != nil {
		return nil, err
	}
	return &lesson, nil
}

// ListInvoiceable selects unbilled lessons inside a billing period. Lessons
// qualify when not yet invoiced and completed or still scheduled. Individually
// billed course types restrict to the specific student; group and workshop
// courses include every qualifying lesson of the course.
func (r *LessonRepository) ListInvoiceable(ctx context.Context, exec sqlx.ExtContext, courseID, studentID string, individual bool, periodStart, periodEnd time.Time) ([]models.Lesson, error) {
	query := fmt.Sprintf(`SELECT %s FROM lessons
WHERE course_id = $1 AND scheduled_date >= $2 AND scheduled_date <= $3
AND is_invoiced = FALSE AND status IN ($4, $5)`, lessonColumns)
	args := []interface{}{courseID, periodStart, periodEnd, models.LessonStatusCompleted, models.LessonStatusScheduled}
	if individual {
		query += fmt.Sprintf(" AND student_id = $%d", len(args)+1)
		args = append(args, studentID)
	}
	query += " ORDER BY scheduled_date ASC"

	var lessons []models.Lesson
	if err := sqlx.SelectContext(ctx, r.exec(exec), &lessons, query, args...); err != nil {
		return nil, fmt.Errorf("list invoiceable lessons: %w", err)
	}
	return lessons, nil
}

// SetInvoicedTx flips the is_invoiced flag for a set of lessons.
func (r *LessonRepository) SetInvoicedTx(ctx context.Context, exec sqlx.ExtContext, lessonIDs []string, invoiced bool) error {
	if len(lessonIDs) == 0 {
		return nil
	}
	placeholderList := make([]string, len(lessonIDs))
	args := []interface{}{invoiced, time.Now().UTC()}
	for i, id := range lessonIDs {
		placeholderList[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, id)
	}
	query := fmt.Sprintf("UPDATE lessons SET is_invoiced = $1, updated_at = $2 WHERE id IN (%s)", strings.Join(placeholderList, ","))
	if _, err := r.exec(exec).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set lessons invoiced: %w", err)
	}
	return nil
}

// Create persists a single lesson.
func (r *LessonRepository) Create(ctx context.Context, lesson *models.Lesson) error {
	return r.CreateBatch(ctx, []*models.Lesson{lesson})
}

// CreateBatch persists multiple lessons in one transaction.
func (r *LessonRepository) CreateBatch(ctx context.Context, lessons []*models.Lesson) error {
	if len(lessons) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	const query = `INSERT INTO lessons (id, course_id, student_id, scheduled_date, status, is_invoiced, notes, created_at, updated_at)
VALUES (:id, :course_id, :student_id, :scheduled_date, :status, :is_invoiced, :notes, :created_at, :updated_at)`
	now := time.Now().UTC()
	for _, lesson := range lessons {
		if lesson.ID == "" {
			lesson.ID = uuid.NewString()
		}
		if lesson.Status == "" {
			lesson.Status = models.LessonStatusScheduled
		}
		if lesson.CreatedAt.IsZero() {
			lesson.CreatedAt = now
		}
		lesson.UpdatedAt = now
		if _, err := tx.NamedExecContext(ctx, query, lesson); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert lesson: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lessons: %w", err)
	}
	return nil
}

// UpdateStatus changes the status of a lesson.
func (r *LessonRepository) UpdateStatus(ctx context.Context, id string, status models.LessonStatus) error {
	const query = `UPDATE lessons SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update lesson status: %w", err)
	}
	return nil
}

// ExistsOnDate checks whether a lesson already exists for the course, student
// and date, used to keep generation idempotent.
func (r *LessonRepository) ExistsOnDate(ctx context.Context, courseID string, studentID *string, date time.Time) (bool, error) {
	query := "SELECT 1 FROM lessons WHERE course_id = $1 AND scheduled_date = $2"
	args := []interface{}{courseID, date}
	if studentID != nil {
		query += " AND student_id = $3"
		args = append(args, *studentID)
	} else {
		query += " AND student_id IS NULL"
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check lesson existence: %w", err)
	}
	return true, nil
}
