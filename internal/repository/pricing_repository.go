package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/musicschool-api/internal/models"
)

// PricingRepository persists course type pricing versions.
type PricingRepository struct {
	db *sqlx.DB
}

// NewPricingRepository constructs the repository.
func NewPricingRepository(db *sqlx.DB) *PricingRepository {
	return &PricingRepository{db: db}
}

func (r *PricingRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

const pricingColumns = `id, course_type_id, adult_price, child_price, valid_from, valid_until, is_current, created_at, updated_at`

// FindForDate returns the version whose validity range covers the given date,
// preferring the most recent valid_from when ranges overlap.
func (r *PricingRepository) FindForDate(ctx context.Context, courseTypeID string, date time.Time) (*models.CourseTypePricingVersion, error) {
	query := fmt.Sprintf(`SELECT %s FROM course_type_pricing_versions
WHERE course_type_id = $1 AND valid_from <= $2 AND (valid_until IS NULL OR valid_until >= $2)
ORDER BY valid_from DESC LIMIT 1`, pricingColumns)
	var version models.CourseTypePricingVersion
	if err := r.db.GetContext(ctx, &version, query, courseTypeID, date); err != nil {
		return nil, err
	}
	return &version, nil
}

// FindCurrent returns the version flagged as current for a course type.
func (r *PricingRepository) FindCurrent(ctx context.Context, courseTypeID string) (*models.CourseTypePricingVersion, error) {
	query := fmt.Sprintf(`SELECT %s FROM course_type_pricing_versions WHERE course_type_id = $1 AND is_current = TRUE LIMIT 1`, pricingColumns)
	var version models.CourseTypePricingVersion
	if err := r.db.GetContext(ctx, &version, query, courseTypeID); err != nil {
		return nil, err
	}
	return &version, nil
}

// FindByID loads a version by identifier.
func (r *PricingRepository) FindByID(ctx context.Context, id string) (*models.CourseTypePricingVersion, error) {
	query := fmt.Sprintf(`SELECT %s FROM course_type_pricing_versions WHERE id = $1`, pricingColumns)
	var version models.CourseTypePricingVersion
	if err := r.db.GetContext(ctx, &version, query, id); err != nil {
		return nil, err
	}
	return &version, nil
}

// ListByCourseType returns all versions of a course type, newest first.
func (r *PricingRepository) ListByCourseType(ctx context.Context, courseTypeID string) ([]models.CourseTypePricingVersion, error) {
	query := fmt.Sprintf(`SELECT %s FROM course_type_pricing_versions WHERE course_type_id = $1 ORDER BY valid_from DESC`, pricingColumns)
	var versions []models.CourseTypePricingVersion
	if err := r.db.SelectContext(ctx, &versions, query, courseTypeID); err != nil {
		return nil, fmt.Errorf("list pricing versions: %w", err)
	}
	return versions, nil
}

// CreateTx inserts a new pricing version.
func (r *PricingRepository) CreateTx(ctx context.Context, exec sqlx.ExtContext, version *models.CourseTypePricingVersion) error {
	if version.ID == "" {
		version.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = now
	}
	version.UpdatedAt = now
	const query = `INSERT INTO course_type_pricing_versions (id, course_type_id, adult_price, child_price, valid_from, valid_until, is_current, created_at, updated_at)
VALUES (:id, :course_type_id, :adult_price, :child_price, :valid_from, :valid_until, :is_current, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, version); err != nil {
		return fmt.Errorf("insert pricing version: %w", err)
	}
	return nil
}

// CloseCurrentTx ends the validity of the current version and clears its flag.
func (r *PricingRepository) CloseCurrentTx(ctx context.Context, exec sqlx.ExtContext, courseTypeID string, validUntil time.Time) error {
	const query = `UPDATE course_type_pricing_versions SET valid_until = $2, is_current = FALSE, updated_at = $3
WHERE course_type_id = $1 AND is_current = TRUE`
	if _, err := r.exec(exec).ExecContext(ctx, query, courseTypeID, validUntil, time.Now().UTC()); err != nil {
		return fmt.Errorf("close current pricing version: %w", err)
	}
	return nil
}

// UpdatePrices overwrites the prices of an existing version in place.
func (r *PricingRepository) UpdatePrices(ctx context.Context, version *models.CourseTypePricingVersion) error {
	version.UpdatedAt = time.Now().UTC()
	const query = `UPDATE course_type_pricing_versions SET adult_price = :adult_price, child_price = :child_price, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, version); err != nil {
		return fmt.Errorf("update pricing version: %w", err)
	}
	return nil
}

// CountInvoiceLineRefs returns how many invoice lines reference a version.
func (r *PricingRepository) CountInvoiceLineRefs(ctx context.Context, versionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM invoice_lines WHERE pricing_version_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, versionID); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("count pricing version references: %w", err)
	}
	return count, nil
}
