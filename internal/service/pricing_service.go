package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type pricingRepository interface {
	FindForDate(ctx context.Context, courseTypeID string, date time.Time) (*models.CourseTypePricingVersion, error)
	FindCurrent(ctx context.Context, courseTypeID string) (*models.CourseTypePricingVersion, error)
	FindByID(ctx context.Context, id string) (*models.CourseTypePricingVersion, error)
	ListByCourseType(ctx context.Context, courseTypeID string) ([]models.CourseTypePricingVersion, error)
	CreateTx(ctx context.Context, exec sqlx.ExtContext, version *models.CourseTypePricingVersion) error
	CloseCurrentTx(ctx context.Context, exec sqlx.ExtContext, courseTypeID string, validUntil time.Time) error
	UpdatePrices(ctx context.Context, version *models.CourseTypePricingVersion) error
	CountInvoiceLineRefs(ctx context.Context, versionID string) (int, error)
}

type courseTypeReader interface {
	FindCourseTypeByID(ctx context.Context, id string) (*models.CourseType, error)
}

type pricingTxProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// CreatePricingVersionRequest describes a new pricing version payload.
type CreatePricingVersionRequest struct {
	CourseTypeID string          `json:"course_type_id" validate:"required"`
	AdultPrice   decimal.Decimal `json:"adult_price" validate:"required"`
	ChildPrice   decimal.Decimal `json:"child_price" validate:"required"`
	ValidFrom    time.Time       `json:"valid_from" validate:"required"`
}

// UpdatePricingVersionRequest describes an in-place price correction.
type UpdatePricingVersionRequest struct {
	AdultPrice decimal.Decimal `json:"adult_price" validate:"required"`
	ChildPrice decimal.Decimal `json:"child_price" validate:"required"`
}

// PricingService manages versioned course type pricing.
type PricingService struct {
	repo        pricingRepository
	courseTypes courseTypeReader
	tx          pricingTxProvider
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewPricingService constructs PricingService.
func NewPricingService(repo pricingRepository, courseTypes courseTypeReader, tx pricingTxProvider, validate *validator.Validate, logger *zap.Logger) *PricingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PricingService{repo: repo, courseTypes: courseTypes, tx: tx, validator: validate, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ResolveForDate returns the pricing version applicable on the given date,
// falling back to the current version when no dated range matches.
func (s *PricingService) ResolveForDate(ctx context.Context, courseTypeID string, date time.Time) (*models.CourseTypePricingVersion, error) {
	version, err := s.repo.FindForDate(ctx, courseTypeID, date)
	if err == nil {
		return version, nil
	}
	if err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve pricing version")
	}
	version, err = s.repo.FindCurrent(ctx, courseTypeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no pricing version for course type")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve pricing version")
	}
	return version, nil
}

// ListVersions returns all versions of a course type, newest first.
func (s *PricingService) ListVersions(ctx context.Context, courseTypeID string) ([]models.CourseTypePricingVersion, error) {
	versions, err := s.repo.ListByCourseType(ctx, courseTypeID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list pricing versions")
	}
	return versions, nil
}

// CreateVersion closes the current version and opens a new one in a single
// transaction. The previous version keeps its identity so invoice lines that
// reference it stay intact.
func (s *PricingService) CreateVersion(ctx context.Context, req CreatePricingVersionRequest) (version *models.CourseTypePricingVersion, err error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid pricing version payload")
	}
	if req.AdultPrice.IsNegative() || req.ChildPrice.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "prices must not be negative")
	}
	if req.ChildPrice.GreaterThan(req.AdultPrice) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "child price must not exceed adult price")
	}
	today := truncateToDay(s.now())
	validFrom := truncateToDay(req.ValidFrom)
	if validFrom.Before(today) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "valid_from must not be in the past")
	}
	if _, err := s.courseTypes.FindCourseTypeByID(ctx, req.CourseTypeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course type not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course type")
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.repo.CloseCurrentTx(ctx, tx, req.CourseTypeID, validFrom.AddDate(0, 0, -1)); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close current pricing version")
	}
	version = &models.CourseTypePricingVersion{
		CourseTypeID: req.CourseTypeID,
		AdultPrice:   req.AdultPrice,
		ChildPrice:   req.ChildPrice,
		ValidFrom:    validFrom,
		IsCurrent:    true,
	}
	if err = s.repo.CreateTx(ctx, tx, version); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create pricing version")
	}
	if err = tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit pricing version")
	}

	s.logger.Info("pricing version created",
		zap.String("course_type_id", req.CourseTypeID),
		zap.String("version_id", version.ID),
		zap.Time("valid_from", validFrom))
	return version, nil
}

// UpdateCurrent corrects the prices of an existing version in place. Rejected
// once any invoice line references the version; a new version must be created
// instead.
func (s *PricingService) UpdateCurrent(ctx context.Context, versionID string, req UpdatePricingVersionRequest) (*models.CourseTypePricingVersion, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid pricing payload")
	}
	if req.AdultPrice.IsNegative() || req.ChildPrice.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "prices must not be negative")
	}
	if req.ChildPrice.GreaterThan(req.AdultPrice) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "child price must not exceed adult price")
	}
	version, err := s.repo.FindByID(ctx, versionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "pricing version not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pricing version")
	}
	refs, err := s.repo.CountInvoiceLineRefs(ctx, versionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pricing version references")
	}
	if refs > 0 {
		return nil, appErrors.Clone(appErrors.ErrConflict, "pricing version is referenced by invoices")
	}
	version.AdultPrice = req.AdultPrice
	version.ChildPrice = req.ChildPrice
	if err := s.repo.UpdatePrices(ctx, version); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update pricing version")
	}
	return version, nil
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
