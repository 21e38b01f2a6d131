package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type settingsRepository interface {
	ListByKeys(ctx context.Context, keys []string) ([]models.Setting, error)
	Get(ctx context.Context, key string) (*models.Setting, error)
	List(ctx context.Context) ([]models.Setting, error)
	Upsert(ctx context.Context, setting *models.Setting) error
}

// BillingSettings bundles the configurable values the invoicing subsystem
// reads on every generation run.
type BillingSettings struct {
	VATRate                    decimal.Decimal `json:"vat_rate"`
	PaymentDueDays             int             `json:"payment_due_days"`
	RegistrationFee            decimal.Decimal `json:"registration_fee"`
	RegistrationFeeDescription string          `json:"registration_fee_description"`
	ChildAgeLimit              int             `json:"child_age_limit"`
}

// UpdateSettingRequest describes a settings change payload.
type UpdateSettingRequest struct {
	Key         string  `json:"key" validate:"required"`
	Value       string  `json:"value" validate:"required"`
	Description *string `json:"description,omitempty"`
}

const billingSettingsCacheKey = "settings:billing"

// SettingsService exposes persisted configuration with typed accessors and an
// optional Redis cache in front of the billing keys.
type SettingsService struct {
	repo      settingsRepository
	cache     *redis.Client
	cacheTTL  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSettingsService constructs SettingsService. The cache client may be nil,
// in which case every read goes to the database.
func NewSettingsService(repo settingsRepository, cache *redis.Client, cacheTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *SettingsService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &SettingsService{repo: repo, cache: cache, cacheTTL: cacheTTL, validator: validate, logger: logger}
}

// List returns every persisted setting.
func (s *SettingsService) List(ctx context.Context) ([]models.Setting, error) {
	settings, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list settings")
	}
	return settings, nil
}

// Get returns one setting by key.
func (s *SettingsService) Get(ctx context.Context, key string) (*models.Setting, error) {
	setting, err := s.repo.Get(ctx, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "setting not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load setting")
	}
	return setting, nil
}

// Update upserts a setting and invalidates the billing cache.
func (s *SettingsService) Update(ctx context.Context, req UpdateSettingRequest, updatedBy string) (*models.Setting, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid setting payload")
	}
	setting := &models.Setting{Key: req.Key, Value: req.Value, Description: req.Description}
	if updatedBy != "" {
		setting.UpdatedBy = &updatedBy
	}
	if err := s.repo.Upsert(ctx, setting); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save setting")
	}
	s.invalidateBillingCache(ctx)
	return setting, nil
}

// Billing resolves the billing-related settings, applying defaults for keys
// that were never configured.
func (s *SettingsService) Billing(ctx context.Context) (*BillingSettings, error) {
	if cached := s.cachedBilling(ctx); cached != nil {
		return cached, nil
	}

	keys := []string{
		models.SettingVATRate,
		models.SettingPaymentDueDays,
		models.SettingRegistrationFee,
		models.SettingRegistrationFeeDescription,
		models.SettingChildAgeLimit,
	}
	settings, err := s.repo.ListByKeys(ctx, keys)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load billing settings")
	}

	billing := defaultBillingSettings()
	for _, setting := range settings {
		switch setting.Key {
		case models.SettingVATRate:
			if rate, err := decimal.NewFromString(setting.Value); err == nil {
				billing.VATRate = rate
			}
		case models.SettingPaymentDueDays:
			if days, err := strconv.Atoi(setting.Value); err == nil && days > 0 {
				billing.PaymentDueDays = days
			}
		case models.SettingRegistrationFee:
			if fee, err := decimal.NewFromString(setting.Value); err == nil {
				billing.RegistrationFee = fee
			}
		case models.SettingRegistrationFeeDescription:
			if setting.Value != "" {
				billing.RegistrationFeeDescription = setting.Value
			}
		case models.SettingChildAgeLimit:
			if limit, err := strconv.Atoi(setting.Value); err == nil && limit > 0 {
				billing.ChildAgeLimit = limit
			}
		}
	}

	s.storeBillingCache(ctx, billing)
	return billing, nil
}

func defaultBillingSettings() *BillingSettings {
	return &BillingSettings{
		VATRate:                    decimal.NewFromInt(21),
		PaymentDueDays:             14,
		RegistrationFee:            decimal.NewFromInt(25),
		RegistrationFeeDescription: "Registration fee",
		ChildAgeLimit:              18,
	}
}

func (s *SettingsService) cachedBilling(ctx context.Context) *BillingSettings {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, billingSettingsCacheKey).Bytes()
	if err != nil {
		return nil
	}
	var billing BillingSettings
	if err := json.Unmarshal(raw, &billing); err != nil {
		return nil
	}
	return &billing
}

func (s *SettingsService) storeBillingCache(ctx context.Context, billing *BillingSettings) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(billing)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, billingSettingsCacheKey, raw, s.cacheTTL).Err(); err != nil {
		s.logger.Warn("billing settings cache write failed", zap.Error(err))
	}
}

func (s *SettingsService) invalidateBillingCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, billingSettingsCacheKey).Err(); err != nil {
		s.logger.Warn("billing settings cache invalidation failed", zap.Error(err))
	}
}
