package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type mockSettingsRepo struct {
	settings map[string]*models.Setting
	upserts  int
}

func (m *mockSettingsRepo) ListByKeys(_ context.Context, keys []string) ([]models.Setting, error) {
	var out []models.Setting
	for _, key := range keys {
		if s, ok := m.settings[key]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockSettingsRepo) Get(_ context.Context, key string) (*models.Setting, error) {
	if s, ok := m.settings[key]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockSettingsRepo) List(_ context.Context) ([]models.Setting, error) {
	var out []models.Setting
	for _, s := range m.settings {
		out = append(out, *s)
	}
	return out, nil
}

func (m *mockSettingsRepo) Upsert(_ context.Context, setting *models.Setting) error {
	m.upserts++
	m.settings[setting.Key] = setting
	return nil
}

func newSettingsFixture() (*SettingsService, *mockSettingsRepo) {
	repo := &mockSettingsRepo{settings: map[string]*models.Setting{}}
	return NewSettingsService(repo, nil, 0, nil, nil), repo
}

func TestSettingsServiceBillingDefaults(t *testing.T) {
	svc, _ := newSettingsFixture()

	billing, err := svc.Billing(context.Background())
	require.NoError(t, err)

	assert.True(t, billing.VATRate.Equal(money("21")))
	assert.Equal(t, 14, billing.PaymentDueDays)
	assert.True(t, billing.RegistrationFee.Equal(money("25")))
	assert.Equal(t, 18, billing.ChildAgeLimit)
	assert.NotEmpty(t, billing.RegistrationFeeDescription)
}

func TestSettingsServiceBillingOverrides(t *testing.T) {
	svc, repo := newSettingsFixture()
	repo.settings[models.SettingVATRate] = &models.Setting{Key: models.SettingVATRate, Value: "9"}
	repo.settings[models.SettingPaymentDueDays] = &models.Setting{Key: models.SettingPaymentDueDays, Value: "30"}
	repo.settings[models.SettingRegistrationFee] = &models.Setting{Key: models.SettingRegistrationFee, Value: "35.50"}

	billing, err := svc.Billing(context.Background())
	require.NoError(t, err)

	assert.True(t, billing.VATRate.Equal(money("9")))
	assert.Equal(t, 30, billing.PaymentDueDays)
	assert.True(t, billing.RegistrationFee.Equal(money("35.50")))
	// untouched keys keep their defaults
	assert.Equal(t, 18, billing.ChildAgeLimit)
}

func TestSettingsServiceBillingIgnoresInvalidValues(t *testing.T) {
	svc, repo := newSettingsFixture()
	repo.settings[models.SettingPaymentDueDays] = &models.Setting{Key: models.SettingPaymentDueDays, Value: "not-a-number"}
	repo.settings[models.SettingChildAgeLimit] = &models.Setting{Key: models.SettingChildAgeLimit, Value: "-3"}

	billing, err := svc.Billing(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 14, billing.PaymentDueDays)
	assert.Equal(t, 18, billing.ChildAgeLimit)
}

func TestSettingsServiceUpdate(t *testing.T) {
	svc, repo := newSettingsFixture()

	setting, err := svc.Update(context.Background(), UpdateSettingRequest{
		Key:   models.SettingVATRate,
		Value: "9",
	}, "user-1")
	require.NoError(t, err)

	assert.Equal(t, "9", setting.Value)
	require.NotNil(t, setting.UpdatedBy)
	assert.Equal(t, "user-1", *setting.UpdatedBy)
	assert.Equal(t, 1, repo.upserts)
}

func TestSettingsServiceUpdateRejectsEmptyKey(t *testing.T) {
	svc, _ := newSettingsFixture()

	_, err := svc.Update(context.Background(), UpdateSettingRequest{Value: "9"}, "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestSettingsServiceGetUnknownKey(t *testing.T) {
	svc, _ := newSettingsFixture()

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
