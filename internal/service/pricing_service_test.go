package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type mockPricingRepo struct {
	versions []*models.CourseTypePricingVersion
	lineRefs map[string]int
	seq      int
	closed   []time.Time
}

func (m *mockPricingRepo) FindForDate(_ context.Context, courseTypeID string, date time.Time) (*models.CourseTypePricingVersion, error) {
	var best *models.CourseTypePricingVersion
	for _, v := range m.versions {
		if v.CourseTypeID != courseTypeID || date.Before(v.ValidFrom) {
			continue
		}
		if v.ValidUntil != nil && date.After(*v.ValidUntil) {
			continue
		}
		if best == nil || v.ValidFrom.After(best.ValidFrom) {
			best = v
		}
	}
	if best == nil {
		return nil, sql.ErrNoRows
	}
	return best, nil
}

func (m *mockPricingRepo) FindCurrent(_ context.Context, courseTypeID string) (*models.CourseTypePricingVersion, error) {
	for _, v := range m.versions {
		if v.CourseTypeID == courseTypeID && v.IsCurrent {
			return v, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockPricingRepo) FindByID(_ context.Context, id string) (*models.CourseTypePricingVersion, error) {
	for _, v := range m.versions {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockPricingRepo) ListByCourseType(_ context.Context, courseTypeID string) ([]models.CourseTypePricingVersion, error) {
	var out []models.CourseTypePricingVersion
	for _, v := range m.versions {
		if v.CourseTypeID == courseTypeID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *mockPricingRepo) CreateTx(_ context.Context, _ sqlx.ExtContext, version *models.CourseTypePricingVersion) error {
	m.seq++
	version.ID = fmt.Sprintf("ver-%d", m.seq)
	m.versions = append(m.versions, version)
	return nil
}

func (m *mockPricingRepo) CloseCurrentTx(_ context.Context, _ sqlx.ExtContext, courseTypeID string, validUntil time.Time) error {
	m.closed = append(m.closed, validUntil)
	for _, v := range m.versions {
		if v.CourseTypeID == courseTypeID && v.IsCurrent {
			until := validUntil
			v.ValidUntil = &until
			v.IsCurrent = false
		}
	}
	return nil
}

func (m *mockPricingRepo) UpdatePrices(_ context.Context, version *models.CourseTypePricingVersion) error {
	for i, v := range m.versions {
		if v.ID == version.ID {
			m.versions[i] = version
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockPricingRepo) CountInvoiceLineRefs(_ context.Context, versionID string) (int, error) {
	return m.lineRefs[versionID], nil
}

type stubCourseTypeReader struct {
	types map[string]*models.CourseType
}

func (s *stubCourseTypeReader) FindCourseTypeByID(_ context.Context, id string) (*models.CourseType, error) {
	if ct, ok := s.types[id]; ok {
		return ct, nil
	}
	return nil, sql.ErrNoRows
}

type pricingTxProviderMock struct {
	db *sqlx.DB
}

func (p *pricingTxProviderMock) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return p.db.BeginTxx(ctx, opts)
}

func newPricingFixture(t *testing.T) (*PricingService, *mockPricingRepo, sqlmock.Sqlmock) {
	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })

	repo := &mockPricingRepo{lineRefs: map[string]int{}}
	courseTypes := &stubCourseTypeReader{types: map[string]*models.CourseType{
		"ct-1": {ID: "ct-1", Name: "Guitar individual", BillingMode: models.BillingModeIndividual},
	}}
	svc := NewPricingService(repo, courseTypes, &pricingTxProviderMock{db: sqlx.NewDb(rawDB, "sqlmock")}, nil, nil)
	svc.now = func() time.Time { return day(2026, time.February, 1) }
	return svc, repo, mock
}

func TestPricingServiceResolveForDatePicksDatedVersion(t *testing.T) {
	svc, repo, _ := newPricingFixture(t)

	until := day(2026, time.April, 30)
	repo.versions = []*models.CourseTypePricingVersion{
		{ID: "ver-old", CourseTypeID: "ct-1", AdultPrice: money("30.00"), ValidFrom: day(2025, time.January, 1), ValidUntil: &until},
		{ID: "ver-new", CourseTypeID: "ct-1", AdultPrice: money("35.00"), ValidFrom: day(2026, time.May, 1), IsCurrent: true},
	}

	got, err := svc.ResolveForDate(context.Background(), "ct-1", day(2026, time.February, 15))
	require.NoError(t, err)
	assert.Equal(t, "ver-old", got.ID)

	got, err = svc.ResolveForDate(context.Background(), "ct-1", day(2026, time.May, 1))
	require.NoError(t, err)
	assert.Equal(t, "ver-new", got.ID)
}

func TestPricingServiceResolveForDateFallsBackToCurrent(t *testing.T) {
	svc, repo, _ := newPricingFixture(t)

	// The only version starts later than the requested date; the current
	// version still answers so billing never dead-ends.
	repo.versions = []*models.CourseTypePricingVersion{
		{ID: "ver-1", CourseTypeID: "ct-1", AdultPrice: money("30.00"), ValidFrom: day(2026, time.May, 1), IsCurrent: true},
	}

	got, err := svc.ResolveForDate(context.Background(), "ct-1", day(2026, time.January, 10))
	require.NoError(t, err)
	assert.Equal(t, "ver-1", got.ID)
}

func TestPricingServiceResolveForDateNoVersions(t *testing.T) {
	svc, _, _ := newPricingFixture(t)

	_, err := svc.ResolveForDate(context.Background(), "ct-1", day(2026, time.January, 10))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestPricingServiceCreateVersionClosesPrevious(t *testing.T) {
	svc, repo, mock := newPricingFixture(t)

	repo.versions = []*models.CourseTypePricingVersion{
		{ID: "ver-current", CourseTypeID: "ct-1", AdultPrice: money("30.00"), ChildPrice: money("20.00"), ValidFrom: day(2025, time.January, 1), IsCurrent: true},
	}

	mock.ExpectBegin()
	mock.ExpectCommit()

	version, err := svc.CreateVersion(context.Background(), CreatePricingVersionRequest{
		CourseTypeID: "ct-1",
		AdultPrice:   money("35.00"),
		ChildPrice:   money("25.00"),
		ValidFrom:    day(2026, time.May, 1),
	})
	require.NoError(t, err)

	assert.True(t, version.IsCurrent)
	assert.Equal(t, day(2026, time.May, 1), version.ValidFrom)

	previous := repo.versions[0]
	assert.False(t, previous.IsCurrent)
	require.NotNil(t, previous.ValidUntil)
	assert.Equal(t, day(2026, time.April, 30), *previous.ValidUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPricingServiceCreateVersionRejectsPastValidFrom(t *testing.T) {
	svc, _, _ := newPricingFixture(t)

	_, err := svc.CreateVersion(context.Background(), CreatePricingVersionRequest{
		CourseTypeID: "ct-1",
		AdultPrice:   money("35.00"),
		ChildPrice:   money("25.00"),
		ValidFrom:    day(2026, time.January, 15),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestPricingServiceCreateVersionRejectsChildAboveAdult(t *testing.T) {
	svc, _, _ := newPricingFixture(t)

	_, err := svc.CreateVersion(context.Background(), CreatePricingVersionRequest{
		CourseTypeID: "ct-1",
		AdultPrice:   money("20.00"),
		ChildPrice:   money("25.00"),
		ValidFrom:    day(2026, time.May, 1),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestPricingServiceUpdateCurrent(t *testing.T) {
	svc, repo, _ := newPricingFixture(t)

	repo.versions = []*models.CourseTypePricingVersion{
		{ID: "ver-1", CourseTypeID: "ct-1", AdultPrice: money("30.00"), ChildPrice: money("20.00"), ValidFrom: day(2025, time.January, 1), IsCurrent: true},
	}

	version, err := svc.UpdateCurrent(context.Background(), "ver-1", UpdatePricingVersionRequest{
		AdultPrice: money("32.00"),
		ChildPrice: money("22.00"),
	})
	require.NoError(t, err)
	assert.True(t, version.AdultPrice.Equal(money("32.00")))
}

func TestPricingServiceUpdateCurrentRejectsReferencedVersion(t *testing.T) {
	svc, repo, _ := newPricingFixture(t)

	repo.versions = []*models.CourseTypePricingVersion{
		{ID: "ver-1", CourseTypeID: "ct-1", AdultPrice: money("30.00"), ChildPrice: money("20.00"), ValidFrom: day(2025, time.January, 1), IsCurrent: true},
	}
	repo.lineRefs["ver-1"] = 3

	_, err := svc.UpdateCurrent(context.Background(), "ver-1", UpdatePricingVersionRequest{
		AdultPrice: money("32.00"),
		ChildPrice: money("22.00"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}
