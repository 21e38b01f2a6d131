package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type mockEnrollmentRepo struct {
	enrollments []*models.Enrollment
	seq         int
}

func (m *mockEnrollmentRepo) List(_ context.Context, _ models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	out := make([]models.EnrollmentDetail, 0, len(m.enrollments))
	for _, e := range m.enrollments {
		out = append(out, models.EnrollmentDetail{Enrollment: *e})
	}
	return out, len(out), nil
}

func (m *mockEnrollmentRepo) FindByID(_ context.Context, id string) (*models.Enrollment, error) {
	for _, e := range m.enrollments {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindDetailByID(_ context.Context, id string) (*models.EnrollmentDetail, error) {
	for _, e := range m.enrollments {
		if e.ID == id {
			return &models.EnrollmentDetail{Enrollment: *e}, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) ExistsActive(_ context.Context, studentID, courseID, excludeID string) (bool, error) {
	for _, e := range m.enrollments {
		if e.ID == excludeID || e.Status == models.EnrollmentStatusWithdrawn {
			continue
		}
		if e.StudentID == studentID && e.CourseID == courseID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEnrollmentRepo) Create(_ context.Context, enrollment *models.Enrollment) error {
	m.seq++
	enrollment.ID = fmt.Sprintf("enr-%d", m.seq)
	enrollment.StartedAt = time.Now().UTC()
	m.enrollments = append(m.enrollments, enrollment)
	return nil
}

func (m *mockEnrollmentRepo) UpdateStatus(_ context.Context, id string, status models.EnrollmentStatus, endedAt *time.Time) error {
	for _, e := range m.enrollments {
		if e.ID == id {
			e.Status = status
			e.EndedAt = endedAt
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockEnrollmentRepo) UpdateBilling(_ context.Context, enrollment *models.Enrollment) error {
	for i, e := range m.enrollments {
		if e.ID == enrollment.ID {
			m.enrollments[i] = enrollment
			return nil
		}
	}
	return sql.ErrNoRows
}

type stubCourseDetailReader struct {
	courses map[string]*models.CourseDetail
}

func (s *stubCourseDetailReader) FindDetailByID(_ context.Context, id string) (*models.CourseDetail, error) {
	if c, ok := s.courses[id]; ok {
		return c, nil
	}
	return nil, sql.ErrNoRows
}

func newEnrollmentFixture() (*EnrollmentService, *mockEnrollmentRepo, *stubStudentReader, *stubCourseDetailReader) {
	repo := &mockEnrollmentRepo{}
	students := &stubStudentReader{students: map[string]*models.Student{
		"student-1": {ID: "student-1", FirstName: "Emma", LastName: "de Vries", Active: true},
	}}
	courses := &stubCourseDetailReader{courses: map[string]*models.CourseDetail{
		"course-1": {
			Course:      models.Course{ID: "course-1", Name: "Guitar Beginners", Active: true},
			BillingMode: models.BillingModeIndividual,
		},
		"course-trial": {
			Course:      models.Course{ID: "course-trial", Name: "Trial Lesson", Active: true},
			BillingMode: models.BillingModeIndividual,
			IsTrial:     true,
		},
	}}
	return NewEnrollmentService(repo, students, courses, nil, nil), repo, students, courses
}

func TestEnrollmentServiceEnroll(t *testing.T) {
	svc, repo, _, _ := newEnrollmentFixture()

	detail, err := svc.Enroll(context.Background(), EnrollStudentRequest{
		StudentID:  "student-1",
		CourseID:   "course-1",
		PeriodType: models.PeriodTypeMonthly,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, detail.Status)
	assert.Len(t, repo.enrollments, 1)
}

func TestEnrollmentServiceEnrollTrialCourse(t *testing.T) {
	svc, _, _, _ := newEnrollmentFixture()

	detail, err := svc.Enroll(context.Background(), EnrollStudentRequest{
		StudentID: "student-1",
		CourseID:  "course-trial",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusTrial, detail.Status)
}

func TestEnrollmentServiceEnrollRejectsDuplicate(t *testing.T) {
	svc, _, _, _ := newEnrollmentFixture()

	_, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "student-1", CourseID: "course-1"})
	require.NoError(t, err)

	_, err = svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "student-1", CourseID: "course-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceEnrollRejectsInactiveStudent(t *testing.T) {
	svc, _, students, _ := newEnrollmentFixture()
	students.students["student-1"].Active = false

	_, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "student-1", CourseID: "course-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceEnrollRejectsExcessiveDiscount(t *testing.T) {
	svc, _, _, _ := newEnrollmentFixture()

	_, err := svc.Enroll(context.Background(), EnrollStudentRequest{
		StudentID:       "student-1",
		CourseID:        "course-1",
		DiscountPercent: decimal.NewFromInt(120),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServicePromoteTrial(t *testing.T) {
	svc, _, _, _ := newEnrollmentFixture()

	detail, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "student-1", CourseID: "course-trial"})
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusTrial, detail.Status)

	promoted, err := svc.Promote(context.Background(), detail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, promoted.Status)
}

func TestEnrollmentServicePromoteRejectsActive(t *testing.T) {
	svc, _, _, _ := newEnrollmentFixture()

	detail, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "student-1", CourseID: "course-1"})
	require.NoError(t, err)

	_, err = svc.Promote(context.Background(), detail.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceWithdrawKeepsRecord(t *testing.T) {
	svc, repo, _, _ := newEnrollmentFixture()

	detail, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "student-1", CourseID: "course-1"})
	require.NoError(t, err)

	withdrawn, err := svc.Withdraw(context.Background(), detail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, withdrawn.Status)
	assert.NotNil(t, withdrawn.EndedAt)
	assert.Len(t, repo.enrollments, 1, "withdrawal never deletes")

	_, err = svc.Withdraw(context.Background(), detail.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestEnrollmentServiceUpdateBilling(t *testing.T) {
	svc, _, _, _ := newEnrollmentFixture()

	detail, err := svc.Enroll(context.Background(), EnrollStudentRequest{
		StudentID:  "student-1",
		CourseID:   "course-1",
		PeriodType: models.PeriodTypeMonthly,
	})
	require.NoError(t, err)

	updated, err := svc.UpdateBilling(context.Background(), detail.ID, UpdateEnrollmentBillingRequest{
		DiscountPercent: decimal.NewFromInt(15),
		PeriodType:      models.PeriodTypeQuarterly,
	})
	require.NoError(t, err)
	assert.True(t, updated.DiscountPercent.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, models.PeriodTypeQuarterly, updated.PeriodType)
}

func TestEnrollmentServiceUpdateBillingRejectsWithdrawn(t *testing.T) {
	svc, _, _, _ := newEnrollmentFixture()

	detail, err := svc.Enroll(context.Background(), EnrollStudentRequest{StudentID: "student-1", CourseID: "course-1"})
	require.NoError(t, err)
	_, err = svc.Withdraw(context.Background(), detail.ID)
	require.NoError(t, err)

	_, err = svc.UpdateBilling(context.Background(), detail.ID, UpdateEnrollmentBillingRequest{
		PeriodType: models.PeriodTypeMonthly,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}
