package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
)

type mockStudentRepo struct {
	students []*models.Student
	seq      int
}

func (m *mockStudentRepo) List(_ context.Context, _ models.StudentFilter) ([]models.StudentDetail, int, error) {
	out := make([]models.StudentDetail, 0, len(m.students))
	for _, s := range m.students {
		out = append(out, models.StudentDetail{Student: *s})
	}
	return out, len(out), nil
}

func (m *mockStudentRepo) FindByID(_ context.Context, id string) (*models.Student, error) {
	for _, s := range m.students {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockStudentRepo) FindSimilar(_ context.Context, _, lastName, email string) ([]models.Student, error) {
	var out []models.Student
	for _, s := range m.students {
		if s.LastName == lastName || s.Email == email {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockStudentRepo) Create(_ context.Context, student *models.Student) error {
	m.seq++
	student.ID = fmt.Sprintf("student-%d", m.seq)
	m.students = append(m.students, student)
	return nil
}

func (m *mockStudentRepo) Update(_ context.Context, student *models.Student) error {
	for i, s := range m.students {
		if s.ID == student.ID {
			m.students[i] = student
			return nil
		}
	}
	return sql.ErrNoRows
}

func newStudentFixture() (*StudentService, *mockStudentRepo) {
	repo := &mockStudentRepo{}
	return NewStudentService(repo, nil, nil), repo
}

func seedStudent(repo *mockStudentRepo, first, last, email string, dob time.Time) {
	repo.seq++
	repo.students = append(repo.students, &models.Student{
		ID:          fmt.Sprintf("student-%d", repo.seq),
		FirstName:   first,
		LastName:    last,
		Email:       email,
		DateOfBirth: dob,
		Active:      true,
	})
}

func TestStudentServiceCreate(t *testing.T) {
	svc, repo := newStudentFixture()

	student, candidates, err := svc.Create(context.Background(), CreateStudentRequest{
		FirstName:   "Emma",
		LastName:    "de Vries",
		Email:       "emma@example.com",
		DateOfBirth: day(2010, time.June, 1),
	})
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.True(t, student.Active)
	assert.Len(t, repo.students, 1)
}

func TestStudentServiceCreateDetectsEmailDuplicate(t *testing.T) {
	svc, repo := newStudentFixture()
	seedStudent(repo, "Emma", "de Vries", "emma@example.com", day(2010, time.June, 1))

	_, candidates, err := svc.Create(context.Background(), CreateStudentRequest{
		FirstName:   "Em",
		LastName:    "Vries",
		Email:       "emma@example.com",
		DateOfBirth: day(2011, time.January, 1),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	require.Len(t, candidates, 1)
	assert.Equal(t, 1.0, candidates[0].Score)
	assert.Len(t, repo.students, 1, "no student created")
}

func TestStudentServiceCreateForceSkipsDuplicateCheck(t *testing.T) {
	svc, repo := newStudentFixture()
	seedStudent(repo, "Emma", "de Vries", "emma@example.com", day(2010, time.June, 1))

	student, candidates, err := svc.Create(context.Background(), CreateStudentRequest{
		FirstName:   "Emma",
		LastName:    "de Vries",
		Email:       "emma@example.com",
		DateOfBirth: day(2010, time.June, 1),
		Force:       true,
	})
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.NotEmpty(t, student.ID)
	assert.Len(t, repo.students, 2)
}

func TestStudentServiceDuplicateScoring(t *testing.T) {
	svc, repo := newStudentFixture()
	seedStudent(repo, "Emma", "de Vries", "emma@example.com", day(2010, time.June, 1))

	tests := []struct {
		name      string
		firstName string
		lastName  string
		email     string
		dob       time.Time
		want      float64
	}{
		{"full name and birth date", "Emma", "de Vries", "other@example.com", day(2010, time.June, 1), 0.95},
		{"full name only", "Emma", "de Vries", "other@example.com", day(2012, time.January, 1), 0.7},
		{"last name and birth date", "Sophie", "de Vries", "other@example.com", day(2010, time.June, 1), 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidates, err := svc.FindDuplicates(context.Background(), tt.firstName, tt.lastName, tt.email, tt.dob)
			require.NoError(t, err)
			require.Len(t, candidates, 1)
			assert.Equal(t, tt.want, candidates[0].Score)
			assert.NotEmpty(t, candidates[0].Reason)
		})
	}
}

func TestStudentServiceDuplicateBelowThresholdIgnored(t *testing.T) {
	svc, repo := newStudentFixture()
	seedStudent(repo, "Emma", "de Vries", "emma@example.com", day(2010, time.June, 1))

	candidates, err := svc.FindDuplicates(context.Background(), "Sophie", "de Vries", "sophie@example.com", day(2013, time.February, 2))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestStudentServiceUpdate(t *testing.T) {
	svc, repo := newStudentFixture()
	seedStudent(repo, "Emma", "de Vries", "emma@example.com", day(2010, time.June, 1))

	student, err := svc.Update(context.Background(), "student-1", UpdateStudentRequest{
		FirstName:   "Emma",
		LastName:    "Jansen",
		Email:       "emma.jansen@example.com",
		DateOfBirth: day(2010, time.June, 1),
		Active:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, "Jansen", student.LastName)
	assert.False(t, student.Active)
}

func TestStudentServiceUpdateUnknown(t *testing.T) {
	svc, _ := newStudentFixture()

	_, err := svc.Update(context.Background(), "missing", UpdateStudentRequest{
		FirstName:   "Emma",
		LastName:    "Jansen",
		Email:       "emma@example.com",
		DateOfBirth: day(2010, time.June, 1),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
