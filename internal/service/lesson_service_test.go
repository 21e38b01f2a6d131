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

type mockLessonRepo struct {
	lessons []*models.Lesson
	seq     int
}

func (m *mockLessonRepo) List(_ context.Context, _ models.LessonFilter) ([]models.LessonDetail, int, error) {
	out := make([]models.LessonDetail, 0, len(m.lessons))
	for _, l := range m.lessons {
		out = append(out, models.LessonDetail{Lesson: *l})
	}
	return out, len(out), nil
}

func (m *mockLessonRepo) FindByID(_ context.Context, id string) (*models.Lesson, error) {
	for _, l := range m.lessons {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockLessonRepo) Create(_ context.Context, lesson *models.Lesson) error {
	m.seq++
	lesson.ID = fmt.Sprintf("lesson-%d", m.seq)
	m.lessons = append(m.lessons, lesson)
	return nil
}

func (m *mockLessonRepo) CreateBatch(_ context.Context, lessons []*models.Lesson) error {
	for _, l := range lessons {
		m.seq++
		l.ID = fmt.Sprintf("lesson-%d", m.seq)
		m.lessons = append(m.lessons, l)
	}
	return nil
}

func (m *mockLessonRepo) UpdateStatus(_ context.Context, id string, status models.LessonStatus) error {
	for _, l := range m.lessons {
		if l.ID == id {
			l.Status = status
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockLessonRepo) ExistsOnDate(_ context.Context, courseID string, studentID *string, date time.Time) (bool, error) {
	for _, l := range m.lessons {
		if l.CourseID != courseID || !l.ScheduledDate.Equal(date) {
			continue
		}
		if (l.StudentID == nil) != (studentID == nil) {
			continue
		}
		if l.StudentID != nil && *l.StudentID != *studentID {
			continue
		}
		return true, nil
	}
	return false, nil
}

type stubEnrollmentDetailReader struct {
	details map[string]*models.EnrollmentDetail
}

func (s *stubEnrollmentDetailReader) FindDetailByID(_ context.Context, id string) (*models.EnrollmentDetail, error) {
	if d, ok := s.details[id]; ok {
		return d, nil
	}
	return nil, sql.ErrNoRows
}

type stubCourseReader struct {
	courses map[string]*models.Course
}

func (s *stubCourseReader) FindByID(_ context.Context, id string) (*models.Course, error) {
	if c, ok := s.courses[id]; ok {
		return c, nil
	}
	return nil, sql.ErrNoRows
}

func newLessonFixture() (*LessonService, *mockLessonRepo, *stubEnrollmentDetailReader) {
	repo := &mockLessonRepo{}
	enrollments := &stubEnrollmentDetailReader{details: map[string]*models.EnrollmentDetail{
		"enr-1": {
			Enrollment: models.Enrollment{
				ID:        "enr-1",
				StudentID: "student-1",
				CourseID:  "course-1",
				Status:    models.EnrollmentStatusActive,
			},
			BillingMode: models.BillingModeIndividual,
		},
	}}
	courses := &stubCourseReader{courses: map[string]*models.Course{
		// Tuesdays
		"course-1": {ID: "course-1", Name: "Guitar Beginners", Weekday: 2, Active: true},
	}}
	return NewLessonService(repo, enrollments, courses, nil, nil), repo, enrollments
}

func TestLessonServiceGenerateWeeklyLessons(t *testing.T) {
	svc, repo, _ := newLessonFixture()

	// March 2026: Tuesdays fall on the 3rd, 10th, 17th, 24th and 31st.
	lessons, err := svc.GenerateForEnrollment(context.Background(), GenerateLessonsRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)

	require.Len(t, lessons, 5)
	assert.Equal(t, day(2026, time.March, 3), lessons[0].ScheduledDate)
	assert.Equal(t, day(2026, time.March, 31), lessons[4].ScheduledDate)
	require.NotNil(t, lessons[0].StudentID)
	assert.Equal(t, "student-1", *lessons[0].StudentID)
	assert.Len(t, repo.lessons, 5)
}

func TestLessonServiceGenerateSkipsExistingDates(t *testing.T) {
	svc, repo, _ := newLessonFixture()

	studentID := "student-1"
	repo.lessons = append(repo.lessons, &models.Lesson{
		ID:            "lesson-existing",
		CourseID:      "course-1",
		StudentID:     &studentID,
		ScheduledDate: day(2026, time.March, 10),
		Status:        models.LessonStatusScheduled,
	})

	lessons, err := svc.GenerateForEnrollment(context.Background(), GenerateLessonsRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)
	assert.Len(t, lessons, 4)
	for _, l := range lessons {
		assert.False(t, l.ScheduledDate.Equal(day(2026, time.March, 10)))
	}
}

func TestLessonServiceGenerateGroupLessonsShared(t *testing.T) {
	svc, _, enrollments := newLessonFixture()
	enrollments.details["enr-1"].BillingMode = models.BillingModeGroup

	lessons, err := svc.GenerateForEnrollment(context.Background(), GenerateLessonsRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.NoError(t, err)
	require.NotEmpty(t, lessons)
	assert.Nil(t, lessons[0].StudentID, "group lessons are not bound to a student")
}

func TestLessonServiceGenerateRejectsWithdrawnEnrollment(t *testing.T) {
	svc, _, enrollments := newLessonFixture()
	enrollments.details["enr-1"].Status = models.EnrollmentStatusWithdrawn

	_, err := svc.GenerateForEnrollment(context.Background(), GenerateLessonsRequest{
		EnrollmentID: "enr-1",
		PeriodStart:  day(2026, time.March, 1),
		PeriodEnd:    day(2026, time.March, 31),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestLessonServiceCreateRejectsDuplicateDate(t *testing.T) {
	svc, _, _ := newLessonFixture()

	_, err := svc.Create(context.Background(), CreateLessonRequest{
		CourseID:      "course-1",
		ScheduledDate: day(2026, time.March, 3),
	})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), CreateLessonRequest{
		CourseID:      "course-1",
		ScheduledDate: day(2026, time.March, 3),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestLessonServiceCompleteAndCancel(t *testing.T) {
	svc, repo, _ := newLessonFixture()
	repo.lessons = append(repo.lessons, &models.Lesson{
		ID:       "lesson-1",
		CourseID: "course-1",
		Status:   models.LessonStatusScheduled,
	})

	lesson, err := svc.Complete(context.Background(), "lesson-1")
	require.NoError(t, err)
	assert.Equal(t, models.LessonStatusCompleted, lesson.Status)

	lesson, err = svc.Cancel(context.Background(), "lesson-1")
	require.NoError(t, err)
	assert.Equal(t, models.LessonStatusCancelled, lesson.Status)
}

func TestLessonServiceTransitionRejectsInvoicedLesson(t *testing.T) {
	svc, repo, _ := newLessonFixture()
	repo.lessons = append(repo.lessons, &models.Lesson{
		ID:         "lesson-1",
		CourseID:   "course-1",
		Status:     models.LessonStatusCompleted,
		IsInvoiced: true,
	})

	_, err := svc.Cancel(context.Background(), "lesson-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}
