package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/course-enrollment-api/internal/models"
	"github.com/noah-isme/course-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/course-enrollment-api/pkg/errors"
)

type fakeState struct {
	students    map[string]models.Student
	courses     []models.Course
	enrollments []models.Enrollment
}

func (s *fakeState) clone() *fakeState {
	students := make(map[string]models.Student, len(s.students))
	for k, v := range s.students {
		students[k] = v
	}
	return &fakeState{
		students:    students,
		courses:     append([]models.Course(nil), s.courses...),
		enrollments: append([]models.Enrollment(nil), s.enrollments...),
	}
}

func (s *fakeState) course(code string) (int, bool) {
	for i, c := range s.courses {
		if c.Code == code {
			return i, true
		}
	}
	return -1, false
}

func (s *fakeState) enrolledCourses(studentCode string) []models.Course {
	var out []models.Course
	for _, e := range s.enrollments {
		if e.StudentCode != studentCode {
			continue
		}
		if i, ok := s.course(e.CourseCode); ok {
			out = append(out, s.courses[i])
		}
	}
	return out
}

func (s *fakeState) removeEnrollments(match func(models.Enrollment) bool) int64 {
	kept := s.enrollments[:0]
	var removed int64
	for _, e := range s.enrollments {
		if match(e) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.enrollments = kept
	return removed
}

// fakeRecords is an in-memory record store. Transactions work on a snapshot
// and replay their writes on commit, so unserialized callers can observe
// stale reads the way concurrent SQL transactions without row locks would.
type fakeRecords struct {
	mu    sync.Mutex
	state *fakeState
	seq   int

	failWith    error
	readDelay   time.Duration
	onInsert    func()
	onListAll   func()
	listAllHits int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{state: &fakeState{students: map[string]models.Student{}}}
}

func (f *fakeRecords) addStudent(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.students[code] = models.Student{Code: code, FirstName: code}
}

func (f *fakeRecords) addCourse(code string, credits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.courses = append(f.state.courses, models.Course{Code: code, Name: "Course " + code, Credits: credits})
	sort.Slice(f.state.courses, func(i, j int) bool { return f.state.courses[i].Code < f.state.courses[j].Code })
}

func (f *fakeRecords) seedEnrollment(studentCode, courseCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.state.enrollments = append(f.state.enrollments, models.Enrollment{
		ID:          "seed",
		StudentCode: studentCode,
		CourseCode:  courseCode,
		EnrolledAt:  time.Unix(int64(f.seq), 0),
	})
}

func (f *fakeRecords) countEnrollments(studentCode, courseCode string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.state.enrollments {
		if (studentCode == "" || e.StudentCode == studentCode) && (courseCode == "" || e.CourseCode == courseCode) {
			n++
		}
	}
	return n
}

func (f *fakeRecords) hasStudent(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.state.students[code]
	return ok
}

func (f *fakeRecords) hasCourse(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.state.course(code)
	return ok
}

func (f *fakeRecords) WithinTx(ctx context.Context, fn func(tx repository.EnrollmentTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.mu.Lock()
	tx := &fakeTx{records: f, view: f.state.clone()}
	f.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range tx.ops {
		op(f.state)
	}
	return nil
}

func (f *fakeRecords) List(_ context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Enrollment
	for _, e := range f.state.enrollments {
		if filter.StudentCode != "" && e.StudentCode != filter.StudentCode {
			continue
		}
		if filter.CourseCode != "" && e.CourseCode != filter.CourseCode {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeRecords) FindByPair(_ context.Context, studentCode, courseCode string) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.state.enrollments {
		if e.StudentCode == studentCode && e.CourseCode == courseCode {
			found := e
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRecords) ListCoursesByStudent(_ context.Context, studentCode string) ([]models.Course, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.enrolledCourses(studentCode), nil
}

func (f *fakeRecords) ListAll(_ context.Context) ([]models.Course, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	if f.onListAll != nil {
		f.onListAll()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listAllHits++
	return append([]models.Course(nil), f.state.courses...), nil
}

type fakeTx struct {
	records *fakeRecords
	view    *fakeState
	ops     []func(*fakeState)
}

func (t *fakeTx) apply(op func(*fakeState)) {
	op(t.view)
	t.ops = append(t.ops, op)
}

func (t *fakeTx) LockStudent(_ context.Context, code string) (*models.Student, error) {
	student, ok := t.view.students[code]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &student, nil
}

func (t *fakeTx) LockCourse(_ context.Context, code string, _ repository.LockMode) (*models.Course, error) {
	i, ok := t.view.course(code)
	if !ok {
		return nil, sql.ErrNoRows
	}
	course := t.view.courses[i]
	return &course, nil
}

func (t *fakeTx) ListEnrolledCourses(_ context.Context, studentCode string) ([]models.Course, error) {
	if t.records.readDelay > 0 {
		time.Sleep(t.records.readDelay)
	}
	return t.view.enrolledCourses(studentCode), nil
}

func (t *fakeTx) ListCourses(_ context.Context) ([]models.Course, error) {
	return append([]models.Course(nil), t.view.courses...), nil
}

func (t *fakeTx) EnrollmentExists(_ context.Context, studentCode, courseCode string) (bool, error) {
	for _, e := range t.view.enrollments {
		if e.StudentCode == studentCode && e.CourseCode == courseCode {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) CountByCourse(_ context.Context, courseCode string) (int, error) {
	n := 0
	for _, e := range t.view.enrollments {
		if e.CourseCode == courseCode {
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) CountByStudent(_ context.Context, studentCode string) (int, error) {
	return len(t.view.enrolledCourses(studentCode)), nil
}

func (t *fakeTx) MaxLoadAmongCourseStudents(_ context.Context, courseCode string) (int, error) {
	heaviest := 0
	for _, e := range t.view.enrollments {
		if e.CourseCode != courseCode {
			continue
		}
		if load := sumCredits(t.view.enrolledCourses(e.StudentCode)); load > heaviest {
			heaviest = load
		}
	}
	return heaviest, nil
}

func (t *fakeTx) InsertEnrollment(_ context.Context, enrollment *models.Enrollment) error {
	for _, e := range t.view.enrollments {
		if e.StudentCode == enrollment.StudentCode && e.CourseCode == enrollment.CourseCode {
			return repository.ErrUniqueViolation
		}
	}
	t.records.mu.Lock()
	t.records.seq++
	seq := t.records.seq
	t.records.mu.Unlock()
	enrollment.ID = "enr-new"
	enrollment.EnrolledAt = time.Unix(int64(seq), 0)
	inserted := *enrollment
	t.apply(func(s *fakeState) { s.enrollments = append(s.enrollments, inserted) })
	if t.records.onInsert != nil {
		t.records.onInsert()
	}
	return nil
}

func (t *fakeTx) DeleteEnrollment(_ context.Context, studentCode, courseCode string) (int64, error) {
	removed, _ := t.EnrollmentExists(context.Background(), studentCode, courseCode)
	if !removed {
		return 0, nil
	}
	t.apply(func(s *fakeState) {
		s.removeEnrollments(func(e models.Enrollment) bool {
			return e.StudentCode == studentCode && e.CourseCode == courseCode
		})
	})
	return 1, nil
}

func (t *fakeTx) DeleteEnrollmentsByStudent(_ context.Context, studentCode string) (int64, error) {
	n, _ := t.CountByStudent(context.Background(), studentCode)
	t.apply(func(s *fakeState) {
		s.removeEnrollments(func(e models.Enrollment) bool { return e.StudentCode == studentCode })
	})
	return int64(n), nil
}

func (t *fakeTx) UpdateCourse(_ context.Context, course *models.Course) error {
	updated := *course
	t.apply(func(s *fakeState) {
		if i, ok := s.course(updated.Code); ok {
			s.courses[i] = updated
		}
	})
	return nil
}

func (t *fakeTx) DeleteCourse(_ context.Context, code string) error {
	t.apply(func(s *fakeState) {
		if i, ok := s.course(code); ok {
			s.courses = append(s.courses[:i], s.courses[i+1:]...)
		}
	})
	return nil
}

func (t *fakeTx) DeleteStudent(_ context.Context, code string) error {
	t.apply(func(s *fakeState) { delete(s.students, code) })
	return nil
}

type memoryCacheRepo struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{entries: map[string][]byte{}}
}

func (m *memoryCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = raw
	return nil
}

func (m *memoryCacheRepo) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *memoryCacheRepo) DeleteByPattern(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *memoryCacheRepo) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}
