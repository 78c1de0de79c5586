package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/course-enrollment-api/internal/models"
)

// LockMode selects the row lock taken on a course.
type LockMode int

const (
	// LockShare blocks concurrent deletion or credit edits of the row.
	LockShare LockMode = iota
	// LockExclusive blocks concurrent enrollments into the course.
	LockExclusive
)

// EnrollmentTx is the unit of work the enrollment engine runs against.
// Lock* methods return sql.ErrNoRows when the row does not exist.
type EnrollmentTx interface {
	LockStudent(ctx context.Context, code string) (*models.Student, error)
	LockCourse(ctx context.Context, code string, mode LockMode) (*models.Course, error)
	ListEnrolledCourses(ctx context.Context, studentCode string) ([]models.Course, error)
	ListCourses(ctx context.Context) ([]models.Course, error)
	EnrollmentExists(ctx context.Context, studentCode, courseCode string) (bool, error)
	CountByCourse(ctx context.Context, courseCode string) (int, error)
	CountByStudent(ctx context.Context, studentCode string) (int, error)
	MaxLoadAmongCourseStudents(ctx context.Context, courseCode string) (int, error)
	InsertEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	DeleteEnrollment(ctx context.Context, studentCode, courseCode string) (int64, error)
	DeleteEnrollmentsByStudent(ctx context.Context, studentCode string) (int64, error)
	UpdateCourse(ctx context.Context, course *models.Course) error
	DeleteCourse(ctx context.Context, code string) error
	DeleteStudent(ctx context.Context, code string) error
}

// QueryObserver receives timing for store transactions.
type QueryObserver interface {
	ObserveDBQuery(label string, duration time.Duration)
}

// EnrollmentStore runs enrollment mutations inside PostgreSQL transactions.
type EnrollmentStore struct {
	db       *sqlx.DB
	observer QueryObserver
}

// NewEnrollmentStore constructs the store. observer may be nil.
func NewEnrollmentStore(db *sqlx.DB, observer QueryObserver) *EnrollmentStore {
	return &EnrollmentStore{db: db, observer: observer}
}

// WithinTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise. Errors returned by fn are passed through unchanged.
func (s *EnrollmentStore) WithinTx(ctx context.Context, fn func(tx EnrollmentTx) error) (err error) {
	start := time.Now()
	defer func() {
		if s.observer != nil {
			s.observer.ObserveDBQuery("enrollment_tx", time.Since(start))
		}
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrollment transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqlEnrollmentTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment transaction: %w", err)
	}
	return nil
}

type sqlEnrollmentTx struct {
	tx *sqlx.Tx
}

func (t *sqlEnrollmentTx) LockStudent(ctx context.Context, code string) (*models.Student, error) {
	var student models.Student
	if err := t.tx.GetContext(ctx, &student, "SELECT "+studentColumns+" FROM students WHERE code = $1 FOR UPDATE", code); err != nil {
		return nil, err
	}
	return &student, nil
}

func (t *sqlEnrollmentTx) LockCourse(ctx context.Context, code string, mode LockMode) (*models.Course, error) {
	lock := "FOR SHARE"
	if mode == LockExclusive {
		lock = "FOR UPDATE"
	}
	var course models.Course
	if err := t.tx.GetContext(ctx, &course, "SELECT "+courseColumns+" FROM courses WHERE code = $1 "+lock, code); err != nil {
		return nil, err
	}
	return &course, nil
}

// ListEnrolledCourses share-locks the referenced course rows so that their
// credits cannot change while the load is being evaluated.
func (t *sqlEnrollmentTx) ListEnrolledCourses(ctx context.Context, studentCode string) ([]models.Course, error) {
	const query = `SELECT c.code, c.name, c.credits, c.description, c.created_at, c.updated_at
FROM enrollments e
JOIN courses c ON c.code = e.course_code
WHERE e.student_code = $1
ORDER BY e.enrolled_at, c.code
FOR SHARE OF c`
	var courses []models.Course
	if err := t.tx.SelectContext(ctx, &courses, query, studentCode); err != nil {
		return nil, fmt.Errorf("list enrolled courses: %w", err)
	}
	return courses, nil
}

func (t *sqlEnrollmentTx) ListCourses(ctx context.Context) ([]models.Course, error) {
	var courses []models.Course
	if err := t.tx.SelectContext(ctx, &courses, "SELECT "+courseColumns+" FROM courses ORDER BY code"); err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	return courses, nil
}

func (t *sqlEnrollmentTx) EnrollmentExists(ctx context.Context, studentCode, courseCode string) (bool, error) {
	var exists bool
	const query = `SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_code = $1 AND course_code = $2)`
	if err := t.tx.GetContext(ctx, &exists, query, studentCode, courseCode); err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return exists, nil
}

func (t *sqlEnrollmentTx) CountByCourse(ctx context.Context, courseCode string) (int, error) {
	var count int
	if err := t.tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM enrollments WHERE course_code = $1`, courseCode); err != nil {
		return 0, fmt.Errorf("count course enrollments: %w", err)
	}
	return count, nil
}

func (t *sqlEnrollmentTx) CountByStudent(ctx context.Context, studentCode string) (int, error) {
	var count int
	if err := t.tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM enrollments WHERE student_code = $1`, studentCode); err != nil {
		return 0, fmt.Errorf("count student enrollments: %w", err)
	}
	return count, nil
}

func (t *sqlEnrollmentTx) MaxLoadAmongCourseStudents(ctx context.Context, courseCode string) (int, error) {
	const query = `SELECT COALESCE(MAX(loads.total), 0) FROM (
	SELECT SUM(c.credits) AS total
	FROM enrollments e
	JOIN courses c ON c.code = e.course_code
	WHERE e.student_code IN (SELECT student_code FROM enrollments WHERE course_code = $1)
	GROUP BY e.student_code
) loads`
	var load int
	if err := t.tx.GetContext(ctx, &load, query, courseCode); err != nil {
		return 0, fmt.Errorf("max student load: %w", err)
	}
	return load, nil
}

func (t *sqlEnrollmentTx) InsertEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollments (id, student_code, course_code, enrolled_at) VALUES (:id, :student_code, :course_code, :enrolled_at)`
	if _, err := t.tx.NamedExecContext(ctx, query, enrollment); err != nil {
		if IsUniqueViolation(err) {
			return ErrUniqueViolation
		}
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

func (t *sqlEnrollmentTx) DeleteEnrollment(ctx context.Context, studentCode, courseCode string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM enrollments WHERE student_code = $1 AND course_code = $2`, studentCode, courseCode)
	if err != nil {
		return 0, fmt.Errorf("delete enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete enrollment rows: %w", err)
	}
	return n, nil
}

func (t *sqlEnrollmentTx) DeleteEnrollmentsByStudent(ctx context.Context, studentCode string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM enrollments WHERE student_code = $1`, studentCode)
	if err != nil {
		return 0, fmt.Errorf("delete student enrollments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete student enrollments rows: %w", err)
	}
	return n, nil
}

func (t *sqlEnrollmentTx) UpdateCourse(ctx context.Context, course *models.Course) error {
	course.UpdatedAt = time.Now().UTC()
	const query = `UPDATE courses SET name = :name, credits = :credits, description = :description, updated_at = :updated_at WHERE code = :code`
	if _, err := t.tx.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return nil
}

func (t *sqlEnrollmentTx) DeleteCourse(ctx context.Context, code string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM courses WHERE code = $1`, code); err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	return nil
}

func (t *sqlEnrollmentTx) DeleteStudent(ctx context.Context, code string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM students WHERE code = $1`, code); err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	return nil
}
