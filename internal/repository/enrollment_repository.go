package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/course-enrollment-api/internal/models"
)

// EnrollmentRepository serves the read side of enrollments. Writes go
// through EnrollmentStore transactions.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// List returns enrollments filtered by student and/or course.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error) {
	var conditions []string
	var args []interface{}
	if filter.StudentCode != "" {
		conditions = append(conditions, fmt.Sprintf("student_code = $%d", len(args)+1))
		args = append(args, filter.StudentCode)
	}
	if filter.CourseCode != "" {
		conditions = append(conditions, fmt.Sprintf("course_code = $%d", len(args)+1))
		args = append(args, filter.CourseCode)
	}
	query := "SELECT id, student_code, course_code, enrolled_at FROM enrollments"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY enrolled_at, student_code, course_code"

	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return enrollments, nil
}

// FindByPair returns the enrollment for a student/course pair or sql.ErrNoRows.
func (r *EnrollmentRepository) FindByPair(ctx context.Context, studentCode, courseCode string) (*models.Enrollment, error) {
	const query = `SELECT id, student_code, course_code, enrolled_at FROM enrollments WHERE student_code = $1 AND course_code = $2`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentCode, courseCode); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return &enrollment, nil
}

// ListCoursesByStudent resolves a student's enrollments to course records.
func (r *EnrollmentRepository) ListCoursesByStudent(ctx context.Context, studentCode string) ([]models.Course, error) {
	const query = `SELECT c.code, c.name, c.credits, c.description, c.created_at, c.updated_at
FROM enrollments e
JOIN courses c ON c.code = e.course_code
WHERE e.student_code = $1
ORDER BY e.enrolled_at, c.code`
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, studentCode); err != nil {
		return nil, fmt.Errorf("list student courses: %w", err)
	}
	return courses, nil
}

// ListStudentsByCourse returns the roster of a course.
func (r *EnrollmentRepository) ListStudentsByCourse(ctx context.Context, courseCode string) ([]models.EnrolledStudent, error) {
	const query = `SELECT s.code, s.first_name, s.last_name, s.email, s.phone, s.address, s.birth_date, s.gender, s.program, s.semester,
s.created_at, s.updated_at, e.enrolled_at
FROM enrollments e
JOIN students s ON s.code = e.student_code
WHERE e.course_code = $1
ORDER BY s.last_name, s.first_name, s.code`
	var students []models.EnrolledStudent
	if err := r.db.SelectContext(ctx, &students, query, courseCode); err != nil {
		return nil, fmt.Errorf("list course roster: %w", err)
	}
	return students, nil
}
