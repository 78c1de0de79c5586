package models

import "time"

// Enrollment links one student to one course. The pair (StudentCode,
// CourseCode) is unique; ID is a surrogate used for tracing only.
type Enrollment struct {
	ID          string    `db:"id" json:"id"`
	StudentCode string    `db:"student_code" json:"student_code"`
	CourseCode  string    `db:"course_code" json:"course_code"`
	EnrolledAt  time.Time `db:"enrolled_at" json:"enrolled_at"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentCode string
	CourseCode  string
}

// EnrolledStudent is a roster line: a student together with the enrollment date.
type EnrolledStudent struct {
	Student
	EnrolledAt time.Time `db:"enrolled_at" json:"enrolled_at"`
}
