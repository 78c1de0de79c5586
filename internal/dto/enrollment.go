package dto

import "github.com/noah-isme/course-enrollment-api/internal/models"

// EnrollRequest asks the engine to create one enrollment. StudentCode is
// bound from the route, CourseCode from the body.
type EnrollRequest struct {
	StudentCode string `json:"-" validate:"required,max=32"`
	CourseCode  string `json:"course_code" validate:"required,max=32"`
}

// StudentLoad is the credit load of a student: enrolled courses in store
// order and the sum of their credits.
type StudentLoad struct {
	StudentCode      string          `json:"student_code"`
	Courses          []models.Course `json:"courses"`
	TotalCredits     int             `json:"total_credits"`
	Ceiling          int             `json:"ceiling"`
	RemainingCredits int             `json:"remaining_credits"`
}

// EligibleCourse is a course the student is not enrolled in. The flag is
// advisory; enroll re-checks the ceiling.
type EligibleCourse struct {
	models.Course
	WouldExceedCeiling bool `json:"would_exceed_ceiling"`
}

// EnrollmentOverview bundles load and eligibility computed from the same snapshot.
type EnrollmentOverview struct {
	Load     StudentLoad      `json:"load"`
	Eligible []EligibleCourse `json:"eligible_courses"`
}

// CourseRoster lists the students enrolled in a course.
type CourseRoster struct {
	Course   models.Course            `json:"course"`
	Students []models.EnrolledStudent `json:"students"`
	Total    int                      `json:"total"`
}
