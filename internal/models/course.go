package models

import "time"

// Course is a catalog entry students can enroll in.
type Course struct {
	Code        string    `db:"code" json:"code"`
	Name        string    `db:"name" json:"name"`
	Credits     int       `db:"credits" json:"credits"`
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// CourseFilter captures supported filters for listing courses.
type CourseFilter struct {
	Search     string
	MinCredits *int
	MaxCredits *int
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
