package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/course-enrollment-api/internal/dto"
	"github.com/noah-isme/course-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/course-enrollment-api/pkg/errors"
	"github.com/noah-isme/course-enrollment-api/pkg/export"
)

type courseFinder interface {
	FindByCode(ctx context.Context, code string) (*models.Course, error)
}

type rosterReader interface {
	ListStudentsByCourse(ctx context.Context, courseCode string) ([]models.EnrolledStudent, error)
}

// RosterFile is a rendered roster ready to be sent as an attachment.
type RosterFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

var rosterHeaders = []string{"Code", "Name", "Email", "Program", "Enrolled At"}

// RosterService lists and exports the students enrolled in a course.
type RosterService struct {
	courses  courseFinder
	roster   rosterReader
	renderer func(format string) (export.Renderer, error)
	logger   *zap.Logger
}

// NewRosterService constructs RosterService.
func NewRosterService(courses courseFinder, roster rosterReader, logger *zap.Logger) *RosterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterService{courses: courses, roster: roster, renderer: export.ForFormat, logger: logger}
}

// Roster returns the course with its enrolled students.
func (s *RosterService) Roster(ctx context.Context, courseCode string) (*dto.CourseRoster, error) {
	course, err := s.courses.FindByCode(ctx, courseCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrCourseNotFound, fmt.Sprintf("course %s not found", courseCode))
		}
		return nil, appErrors.Unavailable(err, "failed to load course")
	}
	students, err := s.roster.ListStudentsByCourse(ctx, courseCode)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to load course roster")
	}
	if students == nil {
		students = []models.EnrolledStudent{}
	}
	return &dto.CourseRoster{Course: *course, Students: students, Total: len(students)}, nil
}

// Export renders the roster as csv or pdf.
func (s *RosterService) Export(ctx context.Context, courseCode, format string) (*RosterFile, error) {
	renderer, err := s.renderer(format)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnsupportedFormat.Code, appErrors.ErrUnsupportedFormat.Status, fmt.Sprintf("unsupported export format %q, use csv or pdf", format))
	}
	roster, err := s.Roster(ctx, courseCode)
	if err != nil {
		return nil, err
	}
	body, err := renderer.Render(rosterDataset(roster))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster")
	}
	s.logger.Info("roster exported",
		zap.String("course_code", courseCode),
		zap.String("format", renderer.Extension()),
		zap.Int("students", roster.Total),
	)
	return &RosterFile{
		Filename:    fmt.Sprintf("roster-%s.%s", strings.ToLower(courseCode), renderer.Extension()),
		ContentType: renderer.ContentType(),
		Body:        body,
	}, nil
}

func rosterDataset(roster *dto.CourseRoster) export.Dataset {
	rows := make([]map[string]string, 0, len(roster.Students))
	for _, student := range roster.Students {
		program := ""
		if student.Program != nil {
			program = *student.Program
		}
		rows = append(rows, map[string]string{
			"Code":        student.Code,
			"Name":        student.FullName(),
			"Email":       student.Email,
			"Program":     program,
			"Enrolled At": student.EnrolledAt.UTC().Format(time.RFC3339),
		})
	}
	return export.Dataset{
		Title:    fmt.Sprintf("%s - %s", roster.Course.Code, roster.Course.Name),
		Subtitle: fmt.Sprintf("%d credits, %d students", roster.Course.Credits, roster.Total),
		Headers:  rosterHeaders,
		Rows:     rows,
	}
}
