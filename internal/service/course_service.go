package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/course-enrollment-api/internal/models"
	"github.com/noah-isme/course-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/course-enrollment-api/pkg/errors"
)

type courseRepository interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error)
	FindByCode(ctx context.Context, code string) (*models.Course, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	Create(ctx context.Context, course *models.Course) error
}

type courseGuard interface {
	UpdateCourse(ctx context.Context, courseCode string, apply func(course *models.Course)) (*models.Course, error)
	DeleteCourse(ctx context.Context, courseCode string) error
	AddCourse(ctx context.Context, insert func(ctx context.Context) error) error
}

// CreateCourseRequest holds payload for creating courses.
type CreateCourseRequest struct {
	Code        string  `json:"code" validate:"required,max=32"`
	Name        string  `json:"name" validate:"required,max=200"`
	Credits     int     `json:"credits" validate:"min=0,max=60"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
}

// UpdateCourseRequest holds payload for updating courses.
type UpdateCourseRequest struct {
	Name        string  `json:"name" validate:"required,max=200"`
	Credits     int     `json:"credits" validate:"min=0,max=60"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
}

// CourseService manages the course catalog. Every catalog write goes through
// the enrollment engine, which holds the catalog lock and checks enrolled
// students first.
type CourseService struct {
	repo      courseRepository
	guard     courseGuard
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCourseService constructs CourseService.
func NewCourseService(repo courseRepository, guard courseGuard, validate *validator.Validate, logger *zap.Logger) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{repo: repo, guard: guard, validator: validate, logger: logger}
}

// List returns courses and pagination metadata.
func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, *models.Pagination, error) {
	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Unavailable(err, "failed to list courses")
	}
	if courses == nil {
		courses = []models.Course{}
	}
	return courses, paginate(filter.Page, filter.PageSize, total), nil
}

// Get returns a single course.
func (s *CourseService) Get(ctx context.Context, code string) (*models.Course, error) {
	course, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrCourseNotFound, fmt.Sprintf("course %s not found", code))
		}
		return nil, appErrors.Unavailable(err, "failed to load course")
	}
	return course, nil
}

// Create adds a course to the catalog.
func (s *CourseService) Create(ctx context.Context, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	course := &models.Course{Code: req.Code, Name: req.Name, Credits: req.Credits, Description: req.Description}
	err := s.guard.AddCourse(ctx, func(ctx context.Context) error {
		exists, err := s.repo.ExistsByCode(ctx, req.Code)
		if err != nil {
			return appErrors.Unavailable(err, "failed to validate course code")
		}
		if exists {
			return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("course code %s already used", req.Code))
		}
		if err := s.repo.Create(ctx, course); err != nil {
			if errors.Is(err, repository.ErrUniqueViolation) {
				return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("course code %s already used", req.Code))
			}
			return appErrors.Unavailable(err, "failed to create course")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("course created", zap.String("course_code", course.Code), zap.Int("credits", course.Credits))
	return course, nil
}

// Update changes name, credits and description of a course.
func (s *CourseService) Update(ctx context.Context, code string, req UpdateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	course, err := s.guard.UpdateCourse(ctx, code, func(course *models.Course) {
		course.Name = req.Name
		course.Credits = req.Credits
		course.Description = req.Description
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("course updated", zap.String("course_code", code), zap.Int("credits", course.Credits))
	return course, nil
}

// Delete removes a course without enrollments.
func (s *CourseService) Delete(ctx context.Context, code string) error {
	return s.guard.DeleteCourse(ctx, code)
}
