package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/course-enrollment-api/internal/models"
	"github.com/noah-isme/course-enrollment-api/internal/repository"
	appErrors "github.com/noah-isme/course-enrollment-api/pkg/errors"
)

type studentRepository interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error)
	FindByCode(ctx context.Context, code string) (*models.Student, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, student *models.Student) error
}

type studentRemover interface {
	DeleteStudent(ctx context.Context, studentCode string) error
}

// CreateStudentRequest holds payload for creating students.
type CreateStudentRequest struct {
	Code      string     `json:"code" validate:"required,max=32"`
	FirstName string     `json:"first_name" validate:"required,max=100"`
	LastName  string     `json:"last_name" validate:"required,max=100"`
	Email     string     `json:"email" validate:"required,email,max=255"`
	Phone     *string    `json:"phone" validate:"omitempty,max=32"`
	Address   *string    `json:"address" validate:"omitempty,max=255"`
	BirthDate *time.Time `json:"birth_date"`
	Gender    *string    `json:"gender" validate:"omitempty,oneof=M F X"`
	Program   *string    `json:"program" validate:"omitempty,max=120"`
	Semester  *int       `json:"semester" validate:"omitempty,min=1,max=20"`
}

// UpdateStudentRequest holds payload for updating students. The code is
// taken from the route and cannot change.
type UpdateStudentRequest struct {
	FirstName string     `json:"first_name" validate:"required,max=100"`
	LastName  string     `json:"last_name" validate:"required,max=100"`
	Email     string     `json:"email" validate:"required,email,max=255"`
	Phone     *string    `json:"phone" validate:"omitempty,max=32"`
	Address   *string    `json:"address" validate:"omitempty,max=255"`
	BirthDate *time.Time `json:"birth_date"`
	Gender    *string    `json:"gender" validate:"omitempty,oneof=M F X"`
	Program   *string    `json:"program" validate:"omitempty,max=120"`
	Semester  *int       `json:"semester" validate:"omitempty,min=1,max=20"`
}

// StudentService handles student directory use-cases.
type StudentService struct {
	repo      studentRepository
	remover   studentRemover
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs the student service. Deletion is delegated to
// remover so that enrollments are handled consistently.
func NewStudentService(repo studentRepository, remover studentRemover, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, remover: remover, validator: validate, logger: logger}
}

// List returns students and pagination metadata.
func (s *StudentService) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	students, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Unavailable(err, "failed to list students")
	}
	if students == nil {
		students = []models.Student{}
	}
	return students, paginate(filter.Page, filter.PageSize, total), nil
}

// Get returns a single student.
func (s *StudentService) Get(ctx context.Context, code string) (*models.Student, error) {
	student, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrStudentNotFound, fmt.Sprintf("student %s not found", code))
		}
		return nil, appErrors.Unavailable(err, "failed to load student")
	}
	return student, nil
}

// Create registers a new student.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	exists, err := s.repo.ExistsByCode(ctx, req.Code)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to validate student code")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("student code %s already used", req.Code))
	}
	student := &models.Student{
		Code:      req.Code,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		Address:   req.Address,
		BirthDate: req.BirthDate,
		Gender:    req.Gender,
		Program:   req.Program,
		Semester:  req.Semester,
	}
	if err := s.repo.Create(ctx, student); err != nil {
		if errors.Is(err, repository.ErrUniqueViolation) {
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("student code %s already used", req.Code))
		}
		return nil, appErrors.Unavailable(err, "failed to create student")
	}
	s.logger.Info("student created", zap.String("student_code", student.Code))
	return student, nil
}

// Update modifies descriptive fields of an existing student.
func (s *StudentService) Update(ctx context.Context, code string, req UpdateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	student, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	student.FirstName = req.FirstName
	student.LastName = req.LastName
	student.Email = req.Email
	student.Phone = req.Phone
	student.Address = req.Address
	student.BirthDate = req.BirthDate
	student.Gender = req.Gender
	student.Program = req.Program
	student.Semester = req.Semester
	if err := s.repo.Update(ctx, student); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrStudentNotFound, fmt.Sprintf("student %s not found", code))
		}
		return nil, appErrors.Unavailable(err, "failed to update student")
	}
	s.logger.Info("student updated", zap.String("student_code", code))
	return student, nil
}

// Delete removes a student under the configured enrollment policy.
func (s *StudentService) Delete(ctx context.Context, code string) error {
	return s.remover.DeleteStudent(ctx, code)
}

func paginate(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}
