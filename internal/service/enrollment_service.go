package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/course-enrollment-api/internal/dto"
	"github.com/noah-isme/course-enrollment-api/internal/models"
	"github.com/noah-isme/course-enrollment-api/internal/repository"
	"github.com/noah-isme/course-enrollment-api/pkg/config"
	appErrors "github.com/noah-isme/course-enrollment-api/pkg/errors"
)

const (
	overviewKeyPrefix = "enrollment:overview:"
	overviewPattern   = overviewKeyPrefix + "*"
)

type enrollmentStore interface {
	WithinTx(ctx context.Context, fn func(tx repository.EnrollmentTx) error) error
}

type enrollmentReader interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error)
	FindByPair(ctx context.Context, studentCode, courseCode string) (*models.Enrollment, error)
	ListCoursesByStudent(ctx context.Context, studentCode string) ([]models.Course, error)
}

type catalogReader interface {
	ListAll(ctx context.Context) ([]models.Course, error)
}

// EnrollmentPolicy carries the tunables of the enrollment engine.
type EnrollmentPolicy struct {
	CreditCeiling       int
	StudentDeletePolicy string
	// StoreTimeout bounds each mutating transaction. Zero disables it.
	StoreTimeout time.Duration
}

// EnrollmentService owns every enrollment write and the derived load and
// eligibility views. It serializes mutations per student and guards course
// deletion and credit changes against enrolled students.
type EnrollmentService struct {
	store       enrollmentStore
	enrollments enrollmentReader
	courses     catalogReader
	locks       *KeyedLocker
	cache       *CacheService
	metrics     *MetricsService
	policy      EnrollmentPolicy
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(
	store enrollmentStore,
	enrollments enrollmentReader,
	courses catalogReader,
	locks *KeyedLocker,
	cache *CacheService,
	metrics *MetricsService,
	policy EnrollmentPolicy,
	validate *validator.Validate,
	logger *zap.Logger,
) *EnrollmentService {
	if locks == nil {
		locks = NewKeyedLocker()
	}
	if policy.CreditCeiling <= 0 {
		policy.CreditCeiling = config.DefaultCreditCeiling
	}
	if policy.StudentDeletePolicy != config.StudentDeleteCascade {
		policy.StudentDeletePolicy = config.StudentDeleteBlock
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		store:       store,
		enrollments: enrollments,
		courses:     courses,
		locks:       locks,
		cache:       cache,
		metrics:     metrics,
		policy:      policy,
		validator:   validate,
		logger:      logger,
	}
}

// CreditCeiling returns the configured ceiling.
func (s *EnrollmentService) CreditCeiling() int {
	return s.policy.CreditCeiling
}

// Load returns the courses a student is enrolled in and their credit sum.
// An unknown student has an empty load.
func (s *EnrollmentService) Load(ctx context.Context, studentCode string) (*dto.StudentLoad, error) {
	if err := s.validateCode(studentCode, "student code"); err != nil {
		return nil, err
	}
	courses, err := s.enrollments.ListCoursesByStudent(ctx, studentCode)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to load enrolled courses")
	}
	load := s.buildLoad(studentCode, courses)
	return &load, nil
}

// Eligible returns catalog courses the student is not enrolled in, in catalog
// order, each flagged when enrolling would pass the ceiling.
func (s *EnrollmentService) Eligible(ctx context.Context, studentCode string) ([]dto.EligibleCourse, error) {
	if err := s.validateCode(studentCode, "student code"); err != nil {
		return nil, err
	}
	all, enrolled, err := s.snapshot(ctx, studentCode)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to compute eligible courses")
	}
	return s.eligibleFrom(all, enrolled, sumCredits(enrolled)), nil
}

// Overview returns load and eligibility computed from the same reads. Results
// are cached per student until a mutation touches them; the flag reports a
// cache hit.
func (s *EnrollmentService) Overview(ctx context.Context, studentCode string) (*dto.EnrollmentOverview, bool, error) {
	if err := s.validateCode(studentCode, "student code"); err != nil {
		return nil, false, err
	}
	// Enrollment changes invalidate under the student lock and catalog changes
	// under the catalog lock. Holding both shared keeps a stored overview from
	// predating the last invalidation.
	unlockStudent, err := s.locks.RLock(ctx, studentLockKey(studentCode))
	if err != nil {
		return nil, false, appErrors.Unavailable(err, "overview aborted while waiting for student lock")
	}
	defer unlockStudent()
	unlockCatalog, err := s.locks.RLock(ctx, catalogLockKey)
	if err != nil {
		return nil, false, appErrors.Unavailable(err, "overview aborted while waiting for catalog lock")
	}
	defer unlockCatalog()

	key := overviewKey(studentCode)
	var cached dto.EnrollmentOverview
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, true, nil
	}

	all, enrolled, err := s.snapshot(ctx, studentCode)
	if err != nil {
		return nil, false, appErrors.Unavailable(err, "failed to compute enrollment overview")
	}
	overview := s.overviewFrom(studentCode, all, enrolled)
	_ = s.cache.Set(ctx, key, overview, 0)
	return &overview, false, nil
}

// Get returns a single enrollment.
func (s *EnrollmentService) Get(ctx context.Context, studentCode, courseCode string) (*models.Enrollment, error) {
	if err := s.validateCode(studentCode, "student code"); err != nil {
		return nil, err
	}
	if err := s.validateCode(courseCode, "course code"); err != nil {
		return nil, err
	}
	enrollment, err := s.enrollments.FindByPair(ctx, studentCode, courseCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrEnrollmentNotFound, fmt.Sprintf("student %s is not enrolled in course %s", studentCode, courseCode))
		}
		return nil, appErrors.Unavailable(err, "failed to load enrollment")
	}
	return enrollment, nil
}

// List returns stored enrollments matching the filter.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error) {
	enrollments, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Unavailable(err, "failed to list enrollments")
	}
	if enrollments == nil {
		enrollments = []models.Enrollment{}
	}
	return enrollments, nil
}

// Enroll creates one enrollment after checking, in order: student exists,
// course exists, pair is new, and the resulting load stays within the
// ceiling. The returned overview is read inside the same transaction.
func (s *EnrollmentService) Enroll(ctx context.Context, req dto.EnrollRequest) (*dto.EnrollmentOverview, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unlockStudent, err := s.locks.Lock(ctx, studentLockKey(req.StudentCode))
	if err != nil {
		return nil, s.finish("enroll", err, "enrollment aborted while waiting for student lock")
	}
	defer unlockStudent()
	unlockCourse, err := s.locks.RLock(ctx, courseLockKey(req.CourseCode))
	if err != nil {
		return nil, s.finish("enroll", err, "enrollment aborted while waiting for course lock")
	}
	defer unlockCourse()

	var (
		overview   dto.EnrollmentOverview
		enrollment models.Enrollment
	)
	err = s.store.WithinTx(ctx, func(tx repository.EnrollmentTx) error {
		if err := lockStudent(ctx, tx, req.StudentCode); err != nil {
			return err
		}
		course, err := lockCourse(ctx, tx, req.CourseCode, repository.LockShare)
		if err != nil {
			return err
		}

		exists, err := tx.EnrollmentExists(ctx, req.StudentCode, req.CourseCode)
		if err != nil {
			return appErrors.Unavailable(err, "failed to check existing enrollment")
		}
		if exists {
			return duplicateEnrollment(req.StudentCode, req.CourseCode)
		}

		enrolled, err := tx.ListEnrolledCourses(ctx, req.StudentCode)
		if err != nil {
			return appErrors.Unavailable(err, "failed to load enrolled courses")
		}
		current := sumCredits(enrolled)
		if attempted := current + course.Credits; attempted > s.policy.CreditCeiling {
			return s.creditLimitExceeded(
				fmt.Sprintf("enrolling in %s would bring %s to %d credits, above the limit of %d", course.Code, req.StudentCode, attempted, s.policy.CreditCeiling),
				current, course.Credits,
			)
		}

		enrollment = models.Enrollment{StudentCode: req.StudentCode, CourseCode: req.CourseCode}
		if err := tx.InsertEnrollment(ctx, &enrollment); err != nil {
			if errors.Is(err, repository.ErrUniqueViolation) {
				return duplicateEnrollment(req.StudentCode, req.CourseCode)
			}
			return appErrors.Unavailable(err, "failed to store enrollment")
		}

		overview, err = s.overviewInTx(ctx, tx, req.StudentCode)
		return err
	})
	if err = s.finish("enroll", err, "failed to enroll student"); err != nil {
		s.logger.Info("enrollment rejected",
			zap.String("student_code", req.StudentCode),
			zap.String("course_code", req.CourseCode),
			zap.Error(err),
		)
		return nil, err
	}

	s.invalidateStudent(ctx, req.StudentCode)
	s.logger.Info("student enrolled",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("student_code", req.StudentCode),
		zap.String("course_code", req.CourseCode),
		zap.Int("total_credits", overview.Load.TotalCredits),
	)
	return &overview, nil
}

// Withdraw removes the enrollment of a student in a course. Withdrawing from
// a course the student is not enrolled in fails with ENROLLMENT_NOT_FOUND.
func (s *EnrollmentService) Withdraw(ctx context.Context, studentCode, courseCode string) (*dto.EnrollmentOverview, error) {
	if err := s.validateCode(studentCode, "student code"); err != nil {
		return nil, err
	}
	if err := s.validateCode(courseCode, "course code"); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, studentLockKey(studentCode))
	if err != nil {
		return nil, s.finish("withdraw", err, "withdrawal aborted while waiting for student lock")
	}
	defer unlock()

	var overview dto.EnrollmentOverview
	err = s.store.WithinTx(ctx, func(tx repository.EnrollmentTx) error {
		if err := lockStudent(ctx, tx, studentCode); err != nil {
			return err
		}
		removed, err := tx.DeleteEnrollment(ctx, studentCode, courseCode)
		if err != nil {
			return appErrors.Unavailable(err, "failed to remove enrollment")
		}
		if removed == 0 {
			return appErrors.Clone(appErrors.ErrEnrollmentNotFound, fmt.Sprintf("student %s is not enrolled in course %s", studentCode, courseCode))
		}
		overview, err = s.overviewInTx(ctx, tx, studentCode)
		return err
	})
	if err = s.finish("withdraw", err, "failed to withdraw student"); err != nil {
		return nil, err
	}

	s.invalidateStudent(ctx, studentCode)
	s.logger.Info("student withdrawn",
		zap.String("student_code", studentCode),
		zap.String("course_code", courseCode),
		zap.Int("total_credits", overview.Load.TotalCredits),
	)
	return &overview, nil
}

// DeleteCourse removes a course that has no enrollments.
func (s *EnrollmentService) DeleteCourse(ctx context.Context, courseCode string) error {
	if err := s.validateCode(courseCode, "course code"); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unlock, err := s.lockCatalogEntry(ctx, courseCode)
	if err != nil {
		return s.finish("delete_course", err, "course deletion aborted while waiting for catalog lock")
	}
	defer unlock()

	err = s.store.WithinTx(ctx, func(tx repository.EnrollmentTx) error {
		if _, err := lockCourse(ctx, tx, courseCode, repository.LockExclusive); err != nil {
			return err
		}
		count, err := tx.CountByCourse(ctx, courseCode)
		if err != nil {
			return appErrors.Unavailable(err, "failed to count course enrollments")
		}
		if count > 0 {
			return appErrors.WithDetails(appErrors.ErrCourseHasEnrollments,
				fmt.Sprintf("course %s still has %d enrolled student(s)", courseCode, count),
				map[string]interface{}{"enrollments": count},
			)
		}
		if err := tx.DeleteCourse(ctx, courseCode); err != nil {
			return appErrors.Unavailable(err, "failed to delete course")
		}
		return nil
	})
	if err = s.finish("delete_course", err, "failed to delete course"); err != nil {
		return err
	}

	s.invalidateAll(ctx)
	s.logger.Info("course deleted", zap.String("course_code", courseCode))
	return nil
}

// DeleteStudent removes a student according to the configured policy: block
// refuses while enrollments exist, cascade removes them in the same
// transaction.
func (s *EnrollmentService) DeleteStudent(ctx context.Context, studentCode string) error {
	if err := s.validateCode(studentCode, "student code"); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, studentLockKey(studentCode))
	if err != nil {
		return s.finish("delete_student", err, "student deletion aborted while waiting for student lock")
	}
	defer unlock()

	var removed int64
	err = s.store.WithinTx(ctx, func(tx repository.EnrollmentTx) error {
		if err := lockStudent(ctx, tx, studentCode); err != nil {
			return err
		}
		if s.policy.StudentDeletePolicy == config.StudentDeleteCascade {
			n, err := tx.DeleteEnrollmentsByStudent(ctx, studentCode)
			if err != nil {
				return appErrors.Unavailable(err, "failed to remove student enrollments")
			}
			removed = n
		} else {
			count, err := tx.CountByStudent(ctx, studentCode)
			if err != nil {
				return appErrors.Unavailable(err, "failed to count student enrollments")
			}
			if count > 0 {
				return appErrors.WithDetails(appErrors.ErrStudentHasEnrollments,
					fmt.Sprintf("student %s is still enrolled in %d course(s)", studentCode, count),
					map[string]interface{}{"enrollments": count},
				)
			}
		}
		if err := tx.DeleteStudent(ctx, studentCode); err != nil {
			return appErrors.Unavailable(err, "failed to delete student")
		}
		return nil
	})
	if err = s.finish("delete_student", err, "failed to delete student"); err != nil {
		return err
	}

	s.invalidateStudent(ctx, studentCode)
	s.logger.Info("student deleted",
		zap.String("student_code", studentCode),
		zap.String("policy", s.policy.StudentDeletePolicy),
		zap.Int64("enrollments_removed", removed),
	)
	return nil
}

// UpdateCourse applies changes to a locked course row. Raising credits is
// refused when any enrolled student would pass the ceiling.
func (s *EnrollmentService) UpdateCourse(ctx context.Context, courseCode string, apply func(course *models.Course)) (*models.Course, error) {
	if err := s.validateCode(courseCode, "course code"); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unlock, err := s.lockCatalogEntry(ctx, courseCode)
	if err != nil {
		return nil, s.finish("update_course", err, "course update aborted while waiting for catalog lock")
	}
	defer unlock()

	var updated models.Course
	err = s.store.WithinTx(ctx, func(tx repository.EnrollmentTx) error {
		course, err := lockCourse(ctx, tx, courseCode, repository.LockExclusive)
		if err != nil {
			return err
		}
		previous := course.Credits
		apply(course)
		course.Code = courseCode

		if delta := course.Credits - previous; delta > 0 {
			heaviest, err := tx.MaxLoadAmongCourseStudents(ctx, courseCode)
			if err != nil {
				return appErrors.Unavailable(err, "failed to check enrolled student loads")
			}
			if heaviest+delta > s.policy.CreditCeiling {
				return s.creditLimitExceeded(
					fmt.Sprintf("raising %s to %d credits would bring an enrolled student to %d credits, above the limit of %d", courseCode, course.Credits, heaviest+delta, s.policy.CreditCeiling),
					heaviest, delta,
				)
			}
		}
		if err := tx.UpdateCourse(ctx, course); err != nil {
			return appErrors.Unavailable(err, "failed to update course")
		}
		updated = *course
		return nil
	})
	if err = s.finish("update_course", err, "failed to update course"); err != nil {
		return nil, err
	}

	s.invalidateAll(ctx)
	return &updated, nil
}

// AddCourse runs insert while holding the catalog exclusively and clears
// every cached overview once it succeeds, since a new course shows up in each
// student's eligible list.
func (s *EnrollmentService) AddCourse(ctx context.Context, insert func(ctx context.Context) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, catalogLockKey)
	if err != nil {
		return s.finish("create_course", err, "course creation aborted while waiting for catalog lock")
	}
	defer unlock()

	if err = s.finish("create_course", insert(ctx), "failed to create course"); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// lockCatalogEntry takes the course lock and then the catalog lock, both
// exclusive.
func (s *EnrollmentService) lockCatalogEntry(ctx context.Context, courseCode string) (func(), error) {
	unlockCourse, err := s.locks.Lock(ctx, courseLockKey(courseCode))
	if err != nil {
		return nil, err
	}
	unlockCatalog, err := s.locks.Lock(ctx, catalogLockKey)
	if err != nil {
		unlockCourse()
		return nil, err
	}
	return func() {
		unlockCatalog()
		unlockCourse()
	}, nil
}

func (s *EnrollmentService) overviewInTx(ctx context.Context, tx repository.EnrollmentTx, studentCode string) (dto.EnrollmentOverview, error) {
	enrolled, err := tx.ListEnrolledCourses(ctx, studentCode)
	if err != nil {
		return dto.EnrollmentOverview{}, appErrors.Unavailable(err, "failed to reload enrolled courses")
	}
	all, err := tx.ListCourses(ctx)
	if err != nil {
		return dto.EnrollmentOverview{}, appErrors.Unavailable(err, "failed to load course catalog")
	}
	return s.overviewFrom(studentCode, all, enrolled), nil
}

func (s *EnrollmentService) snapshot(ctx context.Context, studentCode string) ([]models.Course, []models.Course, error) {
	var all, enrolled []models.Course
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		all, err = s.courses.ListAll(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		enrolled, err = s.enrollments.ListCoursesByStudent(gctx, studentCode)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return all, enrolled, nil
}

func (s *EnrollmentService) overviewFrom(studentCode string, all, enrolled []models.Course) dto.EnrollmentOverview {
	load := s.buildLoad(studentCode, enrolled)
	return dto.EnrollmentOverview{
		Load:     load,
		Eligible: s.eligibleFrom(all, enrolled, load.TotalCredits),
	}
}

func (s *EnrollmentService) buildLoad(studentCode string, courses []models.Course) dto.StudentLoad {
	if courses == nil {
		courses = []models.Course{}
	}
	total := sumCredits(courses)
	remaining := s.policy.CreditCeiling - total
	if remaining < 0 {
		remaining = 0
	}
	return dto.StudentLoad{
		StudentCode:      studentCode,
		Courses:          courses,
		TotalCredits:     total,
		Ceiling:          s.policy.CreditCeiling,
		RemainingCredits: remaining,
	}
}

func (s *EnrollmentService) eligibleFrom(all, enrolled []models.Course, load int) []dto.EligibleCourse {
	taken := make(map[string]struct{}, len(enrolled))
	for _, course := range enrolled {
		taken[course.Code] = struct{}{}
	}
	eligible := make([]dto.EligibleCourse, 0, len(all))
	for _, course := range all {
		if _, ok := taken[course.Code]; ok {
			continue
		}
		eligible = append(eligible, dto.EligibleCourse{
			Course:             course,
			WouldExceedCeiling: load+course.Credits > s.policy.CreditCeiling,
		})
	}
	return eligible
}

func (s *EnrollmentService) creditLimitExceeded(message string, current, credits int) error {
	return appErrors.WithDetails(appErrors.ErrCreditLimitExceeded, message, map[string]interface{}{
		"current":   current,
		"credits":   credits,
		"attempted": current + credits,
		"ceiling":   s.policy.CreditCeiling,
	})
}

// finish normalises a transaction outcome and records it.
func (s *EnrollmentService) finish(operation string, err error, message string) error {
	if err == nil {
		s.metrics.RecordEnrollmentOperation(operation, "success")
		return nil
	}
	var appErr *appErrors.Error
	if !errors.As(err, &appErr) {
		appErr = appErrors.Unavailable(err, message)
	}
	if appErr.Code == appErrors.ErrStoreUnavailable.Code {
		s.logger.Error("enrollment store failure", zap.String("operation", operation), zap.Error(err))
	}
	s.metrics.RecordEnrollmentOperation(operation, strings.ToLower(appErr.Code))
	return appErr
}

func (s *EnrollmentService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.policy.StoreTimeout > 0 {
		return context.WithTimeout(ctx, s.policy.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *EnrollmentService) validateCode(code, field string) error {
	if err := s.validator.Var(code, "required,max=32"); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid "+field)
	}
	return nil
}

func (s *EnrollmentService) invalidateStudent(ctx context.Context, studentCode string) {
	if err := s.cache.Delete(context.WithoutCancel(ctx), overviewKey(studentCode)); err != nil {
		s.logger.Warn("failed to invalidate enrollment overview", zap.String("student_code", studentCode), zap.Error(err))
	}
}

func (s *EnrollmentService) invalidateAll(ctx context.Context) {
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), overviewPattern); err != nil {
		s.logger.Warn("failed to invalidate enrollment overviews", zap.Error(err))
	}
}

func lockStudent(ctx context.Context, tx repository.EnrollmentTx, code string) error {
	if _, err := tx.LockStudent(ctx, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrStudentNotFound, fmt.Sprintf("student %s not found", code))
		}
		return appErrors.Unavailable(err, "failed to load student")
	}
	return nil
}

func lockCourse(ctx context.Context, tx repository.EnrollmentTx, code string, mode repository.LockMode) (*models.Course, error) {
	course, err := tx.LockCourse(ctx, code, mode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrCourseNotFound, fmt.Sprintf("course %s not found", code))
		}
		return nil, appErrors.Unavailable(err, "failed to load course")
	}
	return course, nil
}

func duplicateEnrollment(studentCode, courseCode string) error {
	return appErrors.Clone(appErrors.ErrDuplicateEnrollment, fmt.Sprintf("student %s is already enrolled in course %s", studentCode, courseCode))
}

func sumCredits(courses []models.Course) int {
	total := 0
	for _, course := range courses {
		total += course.Credits
	}
	return total
}

func overviewKey(studentCode string) string {
	return overviewKeyPrefix + studentCode
}
