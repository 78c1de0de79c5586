package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/course-enrollment-api/internal/dto"
	"github.com/noah-isme/course-enrollment-api/internal/middleware"
	"github.com/noah-isme/course-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/course-enrollment-api/pkg/errors"
	"github.com/noah-isme/course-enrollment-api/pkg/response"
)

type enrollmentEngine interface {
	Load(ctx context.Context, studentCode string) (*dto.StudentLoad, error)
	Eligible(ctx context.Context, studentCode string) ([]dto.EligibleCourse, error)
	Overview(ctx context.Context, studentCode string) (*dto.EnrollmentOverview, bool, error)
	Enroll(ctx context.Context, req dto.EnrollRequest) (*dto.EnrollmentOverview, error)
	Withdraw(ctx context.Context, studentCode, courseCode string) (*dto.EnrollmentOverview, error)
	Get(ctx context.Context, studentCode, courseCode string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, error)
}

// EnrollmentHandler exposes a student's enrollments, load and eligible courses.
type EnrollmentHandler struct {
	engine enrollmentEngine
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(engine enrollmentEngine) *EnrollmentHandler {
	return &EnrollmentHandler{engine: engine}
}

// Load godoc
// @Summary Student credit load
// @Tags Enrollments
// @Produce json
// @Param code path string true "Student code"
// @Success 200 {object} response.Envelope{data=dto.StudentLoad}
// @Router /students/{code}/load [get]
func (h *EnrollmentHandler) Load(c *gin.Context) {
	load, err := h.engine.Load(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, load, nil)
}

// Eligible godoc
// @Summary Courses the student can still enroll in
// @Tags Enrollments
// @Produce json
// @Param code path string true "Student code"
// @Success 200 {object} response.Envelope{data=[]dto.EligibleCourse}
// @Router /students/{code}/eligible-courses [get]
func (h *EnrollmentHandler) Eligible(c *gin.Context) {
	courses, err := h.engine.Eligible(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, courses, nil)
}

// Overview godoc
// @Summary Enrolled courses, load and eligible courses
// @Tags Enrollments
// @Produce json
// @Param code path string true "Student code"
// @Success 200 {object} response.Envelope{data=dto.EnrollmentOverview}
// @Router /students/{code}/enrollments [get]
func (h *EnrollmentHandler) Overview(c *gin.Context) {
	overview, cacheHit, err := h.engine.Overview(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, overview, nil, middleware.ExtractMeta(c))
}

// Get godoc
// @Summary Single enrollment of a student in a course
// @Tags Enrollments
// @Produce json
// @Param code path string true "Student code"
// @Param courseCode path string true "Course code"
// @Success 200 {object} response.Envelope{data=models.Enrollment}
// @Failure 404 {object} response.Envelope
// @Router /students/{code}/enrollments/{courseCode} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.engine.Get(c.Request.Context(), c.Param("code"), c.Param("courseCode"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// List godoc
// @Summary List enrollment records
// @Tags Enrollments
// @Produce json
// @Param student_code query string false "Filter by student code"
// @Param course_code query string false "Filter by course code"
// @Success 200 {object} response.Envelope{data=[]models.Enrollment}
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	filter := models.EnrollmentFilter{
		StudentCode: c.Query("student_code"),
		CourseCode:  c.Query("course_code"),
	}
	enrollments, err := h.engine.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, nil)
}

// Enroll godoc
// @Summary Enroll student in a course
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param code path string true "Student code"
// @Param payload body dto.EnrollRequest true "Course to enroll in"
// @Success 201 {object} response.Envelope{data=dto.EnrollmentOverview}
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /students/{code}/enrollments [post]
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	var req dto.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.StudentCode = c.Param("code")
	overview, err := h.engine.Enroll(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusCreated, overview, fmt.Sprintf("student %s enrolled in %s", req.StudentCode, req.CourseCode))
}

// Withdraw godoc
// @Summary Withdraw student from a course
// @Tags Enrollments
// @Produce json
// @Param code path string true "Student code"
// @Param courseCode path string true "Course code"
// @Success 200 {object} response.Envelope{data=dto.EnrollmentOverview}
// @Failure 404 {object} response.Envelope
// @Router /students/{code}/enrollments/{courseCode} [delete]
func (h *EnrollmentHandler) Withdraw(c *gin.Context) {
	studentCode, courseCode := c.Param("code"), c.Param("courseCode")
	overview, err := h.engine.Withdraw(c.Request.Context(), studentCode, courseCode)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Message(c, http.StatusOK, overview, fmt.Sprintf("student %s withdrawn from %s", studentCode, courseCode))
}
