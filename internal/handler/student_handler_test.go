package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/course-enrollment-api/internal/models"
	"github.com/noah-isme/course-enrollment-api/internal/service"
	appErrors "github.com/noah-isme/course-enrollment-api/pkg/errors"
)

type studentServiceMock struct {
	lastFilter models.StudentFilter
	created    service.CreateStudentRequest
	deleteErr  error
}

func (m *studentServiceMock) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	m.lastFilter = filter
	return []models.Student{{Code: "A001"}}, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: 1}, nil
}

func (m *studentServiceMock) Get(ctx context.Context, code string) (*models.Student, error) {
	if code != "A001" {
		return nil, appErrors.ErrStudentNotFound
	}
	return &models.Student{Code: code}, nil
}

func (m *studentServiceMock) Create(ctx context.Context, req service.CreateStudentRequest) (*models.Student, error) {
	m.created = req
	return &models.Student{Code: req.Code}, nil
}

func (m *studentServiceMock) Update(ctx context.Context, code string, req service.UpdateStudentRequest) (*models.Student, error) {
	return &models.Student{Code: code, FirstName: req.FirstName}, nil
}

func (m *studentServiceMock) Delete(ctx context.Context, code string) error {
	return m.deleteErr
}

func TestStudentHandlerList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &studentServiceMock{}
	handler := NewStudentHandler(mock)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/students?search=ana&program=Sistemas&page=2&limit=5", nil)

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ana", mock.lastFilter.Search)
	assert.Equal(t, "Sistemas", mock.lastFilter.Program)
	assert.Equal(t, 2, mock.lastFilter.Page)
	assert.Equal(t, 5, mock.lastFilter.PageSize)
}

func TestStudentHandlerGetNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewStudentHandler(&studentServiceMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/students/ZZZ", nil)
	c.Params = gin.Params{{Key: "code", Value: "ZZZ"}}

	handler.Get(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStudentHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mock := &studentServiceMock{}
	handler := NewStudentHandler(mock)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodPost, "/students", bytes.NewBufferString(`{"code":"A001","first_name":"Ana","last_name":"Pérez","email":"ana@uni.test"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Ana", mock.created.FirstName)
}

func TestStudentHandlerDeleteBlocked(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewStudentHandler(&studentServiceMock{deleteErr: appErrors.ErrStudentHasEnrollments})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodDelete, "/students/A001", nil)
	c.Params = gin.Params{{Key: "code", Value: "A001"}}

	handler.Delete(c)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "STUDENT_HAS_ENROLLMENTS")
}
