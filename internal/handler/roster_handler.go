package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/course-enrollment-api/internal/dto"
	"github.com/noah-isme/course-enrollment-api/internal/service"
	"github.com/noah-isme/course-enrollment-api/pkg/response"
)

type rosterService interface {
	Roster(ctx context.Context, courseCode string) (*dto.CourseRoster, error)
	Export(ctx context.Context, courseCode, format string) (*service.RosterFile, error)
}

// RosterHandler exposes course rosters.
type RosterHandler struct {
	rosters rosterService
}

// NewRosterHandler constructs RosterHandler.
func NewRosterHandler(rosters rosterService) *RosterHandler {
	return &RosterHandler{rosters: rosters}
}

// Roster godoc
// @Summary Students enrolled in a course
// @Tags Courses
// @Produce json
// @Param code path string true "Course code"
// @Success 200 {object} response.Envelope{data=dto.CourseRoster}
// @Router /courses/{code}/students [get]
func (h *RosterHandler) Roster(c *gin.Context) {
	roster, err := h.rosters.Roster(c.Request.Context(), c.Param("code"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roster, nil)
}

// Export godoc
// @Summary Download a course roster
// @Tags Courses
// @Produce text/csv
// @Produce application/pdf
// @Param code path string true "Course code"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Router /courses/{code}/roster/export [get]
func (h *RosterHandler) Export(c *gin.Context) {
	file, err := h.rosters.Export(c.Request.Context(), c.Param("code"), c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Body)
}
