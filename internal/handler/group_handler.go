package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enroll-api/internal/middleware"
	"github.com/noah-isme/academy-enroll-api/internal/models"
	"github.com/noah-isme/academy-enroll-api/internal/service"
	"github.com/noah-isme/academy-enroll-api/pkg/response"
)

// GroupHandler exposes the subject group catalog and roster exports.
type GroupHandler struct {
	groups      *service.GroupService
	enrollments *service.EnrollmentService
}

// NewGroupHandler constructs GroupHandler.
func NewGroupHandler(groups *service.GroupService, enrollments *service.EnrollmentService) *GroupHandler {
	return &GroupHandler{groups: groups, enrollments: enrollments}
}

// List godoc
// @Summary List subject groups
// @Tags Groups
// @Produce json
// @Param subjectId query string false "Filter by subject"
// @Param type query string false "Filter by group type"
// @Param active query bool false "Filter by active flag"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /groups [get]
func (h *GroupHandler) List(c *gin.Context) {
	var filter models.SubjectGroupFilter
	filter.SubjectID = c.Query("subjectId")
	filter.GroupType = strings.ToUpper(c.Query("type"))
	if raw := c.Query("active"); raw != "" {
		if active, err := strconv.ParseBool(raw); err == nil {
			filter.Active = &active
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	groups, pagination, err := h.groups.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, groups, pagination)
}

// Get godoc
// @Summary Get a subject group
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} response.Envelope
// @Router /groups/{id} [get]
func (h *GroupHandler) Get(c *gin.Context) {
	detail, cached, err := h.groups.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, detail, nil, middleware.ExtractMeta(c))
}

// WaitingList godoc
// @Summary Get a group's waiting list in FIFO order
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} response.Envelope
// @Router /groups/{id}/waiting-list [get]
func (h *GroupHandler) WaitingList(c *gin.Context) {
	waiting, cached, err := h.enrollments.WaitingListByGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, waiting, nil, middleware.ExtractMeta(c))
}

// ExportRoster godoc
// @Summary Export a group's roster and waiting list
// @Tags Groups
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Group ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} byte
// @Router /groups/{id}/roster/export [get]
func (h *GroupHandler) ExportRoster(c *gin.Context) {
	result, err := h.groups.ExportRoster(c.Request.Context(), c.Param("id"), c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Content)
}
