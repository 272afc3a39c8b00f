package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/academy-enroll-api/internal/models"
	"github.com/noah-isme/academy-enroll-api/internal/service"
	appErrors "github.com/noah-isme/academy-enroll-api/pkg/errors"
	"github.com/noah-isme/academy-enroll-api/pkg/response"
)

// GroupRequestHandler exposes group-creation petition endpoints.
type GroupRequestHandler struct {
	requests *service.GroupRequestService
}

// NewGroupRequestHandler constructs GroupRequestHandler.
func NewGroupRequestHandler(requests *service.GroupRequestService) *GroupRequestHandler {
	return &GroupRequestHandler{requests: requests}
}

// List godoc
// @Summary List group requests
// @Tags GroupRequests
// @Produce json
// @Param subjectId query string false "Filter by subject"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /group-requests [get]
func (h *GroupRequestHandler) List(c *gin.Context) {
	var filter models.GroupRequestFilter
	filter.SubjectID = c.Query("subjectId")
	filter.RequesterID = c.Query("requesterId")
	filter.Status = models.GroupRequestStatus(strings.ToUpper(c.Query("status")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	requests, pagination, err := h.requests.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Get godoc
// @Summary Get a group request
// @Tags GroupRequests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /group-requests/{id} [get]
func (h *GroupRequestHandler) Get(c *gin.Context) {
	request, err := h.requests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Supporters godoc
// @Summary List a request's supporters
// @Tags GroupRequests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /group-requests/{id}/supporters [get]
func (h *GroupRequestHandler) Supporters(c *gin.Context) {
	supporters, err := h.requests.Supporters(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, supporters, nil)
}

// Create godoc
// @Summary Petition for a new subject group
// @Tags GroupRequests
// @Accept json
// @Produce json
// @Param payload body service.CreateGroupRequestRequest true "Petition payload"
// @Success 201 {object} response.Envelope
// @Router /group-requests [post]
func (h *GroupRequestHandler) Create(c *gin.Context) {
	var req service.CreateGroupRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil || claims.StudentID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "only students can open group requests"))
		return
	}
	request, err := h.requests.Create(c.Request.Context(), claims.StudentID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, request)
}

// AddSupporter godoc
// @Summary Support a pending group request
// @Tags GroupRequests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /group-requests/{id}/supporters [post]
func (h *GroupRequestHandler) AddSupporter(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil || claims.StudentID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "only students can support group requests"))
		return
	}
	request, err := h.requests.AddSupporter(c.Request.Context(), c.Param("id"), claims.StudentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// RemoveSupporter godoc
// @Summary Withdraw support from a pending group request
// @Tags GroupRequests
// @Produce json
// @Param id path string true "Request ID"
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /group-requests/{id}/supporters/{studentId} [delete]
//
// The route carries RequireStudentSelf, so by the time this runs the
// caller is staff or the supporter being removed.
func (h *GroupRequestHandler) RemoveSupporter(c *gin.Context) {
	request, err := h.requests.RemoveSupporter(c.Request.Context(), c.Param("id"), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Approve godoc
// @Summary Approve a group request that reached quorum
// @Tags GroupRequests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /group-requests/{id}/approve [post]
func (h *GroupRequestHandler) Approve(c *gin.Context) {
	claims := claimsFromContext(c)
	request, err := h.requests.Approve(c.Request.Context(), c.Param("id"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Reject godoc
// @Summary Reject a pending group request
// @Tags GroupRequests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body service.RejectGroupRequestRequest true "Rejection payload"
// @Success 200 {object} response.Envelope
// @Router /group-requests/{id}/reject [post]
func (h *GroupRequestHandler) Reject(c *gin.Context) {
	var req service.RejectGroupRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	claims := claimsFromContext(c)
	request, err := h.requests.Reject(c.Request.Context(), c.Param("id"), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}
