package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/karelvirta/timeline-backend-go/internal/middleware"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
	"github.com/karelvirta/timeline-backend-go/internal/service"
	"github.com/karelvirta/timeline-backend-go/pkg/response"
)

// PreviewHandler handles HTTP requests for parameter preview runs
type PreviewHandler struct {
	previewService *service.PreviewService
}

// NewPreviewHandler creates a new preview handler
func NewPreviewHandler(previewService *service.PreviewService) *PreviewHandler {
	return &PreviewHandler{
		previewService: previewService,
	}
}

// previewRequest starts one preview run: candidate thresholds plus the point
// in time whose surroundings should be re-detected.
type previewRequest struct {
	Parameters    models.DetectionParameter `json:"parameters" binding:"required"`
	ReferenceTime int64                     `json:"referenceTime" binding:"required"`
}

// StartPreview handles POST /api/v1/preview
func (h *PreviewHandler) StartPreview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	username := c.GetString(middleware.ContextUsername)

	previewID, err := h.previewService.Start(c.Request.Context(), username, req.Parameters, req.ReferenceTime)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Accepted(c, gin.H{"previewId": previewID})
}

// GetPreviewResults handles GET /api/v1/preview/:id
func (h *PreviewHandler) GetPreviewResults(c *gin.Context) {
	username := c.GetString(middleware.ContextUsername)

	result, err := h.previewService.Results(username, c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "Preview not found or expired")
			return
		}
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, result)
}

// DiscardPreview handles DELETE /api/v1/preview/:id
func (h *PreviewHandler) DiscardPreview(c *gin.Context) {
	if err := h.previewService.Discard(c.Param("id")); err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, nil)
}
