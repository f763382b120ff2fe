package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/karelvirta/timeline-backend-go/internal/middleware"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
	"github.com/karelvirta/timeline-backend-go/internal/service"
	"github.com/karelvirta/timeline-backend-go/pkg/response"
)

// ParameterHandler handles HTTP requests for detection parameter settings
type ParameterHandler struct {
	users            *repository.UserRepository
	parameterService *service.ParameterService
}

// NewParameterHandler creates a new parameter handler
func NewParameterHandler(users *repository.UserRepository, parameterService *service.ParameterService) *ParameterHandler {
	return &ParameterHandler{
		users:            users,
		parameterService: parameterService,
	}
}

func (h *ParameterHandler) currentUser(c *gin.Context) (*models.User, bool) {
	user, err := h.users.GetByUsername(c.GetString(middleware.ContextUsername))
	if err != nil {
		response.Unauthorized(c, "unknown user")
		return nil, false
	}
	return user, true
}

// ListParameters handles GET /api/v1/settings/detection-parameters
func (h *ParameterHandler) ListParameters(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	params, err := h.parameterService.List(user.ID)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, params)
}

// CreateParameter handles POST /api/v1/settings/detection-parameters
func (h *ParameterHandler) CreateParameter(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var param models.DetectionParameter
	if err := c.ShouldBindJSON(&param); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	if err := h.parameterService.Create(user.ID, &param); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, param)
}

// UpdateParameter handles PUT /api/v1/settings/detection-parameters/:id
func (h *ParameterHandler) UpdateParameter(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid parameter ID")
		return
	}
	var param models.DetectionParameter
	if err := c.ShouldBindJSON(&param); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	param.ID = id
	if err := h.parameterService.Update(user.ID, &param); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "Parameter window not found")
			return
		}
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, param)
}

// DeleteParameter handles DELETE /api/v1/settings/detection-parameters/:id
func (h *ParameterHandler) DeleteParameter(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid parameter ID")
		return
	}
	if err := h.parameterService.Delete(user.ID, id); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			response.NotFound(c, "Parameter window not found")
		case errors.Is(err, service.ErrDefaultWindowImmutable):
			response.Conflict(c, err.Error())
		default:
			response.InternalError(c, err.Error())
		}
		return
	}
	response.Success(c, nil)
}

// Recalculate handles POST /api/v1/settings/recalculate
func (h *ParameterHandler) Recalculate(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if err := h.parameterService.Recalculate(c.Request.Context(), user.ID); err != nil {
		if errors.Is(err, service.ErrNoRecalculationNeeded) {
			response.Conflict(c, err.Error())
			return
		}
		response.InternalError(c, err.Error())
		return
	}
	response.Accepted(c, nil)
}

// DismissRecalculation handles POST /api/v1/settings/dismiss-recalculation
func (h *ParameterHandler) DismissRecalculation(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if err := h.parameterService.Dismiss(user.ID); err != nil {
		if errors.Is(err, service.ErrNoRecalculationNeeded) {
			response.Conflict(c, err.Error())
			return
		}
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, nil)
}

// PendingRecalculation handles GET /api/v1/settings/pending-recalculation
func (h *ParameterHandler) PendingRecalculation(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	pending, err := h.parameterService.HasPending(user.ID)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"pending": pending})
}
