package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/karelvirta/timeline-backend-go/internal/repository"
	"github.com/karelvirta/timeline-backend-go/internal/service"
	"github.com/karelvirta/timeline-backend-go/pkg/response"
)

// GeocodingHandler handles HTTP requests for geocode provider management
type GeocodingHandler struct {
	geocodingService *service.GeocodingService
}

// NewGeocodingHandler creates a new geocoding handler
func NewGeocodingHandler(geocodingService *service.GeocodingService) *GeocodingHandler {
	return &GeocodingHandler{
		geocodingService: geocodingService,
	}
}

// ListProviders handles GET /api/v1/geocoding/providers
func (h *GeocodingHandler) ListProviders(c *gin.Context) {
	providers, err := h.geocodingService.ListProviders()
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, providers)
}

type addProviderRequest struct {
	Name        string `json:"name" binding:"required"`
	URLTemplate string `json:"urlTemplate" binding:"required"`
}

// AddProvider handles POST /api/v1/geocoding/providers
func (h *GeocodingHandler) AddProvider(c *gin.Context) {
	var req addProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	provider, err := h.geocodingService.AddProvider(req.Name, req.URLTemplate)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, provider)
}

// ResetProvider handles POST /api/v1/geocoding/providers/:id/reset
func (h *GeocodingHandler) ResetProvider(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid provider ID")
		return
	}
	if err := h.geocodingService.ResetProvider(id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(c, "Provider not found")
			return
		}
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, nil)
}
