package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/karelvirta/timeline-backend-go/internal/middleware"
	"github.com/karelvirta/timeline-backend-go/internal/models"
	"github.com/karelvirta/timeline-backend-go/internal/service"
	"github.com/karelvirta/timeline-backend-go/pkg/response"
)

// IngestHandler handles HTTP requests for location ingestion
type IngestHandler struct {
	ingestService *service.IngestService
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(ingestService *service.IngestService) *IngestHandler {
	return &IngestHandler{
		ingestService: ingestService,
	}
}

// IngestPoints handles POST /api/v1/ingest. The batch is accepted and stored
// asynchronously through the durable queue.
func (h *IngestHandler) IngestPoints(c *gin.Context) {
	var batch models.LocationBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	batch.Username = c.GetString(middleware.ContextUsername)

	if err := h.ingestService.Accept(batch); err != nil {
		response.InternalError(c, err.Error())
		return
	}

	response.Accepted(c, gin.H{"received": len(batch.Points)})
}
