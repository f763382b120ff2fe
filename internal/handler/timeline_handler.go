package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/karelvirta/timeline-backend-go/internal/middleware"
	"github.com/karelvirta/timeline-backend-go/internal/service"
	"github.com/karelvirta/timeline-backend-go/pkg/response"
)

// TimelineHandler handles HTTP requests for the processed timeline
type TimelineHandler struct {
	timelineService *service.TimelineService
}

// NewTimelineHandler creates a new timeline handler
func NewTimelineHandler(timelineService *service.TimelineService) *TimelineHandler {
	return &TimelineHandler{
		timelineService: timelineService,
	}
}

// parseRange reads the optional start/end query parameters. They accept
// either Unix seconds or a YYYY-MM-DD date. A date as end is inclusive of
// the whole day.
func parseRange(c *gin.Context) (int64, int64, bool) {
	start, ok := parseTimeParam(c.Query("start"), false)
	if !ok {
		response.BadRequest(c, "Invalid start parameter")
		return 0, 0, false
	}
	end, ok := parseTimeParam(c.Query("end"), true)
	if !ok {
		response.BadRequest(c, "Invalid end parameter")
		return 0, 0, false
	}
	return start, end, true
}

func parseTimeParam(value string, endOfDay bool) (int64, bool) {
	if value == "" {
		return 0, true
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n, true
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return 0, false
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t.Unix(), true
}

// GetVisits handles GET /api/v1/timeline/visits
func (h *TimelineHandler) GetVisits(c *gin.Context) {
	start, end, ok := parseRange(c)
	if !ok {
		return
	}
	username := c.GetString(middleware.ContextUsername)

	visits, err := h.timelineService.Visits(username, start, end)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, visits)
}

// GetTrips handles GET /api/v1/timeline/trips
func (h *TimelineHandler) GetTrips(c *gin.Context) {
	start, end, ok := parseRange(c)
	if !ok {
		return
	}
	username := c.GetString(middleware.ContextUsername)

	trips, err := h.timelineService.Trips(username, start, end)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, trips)
}

// GetPlaces handles GET /api/v1/timeline/places
func (h *TimelineHandler) GetPlaces(c *gin.Context) {
	username := c.GetString(middleware.ContextUsername)

	places, err := h.timelineService.Places(username)
	if err != nil {
		response.InternalError(c, err.Error())
		return
	}
	response.Success(c, places)
}
