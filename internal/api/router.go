package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karelvirta/timeline-backend-go/internal/config"
	"github.com/karelvirta/timeline-backend-go/internal/handler"
	"github.com/karelvirta/timeline-backend-go/internal/metrics"
	"github.com/karelvirta/timeline-backend-go/internal/middleware"
)

// Handlers bundles the HTTP handlers wired into the router.
type Handlers struct {
	Ingest       *handler.IngestHandler
	Timeline     *handler.TimelineHandler
	Parameter    *handler.ParameterHandler
	Preview      *handler.PreviewHandler
	Geocoding    *handler.GeocodingHandler
	Notification *handler.NotificationHandler
}

// SetupRouter builds the HTTP surface.
func SetupRouter(cfg *config.Config, h Handlers, m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logger(), gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Timeline Backend API is running",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")

	auth := api.Group("")
	auth.Use(middleware.Auth(cfg.JWTSecret), middleware.RateLimit(600, time.Minute))
	{
		auth.POST("/ingest", h.Ingest.IngestPoints)

		timeline := auth.Group("/timeline")
		{
			timeline.GET("/visits", h.Timeline.GetVisits)
			timeline.GET("/trips", h.Timeline.GetTrips)
			timeline.GET("/places", h.Timeline.GetPlaces)
		}

		settings := auth.Group("/settings")
		{
			settings.GET("/detection-parameters", h.Parameter.ListParameters)
			settings.POST("/detection-parameters", h.Parameter.CreateParameter)
			settings.PUT("/detection-parameters/:id", h.Parameter.UpdateParameter)
			settings.DELETE("/detection-parameters/:id", h.Parameter.DeleteParameter)
			settings.POST("/recalculate", h.Parameter.Recalculate)
			settings.POST("/dismiss-recalculation", h.Parameter.DismissRecalculation)
			settings.GET("/pending-recalculation", h.Parameter.PendingRecalculation)
		}

		preview := auth.Group("/preview")
		{
			preview.POST("", h.Preview.StartPreview)
			preview.GET("/:id", h.Preview.GetPreviewResults)
			preview.DELETE("/:id", h.Preview.DiscardPreview)
		}

		geocoding := auth.Group("/geocoding")
		{
			geocoding.GET("/providers", h.Geocoding.ListProviders)
			geocoding.POST("/providers", h.Geocoding.AddProvider)
			geocoding.POST("/providers/:id/reset", h.Geocoding.ResetProvider)
		}

		auth.GET("/notifications/stream", h.Notification.Stream)
	}

	return r
}
