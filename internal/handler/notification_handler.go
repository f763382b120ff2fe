package handler

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/karelvirta/timeline-backend-go/internal/middleware"
	"github.com/karelvirta/timeline-backend-go/internal/notify"
	"github.com/karelvirta/timeline-backend-go/internal/repository"
	"github.com/karelvirta/timeline-backend-go/pkg/response"
)

// NotificationHandler streams change notifications to clients over SSE
type NotificationHandler struct {
	users  *repository.UserRepository
	broker notify.Broker
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(users *repository.UserRepository, broker notify.Broker) *NotificationHandler {
	return &NotificationHandler{
		users:  users,
		broker: broker,
	}
}

// Stream handles GET /api/v1/notifications/stream. It holds the connection
// open and pushes one SSE event per notification until the client leaves.
func (h *NotificationHandler) Stream(c *gin.Context) {
	user, err := h.users.GetByUsername(c.GetString(middleware.ContextUsername))
	if err != nil {
		response.Unauthorized(c, "unknown user")
		return
	}

	ch, unsubscribe := h.broker.Subscribe(user.ID)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case n, ok := <-ch:
			if !ok {
				return false
			}
			payload, err := json.Marshal(n)
			if err != nil {
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, payload)
			return true
		}
	})
}
