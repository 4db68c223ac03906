package handler

import (
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/promptvideos/api/internal/model"
	"github.com/promptvideos/api/internal/service"
	ws "github.com/promptvideos/api/internal/websocket"
)

const localInitialStatus = "initialStatus"

// WebSocketHandler streams status changes of one job
type WebSocketHandler struct {
	hub     *ws.Hub
	service *service.GenerationService
}

func NewWebSocketHandler(hub *ws.Hub, svc *service.GenerationService) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, service: svc}
}

// Upgrade rejects plain HTTP requests and unknown jobs before the
// connection is upgraded, and stashes the job's current status.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	status, err := h.service.GetJobStatus(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return renderServiceError(c, err)
	}
	initial, err := json.Marshal(model.WSStatusMessage{
		Type:              model.WSMessageTypeStatus,
		JobID:             status.JobID,
		Status:            status.Status,
		VideoLocation:     status.VideoLocation,
		ThumbnailLocation: status.ThumbnailLocation,
		Error:             status.Error,
	})
	if err != nil {
		return err
	}
	c.Locals(localInitialStatus, initial)
	return c.Next()
}

// Stream handles GET /ws/jobs/:jobId
func (h *WebSocketHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		initial, _ := c.Locals(localInitialStatus).([]byte)
		h.hub.HandleConnection(c, c.Params("jobId"), initial)
	})
}
