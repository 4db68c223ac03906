package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/internal/model"
)

// Client represents a WebSocket subscriber to one job
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans job status changes out to subscribed connections
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu   sync.RWMutex
	done chan struct{}
	log  *logger.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

func NewHub(baseLog *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        baseLog.With("component", "WebsocketHub"),
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.Debug("Client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("Client unregistered", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					close(client.Send)
					delete(h.clients[msg.JobID], client)
				}
			}
			if len(h.clients[msg.JobID]) == 0 {
				delete(h.clients, msg.JobID)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.JobID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID, clients := range h.clients {
		for client := range clients {
			close(client.Send)
		}
		delete(h.clients, jobID)
	}
}

// Subscribers reports how many connections follow a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// StatusMessage encodes the push message for a job.
func StatusMessage(job *model.Job) ([]byte, error) {
	return json.Marshal(model.WSStatusMessage{
		Type:              model.WSMessageTypeStatus,
		JobID:             job.ID,
		Status:            job.Status,
		VideoLocation:     job.VideoLocation,
		ThumbnailLocation: job.ThumbnailLocation,
		Error:             job.ErrorDetail,
	})
}

// BroadcastStatus queues a status message for the job's subscribers. It
// never blocks the caller; when the queue is full the update is dropped
// and clients fall back to polling.
func (h *Hub) BroadcastStatus(job *model.Job) {
	data, err := StatusMessage(job)
	if err != nil {
		h.log.Error("Failed to marshal status message", "job_id", job.ID, "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: job.ID, Message: data}:
	default:
		h.log.Warn("Broadcast queue full, dropping status update", "job_id", job.ID, "status", job.Status)
	}
}

// HandleConnection serves one subscriber until it disconnects. initial, when
// set, is sent before any broadcast.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial []byte) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 16),
	}
	if initial != nil {
		client.Send <- initial
	}

	pongs := make(chan struct{}, 1)

	h.Register(client)
	defer h.Unregister(client)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-pongs:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("WebSocket error", "job_id", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
