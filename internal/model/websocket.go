package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage is pushed to subscribers whenever a job changes state
type WSStatusMessage struct {
	Type              string    `json:"type"`
	JobID             string    `json:"jobId"`
	Status            JobStatus `json:"status"`
	VideoLocation     *string   `json:"videoLocation,omitempty"`
	ThumbnailLocation *string   `json:"thumbnailLocation,omitempty"`
	Error             *string   `json:"error,omitempty"`
}
