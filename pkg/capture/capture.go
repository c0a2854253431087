package capture

import (
	"github.com/video-system/go-capture-core/pkg/engine"
	"github.com/video-system/go-capture-core/pkg/ringbuffer"
)

// DeviceStatus represents the current state of one device
type DeviceStatus struct {
	DeviceID  string                  `json:"device_id"`
	Engine    string                  `json:"engine"`
	IsRunning bool                    `json:"is_running"`
	SessionID string                  `json:"session_id"`
	StartedAt int64                   `json:"started_at,omitempty"` // Unix timestamp ms
	Targets   []engine.Target         `json:"targets"`
	Queue     *QueueStats             `json:"queue,omitempty"`
	Results   *ResultStats            `json:"results,omitempty"`
	History   ringbuffer.BufferStatus `json:"history"`
	Error     string                  `json:"error,omitempty"`
}

// SubmitResult is returned for an accepted request
type SubmitResult struct {
	RequestID int64  `json:"request_id"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
}
