package builds

import "time"

// Build event types streamed to clients.
const (
	EventTypeLog       = "log"
	EventTypeStatus    = "status"
	EventTypeHeartbeat = "heartbeat"
)

// BuildEvent is a single item in a build's event stream: a log line, a
// status transition, or a keepalive heartbeat.
type BuildEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status,omitempty"`
	Content   string    `json:"content,omitempty"`
}
