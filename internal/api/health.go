package api

import (
	"net/http"
	"time"

	"github.com/snarg/storage-transcribe/internal/ingest"
)

// QueueSource reports run queue state.
type QueueSource interface {
	Stats() ingest.QueueStats
}

// WatcherSource reports store watcher state.
type WatcherSource interface {
	Status() ingest.WatcherStatus
}

// ConnectionSource reports an event channel connection.
type ConnectionSource interface {
	IsConnected() bool
}

type HealthResponse struct {
	Status        string                `json:"status"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Checks        map[string]string     `json:"checks"`
	Queue         *ingest.QueueStats    `json:"queue,omitempty"`
	Watcher       *ingest.WatcherStatus `json:"watcher,omitempty"`
}

// HealthOptions wires the health endpoint to the running components. Nil
// sources are reported as not configured.
type HealthOptions struct {
	Queue      QueueSource
	Watcher    WatcherSource
	Events     ConnectionSource
	StoreType  string
	Recognizer string
	Version    string
	StartTime  time.Time
}

type HealthHandler struct {
	opts HealthOptions
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	return &HealthHandler{opts: opts}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"store":      h.opts.StoreType,
		"recognizer": h.opts.Recognizer,
	}
	status := "healthy"
	httpStatus := http.StatusOK

	// Without a queue nothing can run.
	var queue *ingest.QueueStats
	if h.opts.Queue != nil {
		qs := h.opts.Queue.Stats()
		queue = &qs
		checks["queue"] = "ok"
	} else {
		checks["queue"] = "not_configured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if h.opts.Events != nil {
		if h.opts.Events.IsConnected() {
			checks["events"] = "ok"
		} else {
			checks["events"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["events"] = "not_configured"
	}

	var watcher *ingest.WatcherStatus
	if h.opts.Watcher != nil {
		ws := h.opts.Watcher.Status()
		watcher = &ws
		checks["store_watcher"] = ws.Status
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.opts.Version,
		UptimeSeconds: int64(time.Since(h.opts.StartTime).Seconds()),
		Checks:        checks,
		Queue:         queue,
		Watcher:       watcher,
	})
}
