package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jittakal/kafeventsink/pkg/event"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// SinkStatus exposes the partition state of a sink.
type SinkStatus interface {
	Assignment() []event.PartitionID
	Backoffs() map[event.PartitionID]time.Duration
}

// SinkHealth reports readiness once the consumer has joined its group and
// recovered its first assignment. Partitions in backoff are reported but do
// not make the sink unready; they retry on their own.
type SinkHealth struct {
	sink     SinkStatus
	ready    <-chan struct{}
	stopping atomic.Bool
}

// NewSinkHealth creates a checker for sink. ready is closed when the sink can
// accept records.
func NewSinkHealth(sink SinkStatus, ready <-chan struct{}) *SinkHealth {
	return &SinkHealth{sink: sink, ready: ready}
}

// SetShuttingDown marks the sink unready.
func (h *SinkHealth) SetShuttingDown() {
	h.stopping.Store(true)
}

// Liveness reports whether the process is alive.
func (h *SinkHealth) Liveness() bool {
	return true
}

// Readiness reports whether the sink is accepting records.
func (h *SinkHealth) Readiness(context.Context) bool {
	if h.stopping.Load() {
		return false
	}
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// GetStatus returns the assignment and backoff summary.
func (h *SinkHealth) GetStatus() map[string]string {
	assigned := h.sink.Assignment()
	backoffs := h.sink.Backoffs()

	status := map[string]string{
		"assigned_partitions": strconv.Itoa(len(assigned)),
		"backoff_partitions":  strconv.Itoa(len(backoffs)),
	}
	if len(backoffs) > 0 {
		names := make([]string, 0, len(backoffs))
		for _, pid := range assigned {
			if _, ok := backoffs[pid]; ok {
				names = append(names, pid.String())
			}
		}
		status["backoff"] = strings.Join(names, ",")
	}
	return status
}

// LivenessHandler returns a handler for Kubernetes liveness probes.
// Liveness probes should only fail if the process needs to be restarted.
func LivenessHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "alive"
		statusCode := http.StatusOK

		if !checker.Liveness() {
			status = "not alive"
			statusCode = http.StatusServiceUnavailable
		}

		writeResponse(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}, logger)
	}
}

// ReadinessHandler returns a handler for Kubernetes readiness probes.
func ReadinessHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ready"
		statusCode := http.StatusOK

		if !checker.Readiness(r.Context()) {
			status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}

		writeResponse(w, statusCode, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checker.GetStatus(),
		}, logger)
	}
}

func writeResponse(w http.ResponseWriter, statusCode int, response HealthResponse, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode health response", "error", err)
	}
}
