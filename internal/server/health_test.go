package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittakal/kafeventsink/pkg/event"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockHealthChecker implements HealthChecker for testing
type mockHealthChecker struct {
	liveness  bool
	readiness bool
	status    map[string]string
}

func (m *mockHealthChecker) Liveness() bool {
	return m.liveness
}

func (m *mockHealthChecker) Readiness(ctx context.Context) bool {
	return m.readiness
}

func (m *mockHealthChecker) GetStatus() map[string]string {
	return m.status
}

type fakeSink struct {
	assigned []event.PartitionID
	backoffs map[event.PartitionID]time.Duration
}

func (f *fakeSink) Assignment() []event.PartitionID               { return f.assigned }
func (f *fakeSink) Backoffs() map[event.PartitionID]time.Duration { return f.backoffs }

func decode(t *testing.T, w *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestLivenessHandler(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		wantCode   int
		wantStatus string
	}{
		{"alive", true, http.StatusOK, "alive"},
		{"not alive", false, http.StatusServiceUnavailable, "not alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := LivenessHandler(&mockHealthChecker{liveness: tt.alive}, discardLogger)
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantStatus, decode(t, w).Status)
		})
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		wantCode   int
		wantStatus string
	}{
		{"ready", true, http.StatusOK, "ready"},
		{"not ready", false, http.StatusServiceUnavailable, "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &mockHealthChecker{
				readiness: tt.ready,
				status:    map[string]string{"assigned_partitions": "2"},
			}
			handler := ReadinessHandler(checker, discardLogger)
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			response := decode(t, w)
			assert.Equal(t, tt.wantStatus, response.Status)
			assert.Equal(t, "2", response.Checks["assigned_partitions"])
		})
	}
}

func TestSinkHealth_Readiness(t *testing.T) {
	ready := make(chan struct{})
	health := NewSinkHealth(&fakeSink{}, ready)

	assert.True(t, health.Liveness())
	assert.False(t, health.Readiness(context.Background()), "ready before the first assignment")

	close(ready)
	assert.True(t, health.Readiness(context.Background()))

	health.SetShuttingDown()
	assert.False(t, health.Readiness(context.Background()), "ready while shutting down")
}

func TestSinkHealth_GetStatus(t *testing.T) {
	p0 := event.PartitionID{Topic: "orders", Partition: 0}
	p1 := event.PartitionID{Topic: "orders", Partition: 1}
	p2 := event.PartitionID{Topic: "payments", Partition: 0}

	sink := &fakeSink{assigned: []event.PartitionID{p0, p1, p2}}
	health := NewSinkHealth(sink, nil)

	assert.Equal(t, map[string]string{
		"assigned_partitions": "3",
		"backoff_partitions":  "0",
	}, health.GetStatus())

	sink.backoffs = map[event.PartitionID]time.Duration{p2: time.Second, p0: 2 * time.Second}
	status := health.GetStatus()
	assert.Equal(t, "2", status["backoff_partitions"])
	assert.Equal(t, "orders-0,payments-0", status["backoff"])
}
