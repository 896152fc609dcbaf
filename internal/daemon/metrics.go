package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/yairfalse/conductor/types"
)

// queueSampleInterval is how often the queue depth gauge is refreshed
const queueSampleInterval = 15 * time.Second

var errBillingDisabled = &types.ConfigurationError{Field: "billing.api_url", Reason: "billing is not configured"}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status  string `json:"status"`
	Uptime  int64  `json:"uptime_seconds"`
	Queued  int    `json:"queued"`
	Delayed int    `json:"delayed"`
	Kinds   int    `json:"kinds"`
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status:  "healthy",
		Uptime:  int64(d.clock.Now().Sub(d.startTime).Seconds()),
		Queued:  d.queue.Len(),
		Delayed: d.queue.Delayed(),
		Kinds:   len(d.registry.Kinds()),
	}
}

// Handler serves /metrics, /health, /-/healthy and /-/ready
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.telemetry.Handler())
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", handleHealthy)
	mux.HandleFunc("/-/ready", d.handleReady)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Health()); err != nil {
		d.logger.Error().Err(err).Msg("failed to write health response")
	}
}

func handleHealthy(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// handleReady fails until at least one resource kind is registered
func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	if len(d.registry.Kinds()) == 0 {
		writeText(w, http.StatusServiceUnavailable, "no resource kinds registered")
		return
	}
	writeText(w, http.StatusOK, "ready")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// sampleQueue records the queue depth until ctx is done
func (d *Daemon) sampleQueue(ctx context.Context) {
	metrics := d.telemetry.Metrics()
	for {
		metrics.RecordQueueDepth(ctx, d.queue.Len())
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(queueSampleInterval):
		}
	}
}
