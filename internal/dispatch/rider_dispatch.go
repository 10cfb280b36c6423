package dispatch

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// RiderNotifier posts waiting/expiry notices to the rider notification
// webhook. With no endpoint configured it only logs, which is enough for
// local runs.
type RiderNotifier struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewRiderNotifier(endpoint string, logger *slog.Logger) *RiderNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiderNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, Logger: logger}
}

func (r *RiderNotifier) OnWaiting(requestID string, estimatedWait time.Duration) {
	r.Logger.Info("rider waiting", "request_id", requestID, "estimated_wait", estimatedWait.String())
	r.post(map[string]any{"event": "waiting", "request_id": requestID, "estimated_wait_s": estimatedWait.Seconds()})
}

func (r *RiderNotifier) OnExpired(requestID string) {
	r.Logger.Info("rider request expired", "request_id", requestID)
	r.post(map[string]any{"event": "expired", "request_id": requestID})
}

func (r *RiderNotifier) post(payload map[string]any) {
	if r.Endpoint == "" {
		return
	}
	b, _ := json.Marshal(payload)
	resp, err := r.Client.Post(r.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		r.Logger.Warn("rider notify failed", "error", err)
		return
	}
	_ = resp.Body.Close()
}
