package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OfferDispatcher delivers offers to workers: live WS session first, then the
// push endpoint as fallback. An error from here means the offer could not be
// delivered at all, which the engine treats like a timeout.
type OfferDispatcher struct {
	WS           *WSRegistry
	PushEndpoint string // optional provider HTTP endpoint
	Client       *http.Client
	Logger       *slog.Logger
}

func NewOfferDispatcher(ws *WSRegistry, pushEndpoint string, logger *slog.Logger) *OfferDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfferDispatcher{
		WS:           ws,
		PushEndpoint: pushEndpoint,
		Client:       &http.Client{Timeout: 3 * time.Second},
		Logger:       logger,
	}
}

func (d *OfferDispatcher) NotifyOffer(ctx context.Context, workerID string, offer models.OfferSummary) error {
	if d.WS != nil {
		if err := d.WS.Send(workerID, offer); err == nil {
			return nil
		}
	}
	if d.PushEndpoint == "" {
		return ErrNoSession
	}
	body, _ := json.Marshal(map[string]any{"worker_id": workerID, "offer": offer})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.PushEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint status %d", resp.StatusCode)
	}
	return nil
}
