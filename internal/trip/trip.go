package trip

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
)

// Client forwards match lifecycle events to the external trip ledger and,
// when configured, drives the payment hold/capture cycle. It implements the
// matcher's TripSink. Failures are logged, never surfaced: this subsystem does
// not own retries for collaborators.
type Client struct {
	Endpoint string // trip ledger webhook, optional
	HTTP     *http.Client
	Payments *payments.StripeClient // optional
	Logger   *slog.Logger

	mu    sync.Mutex
	holds map[string]string // requestID -> payment intent id
}

func NewClient(endpoint string, pay *payments.StripeClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 3 * time.Second},
		Payments: pay,
		Logger:   logger,
		holds:    make(map[string]string),
	}
}

func (c *Client) OnMatched(ctx context.Context, req models.RideRequest, a models.Assignment, quote models.PriceQuote) {
	c.post(map[string]any{
		"event":         "matched",
		"request_id":    req.ID,
		"worker_id":     a.WorkerID,
		"assignment_id": a.ID,
		"quote":         quote,
	})
	if c.Payments == nil {
		return
	}
	id, err := c.Payments.Hold(ctx, quote.Total, req.RiderID)
	if err != nil {
		c.Logger.Warn("payment hold failed", "request_id", req.ID, "error", err)
		return
	}
	c.mu.Lock()
	c.holds[req.ID] = id
	c.mu.Unlock()
}

func (c *Client) OnSettled(ctx context.Context, requestID string, finalPrice float64) {
	c.post(map[string]any{"event": "settled", "request_id": requestID, "final_price": finalPrice})
	if id, ok := c.takeHold(requestID); ok {
		if err := c.Payments.Capture(ctx, id, finalPrice); err != nil {
			c.Logger.Warn("payment capture failed", "request_id", requestID, "error", err)
		}
	}
}

func (c *Client) OnCancelled(ctx context.Context, requestID string) {
	c.post(map[string]any{"event": "cancelled", "request_id": requestID})
	if id, ok := c.takeHold(requestID); ok {
		if err := c.Payments.Cancel(ctx, id); err != nil {
			c.Logger.Warn("payment cancel failed", "request_id", requestID, "error", err)
		}
	}
}

func (c *Client) takeHold(requestID string) (string, bool) {
	if c.Payments == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.holds[requestID]
	if ok {
		delete(c.holds, requestID)
	}
	return id, ok
}

func (c *Client) post(payload map[string]any) {
	if c.Endpoint == "" {
		return
	}
	b, _ := json.Marshal(payload)
	resp, err := c.HTTP.Post(c.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		c.Logger.Warn("trip event post failed", "error", err)
		return
	}
	_ = resp.Body.Close()
}
