package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// PushRequest is the payload sent to the sibling backend's push endpoint.
type PushRequest struct {
	SensorID int64  `json:"sensor_id"`
	EventID  int64  `json:"event_id"`
	Source   string `json:"source"` // alert or ml_event
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// Pusher delivers push notifications. Implementations must be safe to call
// concurrently; failures are logged by the caller and never abort a persist.
type Pusher interface {
	Push(ctx context.Context, req PushRequest) error
}

const pushTimeout = 5 * time.Second

// HTTPPushClient posts notifications to the sibling backend service.
type HTTPPushClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPPushClient(baseURL, apiKey string) *HTTPPushClient {
	return &HTTPPushClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: pushTimeout},
	}
}

func (c *HTTPPushClient) Push(ctx context.Context, req PushRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/notifications/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-Internal-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NullPusher drops every push. Used when no backend URL is configured.
type NullPusher struct{}

func (NullPusher) Push(context.Context, PushRequest) error { return nil }

// firePush runs one push in the background with its own deadline so a slow
// backend cannot hold the pipeline.
func firePush(p Pusher, logger *slog.Logger, req PushRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := p.Push(ctx, req); err != nil {
			logger.Warn("push notification failed", "sensor_id", req.SensorID, "error", err)
		}
	}()
}
