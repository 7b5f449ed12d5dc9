// Package sdk is the Go client for the ingest gateway. Producers embed it to
// push readings, device packets, and universal data points without hand
// rolling the HTTP surface.
//
//	client := sdk.NewClient(sdk.Config{
//	    GatewayURL: "https://ingest.example.com",
//	    APIKey:     os.Getenv("INGEST_API_KEY"),
//	})
//	res, err := client.SendPacket(ctx, sdk.Packet{
//	    DeviceUUID: "dev-7",
//	    Readings:   []sdk.PacketReading{{SensorUUID: "s-1", Value: 21.5}},
//	})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	headerAPIKey    = "X-API-Key"
	headerDeviceKey = "X-Device-Key"

	defaultTimeout = 10 * time.Second
	defaultRetries = 3
)

type Config struct {
	// GatewayURL is the base URL of the gateway (required).
	GatewayURL string

	// APIKey authenticates the non-device endpoints.
	APIKey string

	// DeviceKey, when set, is sent on packet uploads instead of the API key.
	DeviceKey string

	// Timeout bounds each HTTP attempt (default 10s).
	Timeout time.Duration

	// MaxRetries caps retry attempts on 5xx and transport errors (default 3).
	// 4xx responses are never retried.
	MaxRetries uint64
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultRetries
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// SendReading pushes one legacy reading.
func (c *Client) SendReading(ctx context.Context, r Reading) (*InsertResult, error) {
	var out InsertResult
	if err := c.post(ctx, "/ingest/readings", r, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendBulk pushes a batch of legacy readings. Per-item failures are skipped
// by the gateway; the result counts what was inserted.
func (c *Client) SendBulk(ctx context.Context, readings []Reading) (*InsertResult, error) {
	var out InsertResult
	body := map[string]any{"readings": readings}
	if err := c.post(ctx, "/ingest/readings/bulk", body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendPacket pushes a device packet, authenticating with the device key when
// configured.
func (c *Client) SendPacket(ctx context.Context, p Packet) (*PacketResult, error) {
	var out PacketResult
	if err := c.post(ctx, "/ingest/packets", p, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendData pushes universal data points for one source.
func (c *Client) SendData(ctx context.Context, domain, sourceID string, points []DataPoint) (*DataResult, error) {
	var out DataResult
	body := map[string]any{"domain": domain, "source_id": sourceID, "data_points": points}
	if err := c.post(ctx, "/ingest/data", body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobStatus polls a CSV import job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*CSVJob, error) {
	var out CSVJob
	if err := c.get(ctx, "/ingest/csv/jobs/"+jobID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SensorStatus fetches the operational state of one sensor.
func (c *Client) SensorStatus(ctx context.Context, sensorID int64) (*SensorStatus, error) {
	var out SensorStatus
	if err := c.get(ctx, fmt.Sprintf("/sensors/%d/status", sensorID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---- transport -------------------------------------------------------------

func (c *Client) post(ctx context.Context, path string, body, out any, deviceAuth bool) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sdk: marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, raw, out, deviceAuth)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, false)
}

// do runs one request with exponential backoff. A 4xx is permanent; 5xx and
// transport failures retry up to MaxRetries.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, deviceAuth bool) error {
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.GatewayURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if deviceAuth && c.cfg.DeviceKey != "" {
			req.Header.Set(headerDeviceKey, c.cfg.DeviceKey)
		} else if c.cfg.APIKey != "" {
			req.Header.Set(headerAPIKey, c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode}
			var e struct {
				Error string `json:"error"`
			}
			if json.NewDecoder(resp.Body).Decode(&e) == nil {
				apiErr.Message = e.Error
			}
			if resp.StatusCode < 500 {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("sdk: decode response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	return backoff.Retry(op, policy)
}
