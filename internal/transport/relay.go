package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidewater/outreach/internal/dispatch"
)

// RelayClient submits messages to an external delivery relay over HTTP.
type RelayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// relaySendRequest is the relay's submit payload.
type relaySendRequest struct {
	MessageID   string   `json:"message_id,omitempty"`
	From        string   `json:"from"`
	FromName    string   `json:"from_name,omitempty"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	HTML        string   `json:"html,omitempty"`
	Text        string   `json:"text,omitempty"`
	TrackOpens  bool     `json:"track_opens,omitempty"`
	TrackClicks bool     `json:"track_clicks,omitempty"`
}

type relaySendResponse struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

type relayErrorResponse struct {
	Error string `json:"error"`
}

// NewRelayClient creates a relay client.
func NewRelayClient(baseURL, apiKey string) *RelayClient {
	return &RelayClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send submits one message to the relay.
func (c *RelayClient) Send(ctx context.Context, msg *dispatch.SendPayload) error {
	req := relaySendRequest{
		MessageID:   msg.MessageID,
		From:        msg.FromEmail,
		FromName:    msg.FromName,
		To:          []string{msg.To},
		Subject:     msg.Subject,
		TrackOpens:  msg.TrackOpens,
		TrackClicks: msg.TrackClicks,
	}
	if msg.PlainText {
		req.Text = msg.Body
	} else {
		req.HTML = msg.Body
	}

	var resp relaySendResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/send", req, &resp); err != nil {
		return err
	}
	return nil
}

// Health checks relay availability.
func (c *RelayClient) Health(ctx context.Context) error {
	return c.request(ctx, http.MethodGet, "/health", nil, nil)
}

// request performs an HTTP request against the relay API.
func (c *RelayClient) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp relayErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("relay returned HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("relay error: %s", errResp.Error)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
