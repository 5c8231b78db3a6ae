package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"conversation-pipeline/internal/models"
)

// StatusOK is the engine's success status in webhook deliveries.
const StatusOK = "OK"

// Client submits asynchronous transcription jobs. The engine answers with a
// job id immediately and reports the result later through the webhook.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds an engine client. baseURL points at the queue submit
// endpoint.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type submitRequest struct {
	AudioURL string `json:"audio_url"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

// Submit enqueues a transcription of the audio behind audioURL and registers
// callbackURL for completion delivery. Returns the engine's job id.
func (c *Client) Submit(ctx context.Context, audioURL, callbackURL string) (string, error) {
	body, err := json.Marshal(submitRequest{AudioURL: audioURL})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	endpoint := c.baseURL
	if callbackURL != "" {
		endpoint = fmt.Sprintf("%s?webhook=%s", c.baseURL, url.QueryEscape(callbackURL))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit transcription: %w", errors.Join(models.ErrExternalService, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("submit transcription: http %d: %s: %w", resp.StatusCode, string(b), models.ErrExternalService)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", errors.Join(models.ErrExternalService, err))
	}
	if sr.RequestID == "" {
		return "", fmt.Errorf("submit response missing request_id: %w", models.ErrExternalService)
	}
	return sr.RequestID, nil
}
