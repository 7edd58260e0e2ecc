// Package agent is the HTTP client for the external agent runtime. The
// runtime is a collaborator, not part of this system; everything here is
// the thin wire contract of §invoke plus stream decoding.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"relay/internal/domain"
)

const defaultInvokeTimeout = 5 * time.Minute

// Client implements domain.AgentRuntime against an HTTP agent endpoint
// that streams newline-delimited JSON chunks.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultInvokeTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

type invokeBody struct {
	Agent          string `json:"agent"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id,omitempty"`
	Stream         bool   `json:"stream"`
}

type chunkEvent struct {
	Type    string `json:"type"` // "chunk" | "done" | "error"
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Invoke runs one agent invocation, writing content chunks to out in
// generation order. It blocks until the run ends and never closes out.
func (c *Client) Invoke(ctx context.Context, req domain.InvokeRequest, out chan<- string) error {
	body, err := json.Marshal(invokeBody{
		Agent:          req.AgentRef,
		Prompt:         req.Prompt,
		ConversationID: req.ConversationID,
		Stream:         true,
	})
	if err != nil {
		return fmt.Errorf("marshal invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agent invoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent runtime status %d: %s", resp.StatusCode, string(respBody))
	}

	return c.readStream(ctx, resp.Body, out)
}

func (c *Client) readStream(ctx context.Context, body io.Reader, out chan<- string) error {
	decoder := json.NewDecoder(body)
	for decoder.More() {
		var ev chunkEvent
		if err := decoder.Decode(&ev); err != nil {
			return fmt.Errorf("agent stream decode: %w", err)
		}

		switch ev.Type {
		case "chunk":
			if ev.Content == "" {
				continue
			}
			select {
			case out <- ev.Content:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "done":
			return nil
		case "error":
			return fmt.Errorf("agent runtime: %s", ev.Error)
		default:
			c.logger.Debug("unknown agent stream event", "type", ev.Type)
		}
	}
	// Stream ended without a terminal event; treat a clean EOF as done.
	return nil
}
