// Package generation is the client for the downstream service that runs
// priced operations.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"PeachCredit/internal/pricing"
)

type Request struct {
	Prompt string            `json:"prompt"`
	Params map[string]string `json:"params,omitempty"`
}

type Result struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

type Service interface {
	Execute(ctx context.Context, tier pricing.Tier, req Request) (*Result, error)
}

var ErrEmptyPrompt = errors.New("generation: empty prompt")

// UpstreamError is a non-2xx reply from the generation service.
type UpstreamError struct {
	Code int
	Body string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("generation service status %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Execute(ctx context.Context, tier pricing.Tier, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	body, err := json.Marshal(struct {
		Tier pricing.Tier `json:"tier"`
		Request
	}{tier, req})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generation result: %w", err)
	}
	return &out, nil
}
