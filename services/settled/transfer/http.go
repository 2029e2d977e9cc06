package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config defines the HTTP client settings for the transfer service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to a JSON transfer service:
//
//	POST {base}/transfers            submit (409 means already known)
//	GET  {base}/transfers/{id}       status (404 means unknown)
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type submitRequest struct {
	CorrelationID string `json:"correlation_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
}

type statusResponse struct {
	CorrelationID string `json:"correlation_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
}

// NewClient constructs a client with an instrumented transport.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("transfer: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("transfer: base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Submit hands a transfer to the service.
func (c *Client) Submit(ctx context.Context, correlationID, from, to string, amount *big.Int) (Handle, error) {
	if c == nil {
		return Handle{}, ErrNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return Handle{}, fmt.Errorf("transfer: amount must be positive")
	}
	body, err := json.Marshal(submitRequest{
		CorrelationID: correlationID,
		From:          from,
		To:            to,
		Amount:        amount.String(),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("transfer: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return Handle{}, fmt.Errorf("transfer: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", correlationID)
	resp, payload, err := c.do(req)
	if err != nil {
		return Handle{}, err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusConflict:
	default:
		return Handle{}, fmt.Errorf("transfer: submit %s: unexpected status %d", correlationID, resp.StatusCode)
	}
	handle := Handle{CorrelationID: correlationID, Status: StatusPending}
	if payload != nil {
		handle.Reference = payload.Reference
		if status, ok := ParseStatus(payload.Status); ok && status != StatusUnknown {
			handle.Status = status
		}
	}
	return handle, nil
}

// Status queries the outcome of a previously submitted transfer.
func (c *Client) Status(ctx context.Context, correlationID string) (Status, error) {
	if c == nil {
		return StatusUnknown, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transfers/"+url.PathEscape(correlationID), nil)
	if err != nil {
		return StatusUnknown, fmt.Errorf("transfer: request: %w", err)
	}
	resp, payload, err := c.do(req)
	if err != nil {
		return StatusUnknown, err
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return StatusUnknown, nil
	case http.StatusOK:
	default:
		return StatusUnknown, fmt.Errorf("transfer: status %s: unexpected status %d", correlationID, resp.StatusCode)
	}
	if payload == nil {
		return StatusUnknown, fmt.Errorf("transfer: status %s: empty response", correlationID)
	}
	status, ok := ParseStatus(payload.Status)
	if !ok {
		return StatusUnknown, fmt.Errorf("transfer: status %s: unrecognised status %q", correlationID, payload.Status)
	}
	return status, nil
}

func (c *Client) do(req *http.Request) (*http.Response, *statusResponse, error) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: call: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: read: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp, nil, nil
	}
	var payload statusResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		if resp.StatusCode >= 400 {
			return resp, nil, nil
		}
		return nil, nil, fmt.Errorf("transfer: decode: %w", err)
	}
	return resp, &payload, nil
}
