// SPDX-License-Identifier: MIT

package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient talks to a REST-style telephony provider.
type HTTPClient struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewHTTPClient creates a provider client. Timeout bounds the synchronous
// dial acceptance, not call duration.
func NewHTTPClient(base, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("carrier: marshal request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("carrier: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("carrier: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("carrier: decode response: %w", err)
	}
	return nil
}

// Dial starts an outbound call.
func (c *HTTPClient) Dial(ctx context.Context, spec DialSpec) (DialResult, error) {
	var out DialResult
	if err := c.do(ctx, http.MethodPost, "/v1/calls", spec, &out); err != nil {
		return DialResult{}, err
	}
	return out, nil
}

// Hangup tears down a call leg.
func (c *HTTPClient) Hangup(ctx context.Context, carrierID string) error {
	return c.do(ctx, http.MethodPost, "/v1/calls/"+url.PathEscape(carrierID)+"/hangup", nil, nil)
}

// Status fetches the provider-side call state.
func (c *HTTPClient) Status(ctx context.Context, carrierID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/calls/"+url.PathEscape(carrierID), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}
