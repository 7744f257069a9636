// Package x402http adapts net/http to x402engine.HttpClient, the
// transport seam that the teacher's pkg/x402.Client wrapped as http.Client
// directly before its own retry loop moved into x402engine.Engine.
package x402http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/agentpay/internal/x402engine"
)

// Client is a single-round-trip x402engine.HttpClient backed by
// *http.Client. It carries no retry or payment logic of its own; that
// state machine lives entirely in x402engine.Engine.
type Client struct {
	HTTP *http.Client
}

// New builds a Client with a request timeout. A zero timeout falls back
// to 60s, matching the teacher's own Client default.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

// Send implements x402engine.HttpClient.
func (c *Client) Send(ctx context.Context, req x402engine.HttpRequest) (x402engine.HttpResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return x402engine.HttpResponse{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return x402engine.HttpResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return x402engine.HttpResponse{}, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return x402engine.HttpResponse{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}

var _ x402engine.HttpClient = (*Client)(nil)
