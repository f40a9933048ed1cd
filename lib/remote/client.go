// Package remote implements the image vault that delegates storage and
// pulls to a remote hypervisor control API over a local unix socket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotFound is returned for the control API's 404-equivalent responses.
var ErrNotFound = errors.New("remote resource not found")

// response is the control API's JSON envelope.
type response struct {
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Operation  string          `json:"operation"`
	ErrorCode  int             `json:"error_code"`
	Error      string          `json:"error"`
	Metadata   json.RawMessage `json:"metadata"`
}

// Client issues authenticated JSON requests against the control API.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a client for the control socket at socketPath,
// rooted at the API's 1.0 endpoint.
func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		baseURL: "http://unix/1.0",
	}
}

// NewClientForURL creates a client against an arbitrary base URL. Used by
// tests to point at an httptest server.
func NewClientForURL(httpClient *http.Client, baseURL string) *Client {
	return &Client{http: httpClient, baseURL: baseURL}
}

func (c *Client) Get(ctx context.Context, path string) (*response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) (*response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) Delete(ctx context.Context, path string) (*response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*response, error) {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode response of %s %s: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusNotFound || (r.Type == "error" && r.ErrorCode == http.StatusNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return &r, nil
}
