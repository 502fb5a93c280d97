// Package httppush provides a reference wire form for the push handler
// contract: a JSON batch POST. The engine itself is transport-agnostic; any
// PushHandler implementation may replace this one.
package httppush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/offlinekit/fieldsync"
	syncErrors "github.com/offlinekit/fieldsync/errors"
)

const opPush syncErrors.Op = "httppush.Push"

// pushRequest is the wire shape of one batch.
type pushRequest struct {
	Mutations []fieldsync.Mutation `json:"mutations"`
}

// Client is a fieldsync.PushHandler that delivers batches over HTTP.
// Timeouts are this client's responsibility: they surface as transport
// failures the scheduler recovers from with backoff.
type Client struct {
	url        string
	httpClient *http.Client
}

var _ fieldsync.PushHandler = (*Client)(nil)

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-push timeout. Default 30s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a push client for the authority at url
// (e.g. "https://sync.example.com/push").
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push posts the batch and decodes the authority's PushResult. Any transport
// or non-2xx failure is returned as a retryable transport error.
func (c *Client) Push(ctx context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error) {
	body, err := json.Marshal(pushRequest{Mutations: batch})
	if err != nil {
		return fieldsync.PushResult{}, syncErrors.E(opPush, syncErrors.Component("transport"), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fieldsync.PushResult{}, syncErrors.E(opPush, syncErrors.Component("transport"), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fieldsync.PushResult{}, syncErrors.NewTransportError(opPush, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fieldsync.PushResult{}, syncErrors.NewTransportError(opPush,
			fmt.Errorf("authority returned %d: %s", resp.StatusCode, payload))
	}

	var result fieldsync.PushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fieldsync.PushResult{}, syncErrors.NewTransportError(opPush, err)
	}
	return result, nil
}
