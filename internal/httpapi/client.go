package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client sends JSON requests through the authenticated pipeline.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

type ClientOption func(*clientOptions)

type clientOptions struct {
	base    http.RoundTripper
	timeout time.Duration
	logger  *zap.Logger
}

// WithBaseTransport sets the transport underneath the pipeline.
func WithBaseTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOptions) { o.base = rt }
}

func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

func NewClient(baseURL string, creds Credentials, opts ...ClientOption) *Client {
	o := clientOptions{timeout: 10 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  o.logger,
		http: &http.Client{
			Timeout:   o.timeout,
			Transport: &Transport{Base: o.base, Credentials: creds, Logger: o.logger},
		},
	}
}

// Do sends in as the JSON body (when non-nil) and decodes a 2xx body into out
// (when non-nil). Failures are returned as *APIError carrying the server's
// message or fallback.
func (c *Client) Do(ctx context.Context, method, path string, in, out any, fallback string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("path", path), zap.Error(err))
		return TransportError(err, fallback)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DecodeError(resp, fallback)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Status: resp.StatusCode, Message: fallback, Err: err}
	}
	return nil
}
