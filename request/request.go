// Package request coordinates outbound network calls: concurrency capping,
// in-flight deduplication, batching of compatible reads, retry with backoff
// and response caching.
package request

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
)

const (
	// DefaultTimeout is the default timeout for outbound requests.
	DefaultTimeout = 30 * time.Second
)

// Request describes one outbound call.
type Request struct {
	Method   string
	Endpoint string
	Params   map[string]string
	Body     []byte
	Headers  map[string]string

	// BatchKey groups idempotent reads that may be dispatched together.
	// Empty disables batching for this request.
	BatchKey string

	// ID names this request inside a batched dispatch so its result can be
	// fanned back out. Required when BatchKey is set.
	ID string

	// CacheTTL overrides the default response cache TTL when > 0.
	CacheTTL time.Duration

	// NoCache disables response caching for this call.
	NoCache bool

	// Invalidate lists cache namespaces cleared after a successful
	// mutating call.
	Invalidate []string
}

// idempotent reports whether the request is a safe read whose response may
// be cached and deduplicated across callers.
func (r Request) idempotent() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// batchable reports whether the request may join a batched dispatch.
func (r Request) batchable() bool {
	return r.idempotent() && r.BatchKey != "" && r.ID != ""
}

// Response is the outcome of a dispatched request.
type Response struct {
	StatusCode int
	Body       []byte

	// FromCache is true when the response was served from the cache
	// without a network dispatch.
	FromCache bool
}

// Transport performs the actual network dispatch for the coordinator.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) RoundTrip(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPTransport dispatches requests against a base URL over HTTP.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithBearerToken sets the bearer token sent with every request.
func WithBearerToken(token string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.token = token
	}
}

// NewHTTPTransport creates a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ Transport = (*HTTPTransport)(nil)

// RoundTrip issues the request and returns the response body. Responses in
// the 2xx range are successful; everything else is returned as a
// *StatusError so the retry policy can classify it.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req Request) (*Response, error) {
	u := t.baseURL + "/" + strings.TrimPrefix(req.Endpoint, "/")
	if len(req.Params) > 0 {
		q := url.Values{}
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// StatusError is a non-2xx response from the transport.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, string(e.Body))
}

// batchPayload is the wire shape of a batched response: request ID to the
// corresponding individual payload.
type batchPayload map[string]json.RawMessage
