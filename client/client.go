// Package client talks to a ceremony coordinator over HTTP.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"

	"Ceremony/internal/auth"
	"Ceremony/internal/ceremony"
)

const (
	// defaultTimeout bounds a single HTTP exchange.
	defaultTimeout = 5 * time.Minute

	// defaultRetries is how many times a failed GET is retried.
	defaultRetries = 3

	// defaultRetryDelay is the pause between retries.
	defaultRetryDelay = time.Second
)

// Client is a coordinator API client acting as one participant.
type Client struct {
	baseURL    string        // baseURL is the coordinator URL without trailing slash
	signer     auth.Signer   // signer authenticates requests
	http       *http.Client  // http performs requests
	retries    uint64        // retries bounds GET retries
	retryDelay time.Duration // retryDelay is the pause between retries
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithHTTP3 sends requests over HTTP/3. A nil tlsConfig uses the system roots.
func WithHTTP3(tlsConfig *tls.Config) Option {
	return func(c *Client) {
		c.http = &http.Client{
			Timeout:   defaultTimeout,
			Transport: &http3.Transport{TLSClientConfig: tlsConfig},
		}
	}
}

// WithRetry sets how many times failed GETs are retried and the pause between attempts.
func WithRetry(retries uint64, delay time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// New creates a client for the coordinator at baseURL.
func New(baseURL string, signer auth.Signer, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		http:       &http.Client{Timeout: defaultTimeout},
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ParticipantID returns the id the client authenticates as.
func (c *Client) ParticipantID() string {
	return c.signer.ID()
}

// GetCeremony fetches the full ceremony.
func (c *Client) GetCeremony(ctx context.Context) (*ceremony.Ceremony, error) {
	var result ceremony.Ceremony
	if err := c.call(ctx, request{method: http.MethodGet, url: c.endpoint("/ceremony")}, &result); err != nil {
		return nil, fmt.Errorf("get ceremony:\n%w", err)
	}

	return &result, nil
}

// SetCeremony replaces the ceremony. Only verifiers may call it.
func (c *Client) SetCeremony(ctx context.Context, next *ceremony.Ceremony) (*ceremony.Ceremony, error) {
	body, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode ceremony:\n%w", err)
	}

	var result ceremony.Ceremony

	err = c.call(ctx, request{
		method:      http.MethodPut,
		url:         c.endpoint("/ceremony"),
		body:        body,
		contentType: "application/json",
		authed:      true,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("set ceremony:\n%w", err)
	}

	return &result, nil
}

// ChunksRemaining returns the chunks that are not complete.
func (c *Client) ChunksRemaining(ctx context.Context) ([]*ceremony.Chunk, error) {
	var result []*ceremony.Chunk
	if err := c.call(ctx, request{method: http.MethodGet, url: c.endpoint("/chunks/remaining")}, &result); err != nil {
		return nil, fmt.Errorf("get remaining chunks:\n%w", err)
	}

	return result, nil
}

// GetChunk fetches one chunk.
func (c *Client) GetChunk(ctx context.Context, chunkID string) (*ceremony.Chunk, error) {
	var result ceremony.Chunk
	if err := c.call(ctx, request{method: http.MethodGet, url: c.endpoint("/chunks/" + chunkID)}, &result); err != nil {
		return nil, fmt.Errorf("get chunk %s:\n%w", chunkID, err)
	}

	return &result, nil
}

// Lock tries to lock a chunk. It returns false when the chunk is not available to the
// participant.
func (c *Client) Lock(ctx context.Context, chunkID string) (bool, error) {
	var result struct {
		Locked bool `json:"locked"`
	}

	err := c.call(ctx, request{method: http.MethodPost, url: c.endpoint("/chunks/" + chunkID + "/lock"), authed: true}, &result)
	if err != nil {
		return false, fmt.Errorf("lock chunk %s:\n%w", chunkID, err)
	}

	return result.Locked, nil
}

// Unlock releases a lock.
func (c *Client) Unlock(ctx context.Context, chunkID string) error {
	err := c.call(ctx, request{method: http.MethodPost, url: c.endpoint("/chunks/" + chunkID + "/unlock"), authed: true}, nil)
	if err != nil {
		return fmt.Errorf("unlock chunk %s:\n%w", chunkID, err)
	}

	return nil
}

// WriteLocation returns where the lock holder uploads its contribution.
func (c *Client) WriteLocation(ctx context.Context, chunkID string) (string, error) {
	var result struct {
		WriteURL string `json:"writeUrl"`
	}

	err := c.call(ctx, request{method: http.MethodGet, url: c.endpoint("/chunks/" + chunkID + "/contribution"), authed: true}, &result)
	if err != nil {
		return "", fmt.Errorf("get write location for chunk %s:\n%w", chunkID, err)
	}

	return result.WriteURL, nil
}

// Upload sends contribution bytes to a write location. Locations served by the coordinator
// receive an authenticated POST; presigned object storage URLs receive a plain PUT.
func (c *Client) Upload(ctx context.Context, writeURL string, data []byte) error {
	req := request{
		method:      http.MethodPut,
		url:         writeURL,
		body:        data,
		contentType: "application/octet-stream",
	}

	if c.sameOrigin(writeURL) {
		req.method = http.MethodPost
		req.authed = true
	}

	if err := c.once(ctx, req, nil); err != nil {
		return fmt.Errorf("upload contribution:\n%w", err)
	}

	return nil
}

// Contribute finalizes the uploaded contribution and releases the lock.
func (c *Client) Contribute(ctx context.Context, chunkID string) (*ceremony.Chunk, error) {
	var result ceremony.Chunk

	err := c.call(ctx, request{method: http.MethodPost, url: c.endpoint("/chunks/" + chunkID + "/contribution"), authed: true}, &result)
	if err != nil {
		return nil, fmt.Errorf("contribute chunk %s:\n%w", chunkID, err)
	}

	return &result, nil
}

// Download fetches the contribution at a position of a chunk.
func (c *Client) Download(ctx context.Context, chunkID string, version int) ([]byte, error) {
	var buf bytes.Buffer

	err := c.call(ctx, request{
		method: http.MethodGet,
		url:    c.endpoint(fmt.Sprintf("/chunks/%s/contribution/%d", chunkID, version)),
		raw:    &buf,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("download chunk %s version %d:\n%w", chunkID, version, err)
	}

	return buf.Bytes(), nil
}

// WriteSeed uploads the initial challenge of a chunk. Only verifiers may call it.
func (c *Client) WriteSeed(ctx context.Context, chunkID string, data []byte) error {
	err := c.call(ctx, request{
		method:      http.MethodPost,
		url:         c.endpoint("/chunks/" + chunkID + "/seed"),
		body:        data,
		contentType: "application/octet-stream",
		authed:      true,
	}, nil)
	if err != nil {
		return fmt.Errorf("write seed for chunk %s:\n%w", chunkID, err)
	}

	return nil
}

// Reclaim releases expired locks and returns the affected chunk ids. Only verifiers may call it.
func (c *Client) Reclaim(ctx context.Context) ([]string, error) {
	var result struct {
		ChunkIDs []string `json:"chunkIds"`
	}

	if err := c.call(ctx, request{method: http.MethodPost, url: c.endpoint("/locks/reclaim"), authed: true}, &result); err != nil {
		return nil, fmt.Errorf("reclaim locks:\n%w", err)
	}

	return result.ChunkIDs, nil
}

// Do sends an authenticated request to an arbitrary path and returns the raw result.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	req := request{
		method: strings.ToUpper(method),
		url:    c.endpoint("/" + strings.TrimLeft(path, "/")),
		body:   body,
		authed: true,
	}

	if len(body) > 0 {
		req.contentType = "application/json"
	}

	var result json.RawMessage
	if err := c.call(ctx, req, &result); err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", req.method, path, err)
	}

	return result, nil
}
