package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sethvargo/go-retry"

	"Ceremony/internal/ceremony"
)

// envelope is the body of every JSON response of the coordinator.
type envelope struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// Error is a failure reported by the coordinator.
type Error struct {
	Status  int    // Status is the HTTP status code
	Code    string // Code is the coordinator's error code
	Message string // Message describes the failure
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("coordinator returned status %d", e.Status)
	}

	return fmt.Sprintf("coordinator returned %s (%d): %s", e.Code, e.Status, e.Message)
}

// Is maps error codes onto the ceremony error conditions.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case "invalid_input":
		return target == ceremony.ErrInvalidInput
	case "state_conflict":
		return target == ceremony.ErrStateConflict
	case "conflict":
		return target == ceremony.ErrConflict
	case "storage_error":
		return target == ceremony.ErrStorage
	default:
		return false
	}
}

// request is one call to the coordinator.
type request struct {
	method      string
	url         string    // url is absolute
	body        []byte    // body is resent on every attempt
	contentType string
	authed      bool      // authed signs the request with the client's signer
	raw         io.Writer // raw receives a non-JSON success body instead of the envelope
}

// call performs a request, decoding the envelope result into result.
// GET requests are retried on transport errors and server-side failures.
func (c *Client) call(ctx context.Context, req request, result any) error {
	if req.method != http.MethodGet {
		return c.once(ctx, req, result)
	}

	b, err := retry.NewConstant(c.retryDelay)
	if err != nil {
		return fmt.Errorf("build backoff:\n%w", err)
	}

	return retry.Do(ctx, retry.WithMaxRetries(c.retries, b), func(ctx context.Context) error {
		err := c.once(ctx, req, result)

		var apiErr *Error
		if err != nil && (!errors.As(err, &apiErr) || apiErr.Status >= http.StatusInternalServerError) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// once performs a single attempt.
func (c *Client) once(ctx context.Context, req request, result any) error {
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bytes.NewReader(req.body))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	if req.authed {
		header, err := c.signer.Authorization(req.method, httpReq.URL.Path)
		if err != nil {
			return fmt.Errorf("sign request:\n%w", err)
		}

		httpReq.Header.Set("Authorization", header)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.method, req.url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.Header.Get("Content-Type") != "application/json" {
		if resp.StatusCode/100 != 2 {
			return &Error{Status: resp.StatusCode}
		}

		if req.raw != nil {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read body:\n%w", err)
			}

			req.raw.Write(data)
		}

		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response:\n%w", err)
	}

	if env.Status != "ok" || resp.StatusCode/100 != 2 {
		return &Error{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}

	if result == nil || len(env.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("decode result:\n%w", err)
	}

	return nil
}

// endpoint joins a path onto the base URL.
func (c *Client) endpoint(path string) string {
	return c.baseURL + path
}

// sameOrigin reports whether raw points at the coordinator itself.
func (c *Client) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}

	return u.Scheme == base.Scheme && u.Host == base.Host
}
