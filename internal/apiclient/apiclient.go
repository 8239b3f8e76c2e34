// Package apiclient issues the outbound HTTP calls behind the
// api_request tool, merging stored headers over caller headers.
package apiclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Client is a thin wrapper over *http.Client with a fixed timeout, in
// the teacher's one-shot-request style (no retries, no backoff).
type Client struct {
	http *http.Client
}

// New builds a Client with the given timeout.
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Response is the result of an outbound call.
type Response struct {
	HTTPStatus int
	Body       []byte
}

// Do issues method/url with body, merging storedHeaders over
// callerHeaders (stored wins on conflict), and returns the full
// response body.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, callerHeaders, storedHeaders map[string]string) (Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, err
	}
	for k, v := range callerHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range storedHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{HTTPStatus: resp.StatusCode, Body: respBody}, nil
}
