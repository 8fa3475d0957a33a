package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Header names carrying the credentials.
const (
	HeaderAppKey     = "X-Application-Key"
	HeaderAccountKey = "X-Account-Key"
)

// DefaultTimeout bounds one exchange.
const DefaultTimeout = 30 * time.Second

// maxResponse caps how much of a response body is read.
const maxResponse = 64 << 20

// Client posts requests to <URL>/sync.
type Client struct {
	URL  string
	HTTP *http.Client
}

// NewClient returns a client for the service at url.
func NewClient(url string) *Client {
	return &Client{
		URL:  strings.TrimRight(url, "/"),
		HTTP: &http.Client{Timeout: DefaultTimeout},
	}
}

// Exchange sends req and decodes the answer. Failures to reach the service
// and non-2xx answers are *Error; undecodable answers are *ProtocolError.
func (c *Client) Exchange(ctx context.Context, req *Request) (*Response, error) {
	if c.URL == "" {
		return nil, &Error{Err: errors.New("no service url configured")}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderAppKey, req.AppKey)
	httpReq.Header.Set(HeaderAccountKey, req.AccountKey)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{Status: resp.StatusCode, Err: errors.New(msg)}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &ProtocolError{Err: err}
	}
	if err := out.Validate(); err != nil {
		return nil, &ProtocolError{Err: err}
	}
	return &out, nil
}
