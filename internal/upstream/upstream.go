// Package upstream performs the single HTTP call an adapter makes to a remote
// API and sorts every failure into the apierr taxonomy.
package upstream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mlgateway/internal/apierr"
)

// Responses larger than this are treated as malformed.
const maxBody = 8 << 20

type Client struct {
	// Name appears in error messages, e.g. "Translation API".
	Name string
	HTTP *http.Client
}

func New(name string, timeout time.Duration) *Client {
	return &Client{Name: name, HTTP: &http.Client{Timeout: timeout}}
}

// Do sends req exactly once and returns the body of a 2xx response.
// Transport failures and timeouts become UpstreamUnreachable; non-2xx
// statuses become UpstreamRejected carrying the upstream status.
func (c *Client) Do(req *http.Request) ([]byte, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, apierr.Unreachable(fmt.Sprintf("%s unreachable: %v", c.Name, err), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, apierr.Unreachable(fmt.Sprintf("%s unreachable: %v", c.Name, err), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierr.Rejected(resp.StatusCode, c.errorMessage(resp, body))
	}
	if len(body) > maxBody {
		return nil, c.Malformed(fmt.Errorf("response exceeds %d bytes", maxBody))
	}
	return body, nil
}

// Malformed reports a 2xx response whose shape the adapter did not expect.
func (c *Client) Malformed(cause error) error {
	return apierr.Malformed(fmt.Sprintf("Unexpected response from %s", c.Name), cause)
}

// errorMessage prefers the upstream's own explanation: a JSON "message" field,
// then FAL-style "detail" when it is a string.
func (c *Client) errorMessage(resp *http.Response, body []byte) string {
	var env struct {
		Message json.RawMessage `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &env) == nil {
		for _, raw := range []json.RawMessage{env.Message, env.Detail} {
			var s string
			if len(raw) > 0 && json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("%s error '%s' for url '%s'", c.Name, resp.Status, resp.Request.URL.Redacted())
}
