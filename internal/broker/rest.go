package broker

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

// restClient is a thin JSON-over-HTTP client shared by the adapters
// that talk to their vendor directly. Auth headers come from the
// headers func so a refreshed token is picked up without rebuilding
// the client.
type restClient struct {
	base    string
	http    *http.Client
	headers func() map[string]string
}

func newRESTClient(base string, headers func() map[string]string) *restClient {
	return &restClient{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		headers: headers,
	}
}

// httpStatusError carries a non-2xx status for the classifier.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

func (c *restClient) getJSON(ctx context.Context, path string, query url.Values) (map[string]interface{}, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *restClient) postJSON(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *restClient) putJSON(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *restClient) patchJSON(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// deleteJSON issues a DELETE, optionally with a JSON body (some
// vendors cancel orders that way).
func (c *restClient) deleteJSON(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// postJSONAbsolute posts JSON to a full URL outside the client's
// base (separate auth hosts).
func (c *restClient) postJSONAbsolute(ctx context.Context, rawURL string, body interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// postForm posts url-encoded form data, the Noren house style.
func (c *restClient) postForm(ctx context.Context, path string, form string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// getRaw fetches arbitrary bytes (instrument masters).
func (c *restClient) getRaw(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httpStatusError{Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func (c *restClient) do(req *http.Request) (map[string]interface{}, error) {
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return nil, &httpStatusError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
			}
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}

	// Some vendors return a bare list; wrap it so callers always see
	// a map.
	out, ok := decoded.(map[string]interface{})
	if !ok {
		out = map[string]interface{}{"data": decoded}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &httpStatusError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
