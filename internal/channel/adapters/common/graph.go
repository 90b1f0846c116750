package common

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

const graphResponseMaxBytes int64 = 1 << 20

// GraphError is the error object returned by the Meta Graph API.
type GraphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	FBTraceID string `json:"fbtrace_id"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api error %d (%s): %s", e.Code, e.Type, e.Message)
}

// GraphClient posts JSON to the Meta Graph API.
type GraphClient struct {
	BaseURL    string
	Version    string
	HTTPClient *http.Client
}

// NewGraphClient creates a GraphClient with a bounded request timeout.
func NewGraphClient(baseURL, version string, timeout time.Duration) *GraphClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GraphClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Version:    strings.Trim(version, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Endpoint builds {base}/{version}/{path}?{query}.
func (c *GraphClient) Endpoint(path string, query url.Values) string {
	u := c.BaseURL + "/" + c.Version + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Post sends payload to endpoint. It fails on transport errors, non-2xx
// responses, and 2xx responses carrying an error object.
func (c *GraphClient) Post(ctx context.Context, endpoint string, headers http.Header, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode graph request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graph request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, graphResponseMaxBytes))
	if err != nil {
		return fmt.Errorf("read graph response: %w", err)
	}

	var parsed struct {
		Error *GraphError `json:"error"`
	}
	_ = json.Unmarshal(raw, &parsed)
	if parsed.Error != nil {
		return parsed.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("graph api status %d: %s", resp.StatusCode, SummarizeText(string(raw)))
	}
	return nil
}
