package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FunctionClient calls serverless functions exposed next to the remote store
// (one POST endpoint per function name).
type FunctionClient struct {
	baseURL string
	hc      *http.Client
}

// NewFunctionClient creates a client for the functions base URL. The timeout
// bounds the whole request; callers may tighten it further via context.
func NewFunctionClient(baseURL string, timeout time.Duration) *FunctionClient {
	return &FunctionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

// Invoke POSTs the JSON payload to the named function and returns the raw
// response body. Any non-2xx status is an error.
func (c *FunctionClient) Invoke(ctx context.Context, function string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", function, err)
	}
	url := c.baseURL + "/" + function
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", function, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke %s: %w", function, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", function, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("function %s returned status %d", function, resp.StatusCode)
	}
	return data, nil
}
