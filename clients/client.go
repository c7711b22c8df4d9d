package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/credential-registry/httpserver"
	"github.com/ruteri/credential-registry/interfaces"
	"github.com/ruteri/credential-registry/verification"
)

// maxResponseSize bounds decoded response bodies.
const maxResponseSize = 8 << 20

// RegistryClient calls the public and bearer-authenticated registry API.
type RegistryClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRegistryClient creates a client for the API at baseURL
// (e.g. "http://localhost:8080"). The default timeout is 30 seconds.
func NewRegistryClient(baseURL string, timeout ...time.Duration) *RegistryClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &RegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// SetToken sets the bearer token sent with every request.
func (c *RegistryClient) SetToken(token string) {
	c.token = token
}

// Verify runs public verification of a document hash.
func (c *RegistryClient) Verify(ctx context.Context, hash interfaces.DocumentHash) (*verification.Verification, error) {
	var v verification.Verification
	if err := c.do(ctx, http.MethodGet, "/api/verify/"+hash.String(), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Health returns the per-subsystem health report. A degraded report is
// returned without error; check its Status.
func (c *RegistryClient) Health(ctx context.Context) (*httpserver.HealthResponse, error) {
	status, body, err := c.send(ctx, http.MethodGet, "/api/monitoring/health", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, apiError(http.MethodGet, "/api/monitoring/health", status, body)
	}

	var health httpserver.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &health, nil
}

// do sends body as JSON and decodes a successful answer into out.
func (c *RegistryClient) do(ctx context.Context, method, path string, body, out any) error {
	status, respBody, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(method, path, status, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *RegistryClient) send(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// apiError turns an error body back into *interfaces.Error with the
// server's kind and message.
func apiError(method, path string, status int, body []byte) error {
	var resp httpserver.ErrorResponse
	if json.Unmarshal(body, &resp) != nil || resp.Error == "" {
		return fmt.Errorf("%s %s failed with code %d: %s", method, path, status, string(body))
	}
	return &interfaces.Error{Kind: resp.Error, Message: resp.Message, Reason: resp.Reason}
}
