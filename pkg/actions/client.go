package actions

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

	"github.com/google/uuid"

	"github.com/openfroyo/labctl/pkg/engine"
)

// DefaultTimeout bounds a single action invocation.
const DefaultTimeout = 60 * time.Second

// maxResponseBytes caps the size of an action response body.
const maxResponseBytes = 1 << 20

// ClientConfig configures the HTTP action client.
type ClientConfig struct {
	// BaseURL is the action gateway, e.g. "http://actions.internal:8080".
	// Actions are invoked at BaseURL/actions/{name}.
	BaseURL string

	// Timeout bounds one invocation. Zero means DefaultTimeout.
	Timeout time.Duration

	// Headers are sent with every request.
	Headers map[string]string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// HTTPClient invokes actions synchronously over HTTP. The gateway answers
// with the action's own result document {"statusCode": int, "body": string};
// the HTTP status is used only when the document carries no statusCode.
type HTTPClient struct {
	baseURL *url.URL
	client  *http.Client
	timeout time.Duration
	headers map[string]string
}

var _ engine.ActionInvoker = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTP action client.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, engine.NewConfigurationError("actions base URL is required", nil)
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid actions base URL %q", cfg.BaseURL), err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPClient{
		baseURL: u,
		client:  client,
		timeout: timeout,
		headers: cfg.Headers,
	}, nil
}

// Invoke posts payload to the named action and returns its result.
func (c *HTTPClient) Invoke(ctx context.Context, name string, payload map[string]interface{}) (engine.ActionResult, error) {
	if name == "" {
		return engine.ActionResult{}, engine.NewInvocationError(name, fmt.Errorf("action name is empty"))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return engine.ActionResult{}, engine.NewInvocationError(name, fmt.Errorf("failed to encode payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath("actions", name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return engine.ActionResult{}, engine.NewInvocationError(name, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Invocation-Id", uuid.New().String())
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return engine.ActionResult{}, engine.NewInvocationError(name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return engine.ActionResult{}, engine.NewInvocationError(name, fmt.Errorf("failed to read response: %w", err))
	}

	return decodeResult(name, resp.StatusCode, raw)
}

func decodeResult(name string, httpStatus int, raw []byte) (engine.ActionResult, error) {
	var doc struct {
		StatusCode *int            `json:"statusCode"`
		Body       json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.StatusCode == nil {
		// Gateway failures carry no result document.
		if httpStatus >= http.StatusInternalServerError || httpStatus == http.StatusNotFound {
			return engine.ActionResult{}, engine.NewInvocationError(name,
				fmt.Errorf("gateway returned %d: %s", httpStatus, strings.TrimSpace(string(raw))))
		}
		return engine.ActionResult{StatusCode: httpStatus, Body: strings.TrimSpace(string(raw))}, nil
	}

	return engine.ActionResult{StatusCode: *doc.StatusCode, Body: bodyString(doc.Body)}, nil
}

// bodyString accepts a body that is either a JSON string or any other JSON value.
func bodyString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
