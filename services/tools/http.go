package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPConfig configures a remote tool gateway
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

// HTTPInvoker calls tools hosted behind a gateway at POST {BaseURL}/tools/{name}/invoke
type HTTPInvoker struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPInvoker creates a gateway client
func NewHTTPInvoker(config HTTPConfig) *HTTPInvoker {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type invokeRequest struct {
	Input json.RawMessage `json:"input,omitempty"`
}

type invokeResponse struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  *gatewayError   `json:"error,omitempty"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Invoke performs a single call. Retries belong to Reliable.
func (h *HTTPInvoker) Invoke(ctx context.Context, toolName string, input json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(invokeRequest{Input: input})
	if err != nil {
		return nil, NewToolError(toolName, "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	endpoint := fmt.Sprintf("%s/tools/%s/invoke", h.config.BaseURL, url.PathEscape(toolName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewToolError(toolName, "REQUEST_ERROR", "failed to create request", 0, false, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, NewToolError(toolName, "HTTP_ERROR", "tool request failed", 0, true, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewToolError(toolName, "READ_ERROR", "failed to read response", resp.StatusCode, true, err)
	}

	var parsed invokeResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode == http.StatusOK {
			return nil, NewToolError(toolName, "UNMARSHAL_ERROR", "failed to unmarshal response", resp.StatusCode, false, err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, h.errorFromResponse(toolName, resp.StatusCode, parsed, respBody)
	}
	if parsed.Error != nil {
		return nil, NewToolError(toolName, parsed.Error.Code, parsed.Error.Message, resp.StatusCode, false, nil)
	}
	return parsed.Output, nil
}

func (h *HTTPInvoker) errorFromResponse(toolName string, statusCode int, parsed invokeResponse, raw []byte) error {
	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests
	if parsed.Error == nil {
		return NewToolError(toolName, "UNKNOWN_ERROR", string(raw), statusCode, retryable, nil)
	}
	return NewToolError(toolName, parsed.Error.Code, parsed.Error.Message, statusCode, retryable, nil)
}

// Handler returns a Handler that forwards to the gateway, for use with Registry.Register
func (h *HTTPInvoker) Handler(toolName string) Handler {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return h.Invoke(ctx, toolName, input)
	}
}
