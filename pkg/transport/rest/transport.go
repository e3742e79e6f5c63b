// Package rest implements the REST transport for test steps.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowtest/flowtest/pkg/errs"
	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/transport"
)

const op = "rest.Invoke"

const defaultTimeout = 30 * time.Second

// Transport performs HTTP requests for REST steps.
type Transport struct {
	client *http.Client
}

// NewTransport creates the REST transport. A nil client gets a default one
// with a 30s timeout.
func NewTransport(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &Transport{client: client}
}

// Type returns the step type this transport serves.
func (t *Transport) Type() models.StepType {
	return models.StepTypeREST
}

// Invoke performs the configured HTTP request. Transport failures and 5xx
// responses are network errors (retryable); 401/403 are authentication
// errors; remaining 4xx are flow errors.
func (t *Transport) Invoke(ctx context.Context, step *models.TestStep) (*transport.Response, error) {
	config := step.REST
	if config == nil {
		return nil, errs.NewValidationError(op, "step has no rest config", nil)
	}

	method := config.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader

	if config.Data != nil {
		payload, err := json.Marshal(config.Data)
		if err != nil {
			return nil, errs.NewValidationError(op, "failed to encode request data", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, config.URL, body)
	if err != nil {
		return nil, errs.NewValidationError(op, "failed to build request", err)
	}

	if config.Data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errs.NewNetworkError(op, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.NewNetworkError(op, "failed to read response body", err)
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	return &transport.Response{
		StatusCode: resp.StatusCode,
		Data:       decodeBody(raw),
	}, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 500:
		return errs.NewNetworkError(op, fmt.Sprintf("server error: HTTP %d", status), nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.NewAuthenticationError(op, fmt.Sprintf("HTTP %d", status), nil)
	case status >= 400:
		return errs.NewFlowError(op, fmt.Sprintf("request rejected: HTTP %d", status), nil)
	default:
		return nil
	}
}

// decodeBody decodes JSON bodies, falling back to the raw string.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}

	return decoded
}
