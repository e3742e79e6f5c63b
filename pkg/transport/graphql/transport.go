// Package graphql implements the GraphQL transport for test steps.
package graphql

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

const op = "graphql.Invoke"

const defaultTimeout = 30 * time.Second

// Transport posts GraphQL queries over HTTP.
type Transport struct {
	client *http.Client
}

// NewTransport creates the GraphQL transport. A nil client gets a default
// one with a 30s timeout.
func NewTransport(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &Transport{client: client}
}

// Type returns the step type this transport serves.
func (t *Transport) Type() models.StepType {
	return models.StepTypeGraphQL
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   any `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Invoke posts the query and surfaces GraphQL errors as flow errors.
// Transport failures and 5xx responses are network errors; 401/403 are
// authentication errors.
func (t *Transport) Invoke(ctx context.Context, step *models.TestStep) (*transport.Response, error) {
	config := step.GraphQL
	if config == nil {
		return nil, errs.NewValidationError(op, "step has no graphql config", nil)
	}

	payload, err := json.Marshal(graphqlRequest{
		Query:     config.Query,
		Variables: config.Variables,
	})
	if err != nil {
		return nil, errs.NewValidationError(op, "failed to encode query", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.NewValidationError(op, "failed to build request", err)
	}

	req.Header.Set("Content-Type", "application/json")

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

	switch {
	case resp.StatusCode >= 500:
		return nil, errs.NewNetworkError(op, fmt.Sprintf("server error: HTTP %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.NewAuthenticationError(op, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, errs.NewFlowError(op, fmt.Sprintf("request rejected: HTTP %d", resp.StatusCode), nil)
	}

	var decoded graphqlResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errs.NewFlowError(op, "failed to decode response", err)
	}

	if len(decoded.Errors) > 0 {
		return nil, errs.NewFlowError(op, fmt.Sprintf("graphql error: %s", decoded.Errors[0].Message), nil)
	}

	return &transport.Response{
		StatusCode: resp.StatusCode,
		Data:       decoded.Data,
	}, nil
}
