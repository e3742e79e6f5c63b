package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtest/flowtest/pkg/errs"
	"github.com/flowtest/flowtest/pkg/models"
)

func graphqlStep(endpoint string) *models.TestStep {
	return &models.TestStep{
		ID:   "step-1",
		Type: models.StepTypeGraphQL,
		GraphQL: &models.GraphQLStepConfig{
			Endpoint:  endpoint,
			Query:     "query { me { id } }",
			Variables: map[string]any{"limit": 10},
		},
	}
}

func TestInvokePostsQuery(t *testing.T) {
	var got graphqlRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"me": map[string]any{"id": "user-1"}},
		})
	}))
	defer server.Close()

	response, err := NewTransport(nil).Invoke(context.Background(), graphqlStep(server.URL))

	require.NoError(t, err)
	assert.Equal(t, "query { me { id } }", got.Query)
	assert.Equal(t, float64(10), got.Variables["limit"])

	data, ok := response.Data.(map[string]any)

	require.True(t, ok)
	assert.Contains(t, data, "me")
}

func TestInvokeSurfacesGraphQLErrorsAsFlowErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"message": "field 'me' not found"}},
		})
	}))
	defer server.Close()

	_, err := NewTransport(nil).Invoke(context.Background(), graphqlStep(server.URL))

	require.Error(t, err)
	assert.Equal(t, errs.KindFlow, errs.KindOf(err))
	assert.Contains(t, err.Error(), "field 'me' not found")
}

func TestInvokeClassifiesHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   errs.Kind
	}{
		{http.StatusInternalServerError, errs.KindNetwork},
		{http.StatusUnauthorized, errs.KindAuthentication},
		{http.StatusForbidden, errs.KindAuthentication},
		{http.StatusBadRequest, errs.KindFlow},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))

		_, err := NewTransport(nil).Invoke(context.Background(), graphqlStep(server.URL))

		require.Error(t, err)
		assert.Equal(t, tt.kind, errs.KindOf(err))

		server.Close()
	}
}

func TestInvokeMissingConfig(t *testing.T) {
	step := &models.TestStep{ID: "step-1", Type: models.StepTypeGraphQL}

	_, err := NewTransport(nil).Invoke(context.Background(), step)

	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}
