package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtest/flowtest/pkg/errs"
)

func userSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":   map[string]any{"type": "string"},
			"age":  map[string]any{"type": "number"},
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"id", "name"},
	}
}

func TestValidateMatchingResponse(t *testing.T) {
	response := map[string]any{"id": "user-1", "name": "Ada", "age": 36}

	assert.NoError(t, Validate(response, userSchema()))
}

func TestValidateMissingRequiredField(t *testing.T) {
	response := map[string]any{"id": "user-1"}

	err := Validate(response, userSchema())

	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "name")
}

func TestValidateWrongFieldType(t *testing.T) {
	response := map[string]any{"id": "user-1", "name": "Ada", "age": "old"}

	err := Validate(response, userSchema())

	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestValidateEmptySchemaAlwaysPasses(t *testing.T) {
	assert.NoError(t, Validate(map[string]any{"anything": true}, nil))
	assert.NoError(t, Validate(nil, map[string]any{}))
}

func TestValidateFailureIsNotRetryable(t *testing.T) {
	err := Validate(map[string]any{}, userSchema())

	require.Error(t, err)
	assert.False(t, errs.Retryable(err))
}
