// Package validation validates step responses against JSON schemas.
package validation

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flowtest/flowtest/pkg/errs"
)

// Validate checks the response against the schema. A mismatch is returned
// as a validation error, which the retry policy never retries.
func Validate(response any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(response),
	)
	if err != nil {
		return errs.NewValidationError("validation.Validate", "invalid schema", err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}

	return errs.NewValidationError(
		"validation.Validate",
		fmt.Sprintf("response does not match schema: %s", strings.Join(details, "; ")),
		nil,
	)
}
