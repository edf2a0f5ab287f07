package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidationError reports a REQ payload that fails a cap's advertised
// JSON Schema.
type SchemaValidationError struct {
	CapUrn  string
	Details string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s: %s", e.CapUrn, e.Details)
}

// ValidateArgument validates value against cap's advertised Schema, if any.
// A cap with no schema always validates.
func ValidateArgument(c Cap, value interface{}) error {
	if len(c.Schema) == 0 {
		return nil
	}

	valueBytes, err := json.Marshal(value)
	if err != nil {
		return &SchemaValidationError{CapUrn: c.Urn.CanonicalString(), Details: fmt.Sprintf("failed to marshal value: %v", err)}
	}

	schemaLoader := gojsonschema.NewBytesLoader([]byte(c.Schema))
	documentLoader := gojsonschema.NewBytesLoader(valueBytes)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaValidationError{CapUrn: c.Urn.CanonicalString(), Details: fmt.Sprintf("schema compilation failed: %v", err)}
	}

	if !result.Valid() {
		var details string
		for _, desc := range result.Errors() {
			details += desc.String() + "; "
		}
		return &SchemaValidationError{CapUrn: c.Urn.CanonicalString(), Details: details}
	}
	return nil
}
