package validation

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Registry holds compiled JSON schemas keyed by name.
type Registry struct {
	schemas map[string]*gojsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles schemaJSON under name. Compilation errors are programming errors and are returned.
func (r *Registry) Register(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}
	r.schemas[name] = schema
	return nil
}

// Has reports whether a schema is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.schemas[name]
	return ok
}

// Validate validates a raw JSON document against the named schema.
func (r *Registry) Validate(name string, document []byte) (*ValidationResult, error) {
	schema, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		// not parseable as JSON
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "(root)",
				Message: err.Error(),
				Code:    "INVALID_JSON",
			}},
		}, nil
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, e := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   e.Field(),
			Message: e.Description(),
			Code:    strings.ToUpper(e.Type()),
		})
	}
	return out, nil
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field || strings.HasPrefix(err.Field, field+".") {
			return true
		}
	}
	return false
}
