package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
	"type": "object",
	"required": ["applicationId"],
	"properties": {
		"applicationId": {"type": "string", "minLength": 1},
		"amount": {"type": "number", "minimum": 0}
	}
}`

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("payment", testSchema))
	assert.True(t, r.Has("payment"))

	tests := []struct {
		name      string
		doc       string
		wantValid bool
		field     string
	}{
		{"valid", `{"applicationId":"app-1","amount":25}`, true, ""},
		{"missing required", `{"amount":25}`, false, ""},
		{"wrong type", `{"applicationId":"app-1","amount":"25"}`, false, "amount"},
		{"negative amount", `{"applicationId":"app-1","amount":-1}`, false, "amount"},
		{"not json", `{"applicationId":`, false, "(root)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := r.Validate("payment", []byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, result.Valid)
			if !tt.wantValid {
				assert.NotEmpty(t, result.Errors)
			}
			if tt.field != "" {
				assert.True(t, result.HasErrors(tt.field), result.GetErrorMessages())
			}
		})
	}
}

func TestRegistry_UnknownSchema(t *testing.T) {
	_, err := NewRegistry().Validate("missing", []byte(`{}`))
	assert.Error(t, err)
}

func TestRegistry_RegisterRejectsBrokenSchema(t *testing.T) {
	err := NewRegistry().Register("broken", `{"type": 12}`)
	assert.Error(t, err)
}
