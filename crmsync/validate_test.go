package crmsync

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/crm"
)

const contactSchema = `{
	"type": "object",
	"required": ["email"],
	"properties": {
		"email": {"type": "string", "minLength": 3},
		"budget": {"type": "number", "minimum": 0}
	}
}`

func TestSchemaValidator(t *testing.T) {
	v, err := NewSchemaValidator([]config.FormDefinition{
		{Name: "contact", Schema: contactSchema},
		{Name: "newsletter"},
	})
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}

	cases := []struct {
		name    string
		form    string
		payload map[string]any
		wantErr string
	}{
		{"valid", "contact", map[string]any{"email": "a@example.com", "budget": json.Number("10")}, ""},
		{"missing required", "contact", map[string]any{"budget": json.Number("10")}, "email"},
		{"below minimum", "contact", map[string]any{"email": "a@example.com", "budget": json.Number("-1")}, "/budget"},
		{"form without schema", "newsletter", map[string]any{"anything": true}, ""},
		{"unknown form", "other", map[string]any{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.form, tc.payload)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *crm.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if !strings.Contains(verr.Message, tc.wantErr) {
				t.Fatalf("message %q does not mention %q", verr.Message, tc.wantErr)
			}
			if crm.Retryable(err) {
				t.Fatalf("schema violations must not be retryable")
			}
		})
	}
}

func TestSchemaValidatorRejectsBrokenSchema(t *testing.T) {
	_, err := NewSchemaValidator([]config.FormDefinition{{Name: "bad", Schema: `{"type": 12}`}})
	if err == nil {
		t.Fatal("expected compile error for invalid schema")
	}
	_, err = NewSchemaValidator([]config.FormDefinition{{Name: "bad", Schema: `{not json`}})
	if err == nil {
		t.Fatal("expected parse error for malformed schema")
	}
}
