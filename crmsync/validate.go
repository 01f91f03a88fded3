package crmsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// PayloadValidator checks a decoded payload against its form's rules.
type PayloadValidator interface {
	Validate(formName string, payload map[string]any) error
}

// SchemaValidator holds the compiled JSON Schema of every form that
// declares one. Forms without a schema accept any object.
type SchemaValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles all form schemas up front so a broken schema
// fails at startup rather than on the first submission.
func NewSchemaValidator(forms []config.FormDefinition) (*SchemaValidator, error) {
	v := &SchemaValidator{schemas: map[string]*jsonschema.Schema{}}
	compiler := jsonschema.NewCompiler()
	for _, f := range forms {
		if strings.TrimSpace(f.Schema) == "" {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(f.Schema))
		if err != nil {
			return nil, fmt.Errorf("form %s: parse schema: %w", f.Name, err)
		}
		url := "mem://forms/" + f.Name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("form %s: add schema: %w", f.Name, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("form %s: compile schema: %w", f.Name, err)
		}
		v.schemas[f.Name] = sch
	}
	return v, nil
}

func (v *SchemaValidator) Validate(formName string, payload map[string]any) error {
	sch, ok := v.schemas[formName]
	if !ok {
		return nil
	}
	err := sch.Validate(payload)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return &crm.ValidationError{Message: "payload does not match form schema: " + flatten(verr)}
	}
	return &crm.ValidationError{Message: err.Error()}
}

// flatten renders the leaf causes as "path: message" pairs.
func flatten(verr *jsonschema.ValidationError) string {
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			parts = append(parts, "/"+strings.Join(e.InstanceLocation, "/")+": "+e.ErrorKind.LocalizedString(printer))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(parts, "; ")
}
