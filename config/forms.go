package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FormDefinition describes one intake form. Schema is an optional inline JSON
// Schema document the payload must satisfy before it is queued.
type FormDefinition struct {
	Name               string `yaml:"name"`
	TargetModule       string `yaml:"target_module"`
	AllowFieldCreation *bool  `yaml:"allow_field_creation"`
	Schema             string `yaml:"schema"`
}

type formsFile struct {
	Forms []FormDefinition `yaml:"forms"`
}

// FormRegistry is read-only after load.
type FormRegistry struct {
	forms         map[string]FormDefinition
	defaultModule string
}

var formNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

func ValidFormName(name string) bool {
	return formNamePattern.MatchString(name)
}

// LoadForms reads the forms YAML at path. An empty path yields an open
// registry that accepts any well-formed form name into defaultModule.
//
// forms:
//   - name: contact
//     target_module: Leads
//     allow_field_creation: false
//     schema: '{"type":"object","required":["email"]}'
func LoadForms(path string, defaultModule string) (*FormRegistry, error) {
	reg := &FormRegistry{forms: map[string]FormDefinition{}, defaultModule: defaultModule}
	if strings.TrimSpace(path) == "" {
		return reg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read forms file: %w", err)
	}
	return ParseForms(raw, defaultModule)
}

func ParseForms(raw []byte, defaultModule string) (*FormRegistry, error) {
	var file formsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse forms file: %w", err)
	}
	reg := &FormRegistry{forms: map[string]FormDefinition{}, defaultModule: defaultModule}
	for _, f := range file.Forms {
		f.Name = strings.TrimSpace(f.Name)
		if !ValidFormName(f.Name) {
			return nil, fmt.Errorf("invalid form name %q", f.Name)
		}
		if _, dup := reg.forms[f.Name]; dup {
			return nil, fmt.Errorf("duplicate form %q", f.Name)
		}
		if strings.TrimSpace(f.TargetModule) == "" {
			f.TargetModule = defaultModule
		}
		reg.forms[f.Name] = f
	}
	if len(file.Forms) == 0 {
		return nil, errors.New("forms file declares no forms")
	}
	return reg, nil
}

// Lookup resolves a form by name. Open registries synthesize a definition
// for any valid name.
func (r *FormRegistry) Lookup(name string) (FormDefinition, bool) {
	if !ValidFormName(name) {
		return FormDefinition{}, false
	}
	if len(r.forms) == 0 {
		return FormDefinition{Name: name, TargetModule: r.defaultModule}, true
	}
	f, ok := r.forms[name]
	return f, ok
}

func (r *FormRegistry) Forms() []FormDefinition {
	out := make([]FormDefinition, 0, len(r.forms))
	for _, f := range r.forms {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FieldCreationAllowed combines the form override with the process flags.
// Strict mode always wins.
func (f FormDefinition) FieldCreationAllowed() bool {
	if StrictFieldMapping() {
		return false
	}
	if f.AllowFieldCreation != nil {
		return *f.AllowFieldCreation
	}
	return AllowFieldCreation()
}
