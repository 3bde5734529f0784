package tool

import (
	"errors"
	"slices"
	"strings"
)

// ManifestVersionV1 is the manifest format served at /manifest.json.
const ManifestVersionV1 = "1.0"

// Input field types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Manifest describes a tool to agents.
type Manifest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Version     string      `json:"version"`
	Inputs      []InputSpec `json:"inputs"`
	Output      OutputSpec  `json:"output"`
	Auth        AuthSpec    `json:"auth"`
	Tags        []string    `json:"tags,omitempty"`
}

// InputSpec describes one named input parameter.
type InputSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// OutputSpec describes the result of a tool.
type OutputSpec struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	JSONSchema  map[string]any `json:"json_schema,omitempty"`
}

// AuthSpec is advisory; it is published, not enforced.
type AuthSpec struct {
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Scopes   []string `json:"scopes,omitempty"`
}

// NewManifest returns a manifest with defaults for version and auth.
func NewManifest(name, description string) Manifest {
	return Manifest{
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Inputs:      []InputSpec{},
		Output:      OutputSpec{Type: TypeObject},
		Auth:        AuthSpec{Type: "none"},
	}
}

// Validate reports structural problems with the manifest.
func (m Manifest) Validate() error {
	var errs []error
	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, errors.New("tool: manifest name is required"))
	}
	seen := make(map[string]bool, len(m.Inputs))
	for _, in := range m.Inputs {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			errs = append(errs, errors.New("tool: manifest input name is required"))
			continue
		}
		if seen[name] {
			errs = append(errs, errors.New("tool: duplicate manifest input "+name))
		}
		seen[name] = true
	}
	return errors.Join(errs...)
}

// InputNames returns the declared input names in declaration order.
func (m Manifest) InputNames() []string {
	names := make([]string, 0, len(m.Inputs))
	for _, in := range m.Inputs {
		names = append(names, in.Name)
	}
	return names
}

func (m Manifest) clone() Manifest {
	out := m
	out.Inputs = slices.Clone(m.Inputs)
	out.Tags = slices.Clone(m.Tags)
	out.Auth.Scopes = slices.Clone(m.Auth.Scopes)
	return out
}
