package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidManifest is matched by every ValidationErrors value.
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest is a declared, ordered list of resources plus the variables they
// may reference.
type Manifest struct {
	// Name identifies the manifest in run history. Defaults to the file name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Variables are substituted as ${name} in resource names and attribute
	// values, and passed to templates.
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Resources are converged in declaration order.
	Resources []ResourceConfig `json:"resources" yaml:"resources" validate:"dive"`

	// Source is the path the manifest was loaded from.
	Source string `json:"-" yaml:"-"`
}

// Dir returns the directory containing the manifest, or "." for inline
// manifests.
func (m *Manifest) Dir() string {
	if m.Source == "" {
		return "."
	}
	return filepath.Dir(m.Source)
}

// ResourceConfig is one resource declaration.
type ResourceConfig struct {
	// Kind is the resource kind (package, group, user, remote_file,
	// directory, command, template, service).
	Kind string `json:"kind" yaml:"kind" validate:"required,resource_kind"`

	// Name identifies the resource within its kind.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Action is the desired action. Empty selects the kind's default.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`

	// Attributes are kind-specific scalar settings.
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ID returns the kind-qualified name, e.g. "user[tomcat]".
func (rc ResourceConfig) ID() string {
	return fmt.Sprintf("%s[%s]", rc.Kind, rc.Name)
}

// ValidationError is a single problem found while loading a manifest.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed), when known.
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed), when known.
	Column int `json:"column,omitempty"`

	// Path locates the offending value (e.g., "resources[3].attributes.mode").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a manifest.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	switch len(ve) {
	case 0:
		return ErrInvalidManifest.Error()
	case 1:
		return ErrInvalidManifest.Error() + ": " + ve[0].String()
	}
	lines := make([]string, len(ve))
	for i, e := range ve {
		lines[i] = "  " + e.String()
	}
	return fmt.Sprintf("%s: %d problems:\n%s", ErrInvalidManifest, len(ve), strings.Join(lines, "\n"))
}

// Is reports whether target is ErrInvalidManifest.
func (ve ValidationErrors) Is(target error) bool {
	return target == ErrInvalidManifest
}
