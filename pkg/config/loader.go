package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/resources"
)

// Supported manifest formats, selected by file extension.
const (
	FormatYAML     = "yaml"
	FormatJSON     = "json"
	FormatCUE      = "cue"
	FormatStarlark = "starlark"
)

// Loader reads manifests in any supported format and validates them.
type Loader struct {
	cue       *cue.Context
	schema    cue.Value
	starlark  *StarlarkEvaluator
	validator *validator.Validate
}

// NewLoader creates a loader. Starlark manifests are interrupted after
// starlarkTimeout; zero selects 30 seconds.
func NewLoader(starlarkTimeout time.Duration) *Loader {
	ctx := cuecontext.New()
	return &Loader{
		cue:       ctx,
		schema:    ctx.CompileString(manifestSchema, cue.Filename("manifest_schema.cue")),
		starlark:  NewStarlarkEvaluator(starlarkTimeout),
		validator: newValidator(),
	}
}

// FormatOf returns the manifest format for a file name.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	case ".star", ".starlark":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q (want .yaml, .yml, .json, .cue or .star)", filepath.Ext(path))
	}
}

// Load reads, parses and validates the manifest at path.
func (l *Loader) Load(ctx context.Context, path string) (*Manifest, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := l.Parse(ctx, path, format, data)
	if err != nil {
		return nil, err
	}
	m.Source = path
	return m, nil
}

// Parse decodes and validates manifest content. name is used in error
// messages and as the default manifest name.
func (l *Loader) Parse(ctx context.Context, name, format string, data []byte) (*Manifest, error) {
	var (
		m   *Manifest
		err error
	)
	switch format {
	case FormatYAML:
		m, err = decodeYAML(name, data)
	case FormatJSON:
		m, err = decodeJSON(name, data)
	case FormatCUE:
		m, err = l.decodeCUE(name, data)
	case FormatStarlark:
		m, err = l.decodeStarlark(ctx, name, data)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}
	if err != nil {
		return nil, err
	}

	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}

	if errs := l.Validate(m); len(errs) > 0 {
		for i := range errs {
			errs[i].File = name
		}
		return nil, errs
	}

	log.Debug().
		Str("manifest", m.Name).
		Str("format", format).
		Int("resources", len(m.Resources)).
		Msg("manifest loaded")
	return m, nil
}

func decodeYAML(name string, data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}
	for i, node := range yamlModeNodes(&doc) {
		if node == nil || node.Kind != yaml.ScalarNode || node.ShortTag() != "!!int" || isDecimal(node.Value) || i >= len(m.Resources) {
			continue
		}
		if n, ok := integer(m.Resources[i].Attributes[resources.AttrMode]); ok {
			m.Resources[i].Attributes[resources.AttrMode] = octalMode(n)
		}
	}
	return &m, nil
}

// yamlModeNodes returns the attributes.mode value node of every resource,
// indexed like Manifest.Resources. Resources without a mode get nil.
func yamlModeNodes(doc *yaml.Node) []*yaml.Node {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	list := mappingValue(doc.Content[0], "resources")
	if list == nil || list.Kind != yaml.SequenceNode {
		return nil
	}
	nodes := make([]*yaml.Node, len(list.Content))
	for i, item := range list.Content {
		if attrs := mappingValue(item, "attributes"); attrs != nil {
			nodes[i] = mappingValue(attrs, resources.AttrMode)
		}
	}
	return nodes
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// isDecimal reports whether an integer literal is written in plain decimal,
// without a base prefix or leading zero.
func isDecimal(s string) bool {
	s = strings.TrimLeft(s, "+-")
	if s == "0" {
		return true
	}
	if s == "" || s[0] < '1' || s[0] > '9' {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

func decodeJSON(name string, data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}
	return &m, nil
}

// decodeGeneric converts the output of an evaluated manifest (CUE or
// Starlark) into a Manifest through its JSON form. Integer modes there are
// evaluated numbers, written as 0o755, and are rendered as octal strings
// first.
func decodeGeneric(name string, v any) (*Manifest, error) {
	if doc, ok := v.(map[string]any); ok {
		list, _ := doc["resources"].([]any)
		for _, item := range list {
			r, _ := item.(map[string]any)
			attrs, _ := r["attributes"].(map[string]any)
			if n, ok := integer(attrs[resources.AttrMode]); ok {
				attrs[resources.AttrMode] = octalMode(n)
			}
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return decodeJSON(name, data)
}
