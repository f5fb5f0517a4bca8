package config

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/resources"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Descriptors converts the manifest into an ordered descriptor list. Every
// ${name} reference is replaced by the matching variable, and template
// resources receive all variables as var.* attributes unless they set one
// explicitly.
func (m *Manifest) Descriptors() ([]engine.ResourceDescriptor, error) {
	vars, err := m.StringVariables()
	if err != nil {
		return nil, err
	}

	descriptors := make([]engine.ResourceDescriptor, 0, len(m.Resources))
	for i, rc := range m.Resources {
		d, err := rc.descriptor(vars)
		if err != nil {
			return nil, fmt.Errorf("resources[%d] %s: %w", i, rc.ID(), err)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// StringVariables returns the manifest variables rendered as strings.
func (m *Manifest) StringVariables() (map[string]string, error) {
	vars := make(map[string]string, len(m.Variables))
	for name, v := range m.Variables {
		s, err := scalarString(v)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		vars[name] = s
	}
	return vars, nil
}

func (rc ResourceConfig) descriptor(vars map[string]string) (engine.ResourceDescriptor, error) {
	name, err := expand(rc.Name, vars)
	if err != nil {
		return engine.ResourceDescriptor{}, err
	}

	attrs := make(map[string]string, len(rc.Attributes)+len(vars))
	for key, v := range rc.Attributes {
		s, err := attributeString(key, v)
		if err != nil {
			return engine.ResourceDescriptor{}, fmt.Errorf("attribute %s: %w", key, err)
		}
		if attrs[key], err = expand(s, vars); err != nil {
			return engine.ResourceDescriptor{}, fmt.Errorf("attribute %s: %w", key, err)
		}
	}

	if engine.ResourceKind(rc.Kind) == engine.KindTemplate {
		for k, v := range vars {
			key := resources.VarPrefix + k
			if _, ok := attrs[key]; !ok {
				attrs[key] = v
			}
		}
	}

	return engine.NewDescriptor(engine.ResourceKind(rc.Kind), name, engine.DesiredAction(rc.Action), attrs)
}

// expand replaces ${name} references. Unknown names are an error.
func expand(s string, vars map[string]string) (string, error) {
	var missing string
	out := varPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := varPattern.FindStringSubmatch(ref)[1]
		v, ok := vars[name]
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("undefined variable %q", missing)
	}
	return out, nil
}

// attributeString renders an attribute value. An integer mode is read
// digit by digit as octal, so mode: 755 means the same as mode: "755".
// Octal literals (0755, 0o755) are turned into strings by the decoders
// before they get here.
func attributeString(key string, v any) (string, error) {
	if key == resources.AttrMode {
		if n, ok := integer(v); ok {
			bits, err := strconv.ParseUint(strconv.FormatInt(n, 10), 8, 32)
			if err != nil {
				return "", fmt.Errorf("mode %d is not an octal number; quote it, e.g. \"0755\"", n)
			}
			if bits > 0o7777 {
				return "", fmt.Errorf("mode %d out of range", n)
			}
			return fmt.Sprintf("%04o", bits), nil
		}
	}
	return scalarString(v)
}

// octalMode renders an integer mode that was written as an octal literal,
// so its value already is the permission bits.
func octalMode(n int64) string {
	if n < 0 {
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprintf("%04o", n)
}

// scalarString renders a string, boolean or number.
func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return strconv.FormatInt(int64(val), 10), nil
		}
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case json.Number:
		return val.String(), nil
	case nil:
		return "", nil
	}
	if n, ok := integer(v); ok {
		return strconv.FormatInt(n, 10), nil
	}
	return "", fmt.Errorf("must be a string, number or boolean, got %T", v)
}

func integer(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case int32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val), true
		}
	}
	return 0, false
}
