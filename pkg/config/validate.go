package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/resources"
)

// newValidator returns a validator that reports field paths by their
// manifest names and understands the resource_kind tag.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("resource_kind", func(fl validator.FieldLevel) bool {
		return engine.ResourceKind(fl.Field().String()).Validate() == nil
	})
	return v
}

// Validate checks the manifest structure and every resource's attributes. It
// returns nil when the manifest is valid.
func (l *Loader) Validate(m *Manifest) ValidationErrors {
	var errs ValidationErrors

	if err := l.validator.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return ValidationErrors{{Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	for name, v := range m.Variables {
		if _, err := scalarString(v); err != nil {
			errs = append(errs, ValidationError{Path: "variables." + name, Message: err.Error()})
		}
	}

	for i, rc := range m.Resources {
		path := fmt.Sprintf("resources[%d]", i)
		for _, msg := range l.checkResource(rc) {
			errs = append(errs, ValidationError{Path: path, Message: rc.ID() + ": " + msg})
		}
	}

	return errs
}

// checkResource applies the kind-specific rules that struct tags cannot
// express.
func (l *Loader) checkResource(rc ResourceConfig) []string {
	kind := engine.ResourceKind(rc.Kind)
	if kind.Validate() != nil {
		return nil
	}

	var problems []string
	if rc.Action != "" && !kind.Supports(engine.DesiredAction(rc.Action)) {
		problems = append(problems, fmt.Sprintf("action %q is not valid for %s resources", rc.Action, kind))
	}

	attrs := make(map[string]string, len(rc.Attributes))
	for key, v := range rc.Attributes {
		s, err := attributeString(key, v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("attribute %s: %v", key, err))
			continue
		}
		attrs[key] = s
	}

	// Values that reference variables are checked after substitution.
	literal := func(key string) (string, bool) {
		s, ok := attrs[key]
		return s, ok && s != "" && !strings.Contains(s, "${")
	}

	if s, ok := literal(resources.AttrMode); ok {
		if _, err := resources.ParseMode(s); err != nil {
			problems = append(problems, err.Error())
		}
	}
	for _, key := range []string{resources.AttrRecursive, resources.AttrSystem} {
		if s, ok := literal(key); ok {
			if _, err := strconv.ParseBool(s); err != nil {
				problems = append(problems, fmt.Sprintf("attribute %s must be true or false, got %q", key, s))
			}
		}
	}
	for _, key := range []string{resources.AttrUID, resources.AttrGID} {
		if s, ok := literal(key); ok {
			if err := l.validator.Var(s, "numeric"); err != nil {
				problems = append(problems, fmt.Sprintf("attribute %s must be numeric, got %q", key, s))
			}
		}
	}
	if s, ok := literal(resources.AttrChecksum); ok {
		if err := l.validator.Var(s, "hexadecimal,len=64"); err != nil {
			problems = append(problems, "attribute checksum must be a hex sha256 digest")
		}
	}

	switch kind {
	case engine.KindRemoteFile:
		if attrs[resources.AttrSource] == "" {
			problems = append(problems, "attribute source is required")
		} else if s, ok := literal(resources.AttrSource); ok {
			if err := l.validator.Var(s, "url"); err != nil {
				problems = append(problems, fmt.Sprintf("attribute source must be a URL, got %q", s))
			}
		}
	case engine.KindTemplate:
		if attrs[resources.AttrSource] == "" {
			problems = append(problems, "attribute source is required")
		}
	}

	return problems
}

// fieldPath turns a validator namespace such as "Manifest.resources[2].kind"
// into "resources[2].kind".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "resource_kind":
		return fmt.Sprintf("unknown resource kind %q", fe.Value())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
