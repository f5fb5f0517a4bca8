package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// manifestSchema constrains CUE manifests before they are decoded.
const manifestSchema = `
#Kind: "package" | "group" | "user" | "remote_file" | "directory" | "command" | "template" | "service"

#Resource: {
	kind:        #Kind
	name:        string & !=""
	action?:     string
	attributes?: [string]: string | int | bool
}

#Manifest: {
	name?:      string
	variables?: [string]: string | int | bool | number
	resources:  [...#Resource]
}
`

func (l *Loader) decodeCUE(name string, data []byte) (*Manifest, error) {
	if err := l.schema.Err(); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}

	val := l.cue.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	def := l.schema.LookupPath(cue.ParsePath("#Manifest"))
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var out map[string]any
	if err := unified.Decode(&out); err != nil {
		return nil, convertCUEErrors(err)
	}
	return decodeGeneric(name, out)
}

// convertCUEErrors converts CUE errors, with their positions, to
// ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
