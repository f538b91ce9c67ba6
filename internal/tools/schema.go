package tools

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
)

// ArgError reports one argument that does not fit a tool's schema. It matches
// ErrInvalidArgs under errors.Is.
type ArgError struct {
	Tool    string
	Arg     string
	Problem string
}

func (e *ArgError) Error() string {
	switch {
	case e.Tool != "" && e.Arg != "":
		return fmt.Sprintf("%s: argument %q %s", e.Tool, e.Arg, e.Problem)
	case e.Arg != "":
		return fmt.Sprintf("argument %q %s", e.Arg, e.Problem)
	case e.Tool != "":
		return fmt.Sprintf("%s: %s", e.Tool, e.Problem)
	}
	return e.Problem
}

func (e *ArgError) Is(target error) bool { return target == ErrInvalidArgs }

// argSchema is the part of a JSON schema a tool may declare.
type argSchema struct {
	required []string
	types    map[string]string // "" when a property declares no type
	closed   bool              // additionalProperties: false
}

func compileSchema(raw map[string]any) (argSchema, error) {
	s := argSchema{types: map[string]string{}}
	switch req := raw["required"].(type) {
	case nil:
	case []string:
		s.required = req
	case []any:
		for _, item := range req {
			name, ok := item.(string)
			if !ok {
				return s, &ArgError{Problem: "schema lists a non-string required argument"}
			}
			s.required = append(s.required, name)
		}
	default:
		return s, &ArgError{Problem: "schema required is not a list"}
	}

	props, declared := raw["properties"].(map[string]any)
	for name, p := range props {
		prop, ok := p.(map[string]any)
		if !ok {
			return s, &ArgError{Arg: name, Problem: "has a malformed schema entry"}
		}
		typ, _ := prop["type"].(string)
		if _, present := prop["type"]; present && typ == "" {
			return s, &ArgError{Arg: name, Problem: "has a non-string schema type"}
		}
		s.types[name] = typ
	}

	switch extra := raw["additionalProperties"].(type) {
	case nil:
	case bool:
		s.closed = declared && !extra
	default:
		return s, &ArgError{Problem: "schema additionalProperties is not a bool"}
	}
	return s, nil
}

// ValidateArgs checks args against a tool's declared schema: required names,
// property types and, when additionalProperties is false, unknown names.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	s, err := compileSchema(schema)
	if err != nil {
		return err
	}
	for _, name := range s.required {
		if _, ok := args[name]; !ok {
			return &ArgError{Arg: name, Problem: "is required"}
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		typ, known := s.types[name]
		switch {
		case !known && s.closed:
			return &ArgError{Arg: name, Problem: "is not accepted"}
		case !known || typ == "":
		case !isKind(typ, args[name]):
			return &ArgError{Arg: name, Problem: "must be of type " + typ}
		}
	}
	return nil
}

// CheckArgs validates args against t's schema and names t in any ArgError.
func (t Tool) CheckArgs(args map[string]any) error {
	err := ValidateArgs(t.ArgsSchema, args)
	var ae *ArgError
	if errors.As(err, &ae) {
		ae.Tool = t.Name
	}
	return err
}

var numericKinds = []reflect.Kind{
	reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
	reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
}

// isKind reports whether v fits a JSON schema type name. Unknown type names accept anything.
func isKind(typ string, v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	switch typ {
	case "string":
		return k == reflect.String
	case "boolean":
		return k == reflect.Bool
	case "integer":
		if f, ok := v.(float64); ok {
			return f == math.Trunc(f)
		}
		return slices.Contains(numericKinds, k)
	case "number":
		return k == reflect.Float32 || k == reflect.Float64 || slices.Contains(numericKinds, k)
	case "object":
		return k == reflect.Map
	case "array":
		return k == reflect.Slice || k == reflect.Array
	}
	return true
}
