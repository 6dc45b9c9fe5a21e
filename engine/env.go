package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/expand"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidName reports whether name can be bound as a shell variable.
func ValidName(name string) bool {
	return identifier.MatchString(name)
}

// EnvironMap implements expand.Environ with a map backend
type EnvironMap struct {
	vars map[string]expand.Variable
}

// NewEnvironMap creates a new environment map from "key=value" pairs
func NewEnvironMap(pairs []string) *EnvironMap {
	env := &EnvironMap{
		vars: make(map[string]expand.Variable),
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if ok && name != "" {
			env.vars[name] = stringVar(value)
		}
	}
	return env
}

func stringVar(value string) expand.Variable {
	return expand.Variable{
		Set:      true,
		Exported: true,
		Kind:     expand.String,
		Str:      value,
	}
}

// Get retrieves a variable by name
func (e *EnvironMap) Get(name string) expand.Variable {
	if v, ok := e.vars[name]; ok {
		return v
	}
	return expand.Variable{}
}

// Each iterates over all variables
func (e *EnvironMap) Each(fn func(name string, vr expand.Variable) bool) {
	for name, vr := range e.vars {
		if !fn(name, vr) {
			break
		}
	}
}

// Set sets a variable
func (e *EnvironMap) Set(name string, vr expand.Variable) {
	e.vars[name] = vr
}

// Unset removes a variable
func (e *EnvironMap) Unset(name string) {
	delete(e.vars, name)
}

// Copy creates a deep copy of the environment map
func (e *EnvironMap) Copy() *EnvironMap {
	newEnv := &EnvironMap{
		vars: make(map[string]expand.Variable, len(e.vars)),
	}
	for name, vr := range e.vars {
		newEnv.vars[name] = vr
	}
	return newEnv
}

// Bind sets every parameter as an exported string variable. Strings are
// bound verbatim, nil as the empty string, anything else as JSON.
func (e *EnvironMap) Bind(params map[string]any) error {
	for name, value := range params {
		if !ValidName(name) {
			return fmt.Errorf("invalid parameter name %q", name)
		}
		str, err := FormatValue(value)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		e.vars[name] = stringVar(str)
	}
	return nil
}

// ToSlice converts the exported variables to sorted "key=value" strings
func (e *EnvironMap) ToSlice() []string {
	var result []string
	for name, vr := range e.vars {
		if vr.Exported {
			result = append(result, name+"="+vr.Str)
		}
	}
	sort.Strings(result)
	return result
}

// FormatValue renders a parameter value the way it is seen by scripts.
func FormatValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
