package runspace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/telnet2/go-practice/go-runspace/engine"
)

// Command is an immutable command body plus the parameters bound to it.
type Command struct {
	body   string
	params map[string]any
}

// NewCommand captures body and a copy of params.
func NewCommand(body string, params map[string]any) Command {
	cmd := Command{body: body}
	if len(params) > 0 {
		cmd.params = make(map[string]any, len(params))
		for k, v := range params {
			cmd.params[k] = v
		}
	}
	return cmd
}

// Body returns the command text as given.
func (c Command) Body() string {
	return c.body
}

// Parameters returns a copy of the bound parameters.
func (c Command) Parameters() map[string]any {
	if len(c.params) == 0 {
		return nil
	}
	out := make(map[string]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// ParameterNames returns the parameter names in sorted order.
func (c Command) ParameterNames() []string {
	names := make([]string, 0, len(c.params))
	for name := range c.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render returns the body prefixed with a declaration of its parameters, so
// the engine rejects the invocation if one of them fails to bind. Without
// parameters the body is returned unchanged.
func (c Command) Render() string {
	if len(c.params) == 0 {
		return c.body
	}
	return "param " + strings.Join(c.ParameterNames(), " ") + "\n" + c.body
}

// Validate checks that every parameter name can be bound by the engine.
func (c Command) Validate() error {
	for _, name := range c.ParameterNames() {
		if !engine.ValidName(name) {
			return fmt.Errorf("%w: invalid parameter name %q", ErrInvalidCommand, name)
		}
	}
	return nil
}
