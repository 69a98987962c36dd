package expressions

import (
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// ApplyTemplate substitutes {var} tokens in a comment or preview template
// with values from the dry-run variable scope ({ticketKey}, {subtaskTitle},
// {prevStatus}, ...). Unknown variables resolve to the empty string, and an
// unclosed brace is reported rather than silently emitted.
func ApplyTemplate(template string, vars map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.IndexByte(template[i:], '{')
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+idx])
		start := i + idx + 1

		end := strings.IndexByte(template[start:], '}')
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed { variable reference")
		}
		end += start

		name := strings.TrimSpace(template[start:end])
		out.WriteString(vars[name])
		i = end + 1
	}

	return out.String(), nil
}

// VarsToScope lifts the flat template variables into the condition scope
// shape so guards can reference vars.<name> alongside the entity data.
func VarsToScope(vars map[string]string) map[string]any {
	scope := make(map[string]any, len(vars))
	for k, v := range vars {
		scope[k] = v
	}
	return scope
}
