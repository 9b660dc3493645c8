// Package formatter renders the tool catalog for the CLI.
package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/toolbridge/internal/session"
)

type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

type ToolFormatter interface {
	FormatTools([]session.ToolDescriptor) (string, error)
	FormatTool(*session.ToolDescriptor) (string, error)
}

func New(format OutputFormat) (ToolFormatter, error) {
	switch format {
	case OutputFormatTable:
		return NewTableFormatter(), nil
	case OutputFormatJSON:
		return NewJSONFormatter(), nil
	case OutputFormatYAML:
		return NewYAMLFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, json, yaml)", format)
	}
}

func ParseOutputFormat(s string) (OutputFormat, error) {
	format := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	switch format {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (supported: table, json, yaml)", s)
	}
}

// argument is one property of a tool's argument schema.
type argument struct {
	Name     string
	Type     string
	Required bool
}

// arguments flattens the top-level properties of an object schema, sorted by
// name. Required arguments are flagged.
func arguments(schema map[string]any) []argument {
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	switch v := schema["required"].(type) {
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range v {
			required[s] = true
		}
	}

	out := make([]argument, 0, len(props))
	for name, raw := range props {
		arg := argument{Name: name, Required: required[name]}
		if p, ok := raw.(map[string]any); ok {
			arg.Type, _ = p["type"].(string)
		}
		out = append(out, arg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a argument) String() string {
	s := a.Name
	if a.Type != "" {
		s += ":" + a.Type
	}
	if a.Required {
		s += "*"
	}
	return s
}
