package formatter

import (
	"encoding/json"

	"github.com/harunnryd/toolbridge/internal/session"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatTools(tools []session.ToolDescriptor) (string, error) {
	if tools == nil {
		tools = []session.ToolDescriptor{}
	}
	data, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *JSONFormatter) FormatTool(tool *session.ToolDescriptor) (string, error) {
	if tool == nil {
		return "null", nil
	}
	data, err := json.MarshalIndent(tool, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
