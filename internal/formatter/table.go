package formatter

import (
	"strings"

	"github.com/harunnryd/toolbridge/internal/session"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func (f *TableFormatter) FormatTools(tools []session.ToolDescriptor) (string, error) {
	if len(tools) == 0 {
		return "No tools found", nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("Name", "Description", "Arguments")

	for _, tool := range tools {
		args := arguments(tool.ArgumentSchema)
		names := make([]string, len(args))
		for i, a := range args {
			names[i] = a.String()
		}
		t.Row(
			tool.Name,
			truncateString(firstLine(tool.Description), 50),
			truncateString(strings.Join(names, ", "), 40),
		)
	}

	return t.String(), nil
}

func (f *TableFormatter) FormatTool(tool *session.ToolDescriptor) (string, error) {
	if tool == nil {
		return "No tool found", nil
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("Name", tool.Name)
	t.Row("Description", truncateString(tool.Description, 80))
	for _, a := range arguments(tool.ArgumentSchema) {
		t.Row("Argument", a.String())
	}

	return t.String(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
