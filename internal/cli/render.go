package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"pluginstager/internal/pipeline"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func checkFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

// encode writes v as JSON or YAML.
func encode(w io.Writer, v any, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func renderReport(w io.Writer, report *pipeline.Report, format string) error {
	if format != formatText {
		return encode(w, report, format)
	}
	_, err := io.WriteString(w, reportText(lipgloss.NewRenderer(w), report)+"\n")
	return err
}

// reportText renders the human-readable summary. Colors are dropped when w
// is not a terminal.
func reportText(r *lipgloss.Renderer, report *pipeline.Report) string {
	title := r.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	okStyle := r.NewStyle().Foreground(lipgloss.Color("46"))
	failStyle := r.NewStyle().Foreground(lipgloss.Color("196"))
	dim := r.NewStyle().Foreground(lipgloss.Color("240"))

	stateStyle := okStyle
	if report.State != pipeline.StateDone {
		stateStyle = failStyle
	}

	lines := []string{
		title.Render("plugin-stager run "+report.RunID) + "  " +
			stateStyle.Render(string(report.State)) + "  " +
			dim.Render(report.Duration),
	}

	for _, s := range report.Succeeded {
		note := s.Source
		if !s.Changed {
			note += ", unchanged"
		}
		lines = append(lines, fmt.Sprintf("  %s %s:%s %s %s",
			okStyle.Render("ok"),
			s.Coordinate, s.Version,
			dim.Render("["+s.DestinationClass+"]"),
			dim.Render("("+note+")"),
		))
	}
	for _, f := range report.Failed {
		line := fmt.Sprintf("  %s %s:%s %s %s",
			failStyle.Render("FAIL"),
			f.Coordinate, f.Version,
			dim.Render("["+f.DestinationClass+"]"),
			failStyle.Render(f.Reason),
		)
		if f.Error != "" {
			line += "\n      " + dim.Render(f.Error)
		}
		lines = append(lines, line)
	}
	for _, path := range report.Removed {
		lines = append(lines, "  "+dim.Render("removed "+path))
	}
	if report.Error != "" {
		lines = append(lines, failStyle.Render("error: "+report.Error))
	}

	lines = append(lines, dim.Render(fmt.Sprintf("%d staged, %d failed, %d removed",
		len(report.Succeeded), len(report.Failed), len(report.Removed))))
	return strings.Join(lines, "\n")
}
