package format

import (
	"fmt"
	"strings"

	"pkt.systems/checkerd/internal/buildrun"
	"pkt.systems/checkerd/schema"
)

// PlainRenderer formats build outcomes as plain text lines.
type PlainRenderer struct{}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatOutcome converts a build outcome into user-facing lines.
func (p *PlainRenderer) FormatOutcome(out buildrun.Outcome) []string {
	if out.Skipped {
		return []string{"build checks disabled"}
	}
	lines := []string{}
	for _, res := range out.Results {
		lines = append(lines, p.formatResult(res)...)
	}
	lines = append(lines, summaryLine(out))
	return lines
}

func (p *PlainRenderer) formatResult(res buildrun.Result) []string {
	errs, warnings := res.Counts()
	lines := []string{fmt.Sprintf("%s: %s (%s)", res.Kind, statusLabel(res.Status), countLabel(errs, warnings))}
	if res.Status == buildrun.StatusToolingFailure {
		lines = append(lines, fmt.Sprintf("  $ %s", res.Invocation.String()))
		if res.Error != "" {
			lines = append(lines, "  "+res.Error)
		}
		lines = append(lines, indent(splitLines(res.Stderr), "  ")...)
	}
	for _, d := range res.Diagnostics {
		lines = append(lines, formatDiagnostic(d)...)
	}
	return lines
}

func formatDiagnostic(d schema.Diagnostic) []string {
	head := d.Severity.String()
	if loc := d.Location(); loc != "" {
		head = loc + " " + head
	}
	if d.Code != "" {
		head += " " + d.Code
	}
	msg := splitLines(d.Message)
	if len(msg) == 0 {
		msg = []string{""}
	}
	lines := []string{fmt.Sprintf("  %s: %s", head, msg[0])}
	lines = append(lines, indent(msg[1:], "    ")...)
	lines = append(lines, indent(splitLines(d.CodeFrame), "    ")...)
	return lines
}

func summaryLine(out buildrun.Outcome) string {
	errs, warnings := totals(out)
	verdict := "passed"
	if out.Failed {
		verdict = "failed"
	}
	return fmt.Sprintf("build check %s: %d checkers, %s", verdict, len(out.Results), countLabel(errs, warnings))
}

func totals(out buildrun.Outcome) (errs, warnings int) {
	for _, res := range out.Results {
		e, w := res.Counts()
		errs += e
		warnings += w
	}
	return errs, warnings
}

func statusLabel(status buildrun.Status) string {
	switch status {
	case buildrun.StatusPassed:
		return "passed"
	case buildrun.StatusFindings:
		return "findings"
	case buildrun.StatusToolingFailure:
		return "tooling failure"
	default:
		return string(status)
	}
}

func countLabel(errs, warnings int) string {
	return fmt.Sprintf("%s, %s", plural(errs, "error"), plural(warnings, "warning"))
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func indent(lines []string, prefix string) []string {
	if len(lines) == 0 {
		return nil
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, prefix+line)
	}
	return out
}
