package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pkt.systems/checkerd/internal/buildrun"
	"pkt.systems/checkerd/schema"
)

var (
	dim     = lipgloss.Color("#6B7280")
	success = lipgloss.Color("#22C55E")
	danger  = lipgloss.Color("#EF4444")
	warning = lipgloss.Color("#F59E0B")
	fg      = lipgloss.Color("#E8E6E3")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(fg)
	dimStyle     = lipgloss.NewStyle().Foreground(dim)
	passStyle    = lipgloss.NewStyle().Foreground(success)
	failStyle    = lipgloss.NewStyle().Foreground(danger)
	warnStyle    = lipgloss.NewStyle().Foreground(warning)
	errorTag     = lipgloss.NewStyle().Foreground(danger).Bold(true)
	warnTag      = lipgloss.NewStyle().Foreground(warning).Bold(true)
	fileStyle    = lipgloss.NewStyle().Foreground(dim).Underline(true)
	summaryStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(dim).Padding(0, 2)
)

// RenderOutcome renders a build outcome as a styled terminal report.
func RenderOutcome(out buildrun.Outcome) string {
	var b strings.Builder
	if out.Skipped {
		b.WriteString(dimStyle.Render("build checks disabled"))
		b.WriteString("\n")
		return b.String()
	}
	for _, res := range out.Results {
		renderResult(&b, res)
	}
	b.WriteString(renderSummary(out))
	b.WriteString("\n")
	return b.String()
}

func renderResult(b *strings.Builder, res buildrun.Result) {
	errs, warnings := res.Counts()
	marker := passStyle.Render("✓")
	switch res.Status {
	case buildrun.StatusFindings:
		marker = failStyle.Render("✗")
	case buildrun.StatusToolingFailure:
		marker = warnStyle.Render("!")
	}
	b.WriteString(fmt.Sprintf("%s %s %s %s\n",
		marker,
		titleStyle.Render(res.Kind.String()),
		statusLabel(res.Status),
		dimStyle.Render(fmt.Sprintf("(%s, %s)", countLabel(errs, warnings), res.Duration.Round(time.Millisecond))),
	))
	if res.Status == buildrun.StatusToolingFailure {
		b.WriteString("  " + dimStyle.Render("$ "+res.Invocation.String()) + "\n")
		if res.Error != "" {
			b.WriteString("  " + failStyle.Render(res.Error) + "\n")
		}
		for _, line := range splitLines(res.Stderr) {
			b.WriteString("  " + dimStyle.Render(line) + "\n")
		}
	}
	for _, d := range res.Diagnostics {
		renderDiagnostic(b, d)
	}
}

func renderDiagnostic(b *strings.Builder, d schema.Diagnostic) {
	tag := warnTag.Render("warning")
	if d.IsError() {
		tag = errorTag.Render("error")
	}
	head := "  " + tag
	if d.Code != "" {
		head += " " + dimStyle.Render(d.Code)
	}
	if loc := d.Location(); loc != "" {
		head += " " + fileStyle.Render(loc)
	}
	b.WriteString(head + "\n")
	for _, line := range splitLines(d.Message) {
		b.WriteString("    " + line + "\n")
	}
	for _, line := range splitLines(d.CodeFrame) {
		b.WriteString("    " + dimStyle.Render(line) + "\n")
	}
}

func renderSummary(out buildrun.Outcome) string {
	errs, warnings := totals(out)
	verdict := passStyle.Bold(true).Render("PASSED")
	if out.Failed {
		verdict = failStyle.Bold(true).Render("FAILED")
	}
	detail := dimStyle.Render(fmt.Sprintf("%d checkers  %s", len(out.Results), countLabel(errs, warnings)))
	return summaryStyle.Render(verdict + "  " + detail)
}
