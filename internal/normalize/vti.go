package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pkt.systems/checkerd/schema"
)

// vtiNormalizer reads `vti diagnostics` output:
//
//	ERROR src/App.vue:12:5 Property 'foo' does not exist on type 'Bar'.
//
// Indented lines continue the previous message.
type vtiNormalizer struct{}

var vtiRecord = regexp.MustCompile(`^(ERROR|WARN|WARNING|INFO|HINT)\s+(.+?):(\d+):(\d+)\s+(.*)$`)

var vtiNoise = []string{
	"====",
	"Getting Vetur diagnostics",
	"Loading Vetur",
	"Loading vti",
	"Vetur initialized",
	"vti version",
	"VTI version",
	"Vetur diagnostics",
	"Found ",
}

func (vtiNormalizer) Split(output []byte) [][]byte {
	var (
		records [][]byte
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			records = append(records, []byte(strings.Join(current, "\n")))
			current = nil
		}
	}
	for _, line := range splitLines(output) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || vtiIsNoise(trimmed) {
			continue
		}
		if isIndented(line) && len(current) > 0 {
			current = append(current, line)
			continue
		}
		flush()
		current = append(current, line)
	}
	flush()
	return records
}

func (vtiNormalizer) Normalize(native []byte) (schema.Diagnostic, bool) {
	lines := splitLines(native)
	m := vtiRecord.FindStringSubmatch(strings.TrimRight(lines[0], " \t"))
	if m == nil {
		return schema.Diagnostic{}, false
	}
	line, _ := strconv.Atoi(m[3])
	col, _ := strconv.Atoi(m[4])
	d := schema.Diagnostic{
		Severity: schema.SeverityWarning,
		Message:  m[5],
		File:     m[2],
		Line:     line,
		Column:   col,
	}
	if m[1] == "ERROR" {
		d.Severity = schema.SeverityError
	}
	for _, cont := range lines[1:] {
		d.Message += "\n" + strings.TrimPrefix(strings.TrimRight(cont, " \t"), "  ")
	}
	return d, true
}

func (vtiNormalizer) Encode(d schema.Diagnostic) []byte {
	level := "WARN"
	if d.IsError() {
		level = "ERROR"
	}
	msg := strings.ReplaceAll(d.Message, "\n", "\n  ")
	return []byte(fmt.Sprintf("%s %s:%d:%d %s", level, d.File, d.Line, d.Column, msg))
}

func vtiIsNoise(line string) bool {
	for _, prefix := range vtiNoise {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
