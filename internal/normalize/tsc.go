package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pkt.systems/checkerd/schema"
)

// tscNormalizer reads `tsc --pretty false` output, which vue-tsc shares:
//
//	src/main.ts(3,7): error TS2322: Type 'string' is not assignable to type 'number'.
//	  Continuation lines are indented.
type tscNormalizer struct{}

var (
	tscLocated   = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): (error|warning|message|suggestion) (TS\d+): (.*)$`)
	tscGlobal    = regexp.MustCompile(`^(error|warning|message) (TS\d+): (.*)$`)
	tscWatchNote = regexp.MustCompile(`^\[?\d{1,2}:\d{2}:\d{2}( [AP]M)?\]? - `)
	tscSummary   = regexp.MustCompile(`^(Found \d+ errors?|Errors\s+Files)`)
)

func (tscNormalizer) Split(output []byte) [][]byte {
	var (
		records [][]byte
		current []string
		summary bool
	)
	flush := func() {
		if len(current) > 0 {
			records = append(records, []byte(strings.Join(current, "\n")))
			current = nil
		}
	}
	for _, line := range splitLines(output) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if tscWatchNote.MatchString(line) || tscSummary.MatchString(line) {
			flush()
			summary = true
			continue
		}
		if isIndented(line) {
			if summary {
				continue
			}
			if len(current) > 0 {
				current = append(current, line)
				continue
			}
		}
		flush()
		summary = false
		current = append(current, line)
	}
	flush()
	return records
}

func (tscNormalizer) Normalize(native []byte) (schema.Diagnostic, bool) {
	lines := splitLines(native)
	if len(lines) == 0 {
		return schema.Diagnostic{}, false
	}
	var d schema.Diagnostic
	head := strings.TrimRight(lines[0], " \t")
	if m := tscLocated.FindStringSubmatch(head); m != nil {
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		d = schema.Diagnostic{
			Severity: tscSeverity(m[4]),
			Code:     m[5],
			Message:  m[6],
			File:     m[1],
			Line:     line,
			Column:   col,
		}
	} else if m := tscGlobal.FindStringSubmatch(head); m != nil {
		d = schema.Diagnostic{
			Severity: tscSeverity(m[1]),
			Code:     m[2],
			Message:  m[3],
		}
	} else {
		return schema.Diagnostic{}, false
	}
	for _, cont := range lines[1:] {
		d.Message += "\n" + strings.TrimPrefix(strings.TrimRight(cont, " \t"), "  ")
	}
	return d, true
}

func (tscNormalizer) Encode(d schema.Diagnostic) []byte {
	sev := "error"
	if d.Severity == schema.SeverityWarning {
		sev = "warning"
	}
	code := d.Code
	if code == "" {
		code = "TS0"
	}
	msg := strings.ReplaceAll(d.Message, "\n", "\n  ")
	if d.File == "" {
		return []byte(fmt.Sprintf("%s %s: %s", sev, code, msg))
	}
	return []byte(fmt.Sprintf("%s(%d,%d): %s %s: %s", d.File, d.Line, d.Column, sev, code, msg))
}

func tscSeverity(category string) schema.Severity {
	if category == "error" {
		return schema.SeverityError
	}
	return schema.SeverityWarning
}

var tscCycleEnd = regexp.MustCompile(`Found \d+ errors?\. Watching for file changes\.\s*$`)

// WatchCycleEnd reports whether line closes one `tsc --watch` check cycle.
func WatchCycleEnd(line string) bool {
	return tscCycleEnd.MatchString(line)
}
