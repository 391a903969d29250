// Package normalize converts native checker output into canonical diagnostics.
package normalize

import (
	"bytes"
	"strings"

	"pkt.systems/checkerd/schema"
)

// Normalizer handles the native output format of one checker kind.
type Normalizer interface {
	// Split breaks raw checker output into native records in emission order,
	// dropping progress banners and summaries.
	Split(output []byte) [][]byte
	// Normalize converts one native record. ok is false when the record is
	// not in the expected format.
	Normalize(native []byte) (d schema.Diagnostic, ok bool)
	// Encode renders a canonical diagnostic as a native record.
	Encode(d schema.Diagnostic) []byte
}

var table = [schema.KindCount]Normalizer{
	schema.KindTypeScript: tscNormalizer{},
	schema.KindVueTsc:     tscNormalizer{},
	schema.KindVLS:        vtiNormalizer{},
	schema.KindESLint:     eslintNormalizer{},
	schema.KindStylelint:  stylelintNormalizer{},
}

// For returns the normalizer for kind, or nil for an unknown kind.
func For(kind schema.CheckerKind) Normalizer {
	if !kind.Valid() {
		return nil
	}
	return table[kind]
}

// Normalize converts one native diagnostic. It never fails: records it
// cannot parse become an "unknown error" diagnostic carrying the raw text.
func Normalize(kind schema.CheckerKind, native []byte) (d schema.Diagnostic) {
	defer func() {
		if r := recover(); r != nil {
			d = Unknown(kind, native)
		}
	}()
	n := For(kind)
	if n == nil {
		return Unknown(kind, native)
	}
	parsed, ok := n.Normalize(native)
	if !ok {
		return Unknown(kind, native)
	}
	parsed.Checker = kind
	return parsed
}

// Parse splits output and normalizes every record in order.
func Parse(kind schema.CheckerKind, output []byte) []schema.Diagnostic {
	n := For(kind)
	if n == nil {
		if len(bytes.TrimSpace(output)) == 0 {
			return nil
		}
		return []schema.Diagnostic{Unknown(kind, output)}
	}
	records := n.Split(output)
	out := make([]schema.Diagnostic, 0, len(records))
	for _, rec := range records {
		out = append(out, Normalize(kind, rec))
	}
	return out
}

// ParseOutput parses the streams of a finished run. Stylelint 16 writes its
// JSON report to stderr; stderr is parsed when stdout is empty and stderr
// holds that report.
func ParseOutput(kind schema.CheckerKind, stdout, stderr []byte) []schema.Diagnostic {
	if kind == schema.KindStylelint && len(bytes.TrimSpace(stdout)) == 0 && isStylelintReport(stderr) {
		return Parse(kind, stderr)
	}
	return Parse(kind, stdout)
}

// Encode renders d in the native format of kind.
func Encode(kind schema.CheckerKind, d schema.Diagnostic) []byte {
	n := For(kind)
	if n == nil {
		return []byte(d.Message)
	}
	return n.Encode(d)
}

// Unknown builds the fallback diagnostic for unparseable native output.
func Unknown(kind schema.CheckerKind, native []byte) schema.Diagnostic {
	text := strings.TrimSpace(string(native))
	msg := "unknown error"
	if text != "" {
		msg += ": " + text
	}
	return schema.Diagnostic{
		Checker:  kind,
		Severity: schema.SeverityError,
		Message:  msg,
	}
}

func splitLines(output []byte) []string {
	text := strings.ReplaceAll(string(output), "\r\n", "\n")
	return strings.Split(text, "\n")
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}
