package schema

import (
	"fmt"
	"strings"
)

// Severity is the canonical diagnostic severity.
type Severity uint8

const (
	// SeverityError fails builds and opens the overlay.
	SeverityError Severity = iota
	// SeverityWarning is reported but never fails a build.
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "error":
		*s = SeverityError
	case "warning", "warn":
		*s = SeverityWarning
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Diagnostic is the checker-agnostic error/warning shape every normalizer
// produces and every consumer accepts. Lines and columns are 1-based; zero
// means unknown.
type Diagnostic struct {
	Checker   CheckerKind `json:"checker"`
	Severity  Severity    `json:"severity"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message"`
	File      string      `json:"file,omitempty"`
	Line      int         `json:"line,omitempty"`
	Column    int         `json:"column,omitempty"`
	EndLine   int         `json:"endLine,omitempty"`
	EndColumn int         `json:"endColumn,omitempty"`
	CodeFrame string      `json:"codeFrame,omitempty"`
}

// IsError reports whether d fails a build.
func (d Diagnostic) IsError() bool {
	return d.Severity == SeverityError
}

// Location renders file:line:col, omitting unknown parts.
func (d Diagnostic) Location() string {
	if d.File == "" {
		return ""
	}
	if d.Line <= 0 {
		return d.File
	}
	if d.Column <= 0 {
		return fmt.Sprintf("%s:%d", d.File, d.Line)
	}
	return fmt.Sprintf("%s:%d:%d", d.File, d.Line, d.Column)
}

// CountSeverity returns the number of errors and warnings in diags.
func CountSeverity(diags []Diagnostic) (errs, warnings int) {
	for _, d := range diags {
		if d.IsError() {
			errs++
		} else {
			warnings++
		}
	}
	return errs, warnings
}
