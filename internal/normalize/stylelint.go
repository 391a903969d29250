package normalize

import (
	"bytes"
	"encoding/json"
	"strings"

	"pkt.systems/checkerd/schema"
)

// stylelintNormalizer reads `stylelint --formatter json` output. Every
// source's warnings are flattened into one record each. Invalid option
// warnings have no location and are reported as errors.
type stylelintNormalizer struct{}

type stylelintSource struct {
	Source                string             `json:"source"`
	Warnings              []json.RawMessage  `json:"warnings"`
	InvalidOptionWarnings []stylelintWarning `json:"invalidOptionWarnings"`
}

type stylelintWarning struct {
	Source    string `json:"source,omitempty"`
	Rule      string `json:"rule,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Text      string `json:"text"`
	Line      int    `json:"line,omitempty"`
	Column    int    `json:"column,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
	EndColumn int    `json:"endColumn,omitempty"`
}

func (stylelintNormalizer) Split(output []byte) [][]byte {
	var sources []stylelintSource
	if err := json.Unmarshal(jsonArray(output), &sources); err != nil {
		return splitNonEmpty(output)
	}
	var records [][]byte
	for _, src := range sources {
		for _, w := range src.InvalidOptionWarnings {
			w.Severity = "error"
			if buf, err := json.Marshal(w); err == nil {
				records = append(records, buf)
			}
		}
		for _, raw := range src.Warnings {
			var w stylelintWarning
			if err := json.Unmarshal(raw, &w); err != nil {
				records = append(records, raw)
				continue
			}
			w.Source = src.Source
			buf, err := json.Marshal(w)
			if err != nil {
				records = append(records, raw)
				continue
			}
			records = append(records, buf)
		}
	}
	return records
}

func isStylelintReport(output []byte) bool {
	if len(bytes.TrimSpace(output)) == 0 {
		return false
	}
	var sources []stylelintSource
	return json.Unmarshal(jsonArray(output), &sources) == nil
}

func (stylelintNormalizer) Normalize(native []byte) (schema.Diagnostic, bool) {
	var w stylelintWarning
	if err := json.Unmarshal(native, &w); err != nil || w.Text == "" {
		return schema.Diagnostic{}, false
	}
	d := schema.Diagnostic{
		Severity:  schema.SeverityError,
		Code:      w.Rule,
		Message:   w.Text,
		File:      w.Source,
		Line:      w.Line,
		Column:    w.Column,
		EndLine:   w.EndLine,
		EndColumn: w.EndColumn,
	}
	if strings.EqualFold(w.Severity, "warning") {
		d.Severity = schema.SeverityWarning
	}
	if w.Rule != "" {
		d.Message = strings.TrimSuffix(w.Text, " ("+w.Rule+")")
	}
	return d, true
}

func (stylelintNormalizer) Encode(d schema.Diagnostic) []byte {
	w := stylelintWarning{
		Source:    d.File,
		Rule:      d.Code,
		Severity:  "warning",
		Text:      d.Message,
		Line:      d.Line,
		Column:    d.Column,
		EndLine:   d.EndLine,
		EndColumn: d.EndColumn,
	}
	if d.IsError() {
		w.Severity = "error"
	}
	if d.Code != "" {
		w.Text += " (" + d.Code + ")"
	}
	buf, _ := json.Marshal(w)
	return buf
}
