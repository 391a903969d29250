package normalize

import (
	"bytes"
	"encoding/json"
	"strings"

	"pkt.systems/checkerd/schema"
)

// eslintNormalizer reads `eslint --format json` output. Each file result is
// flattened into one record per message, carrying the file path.
type eslintNormalizer struct{}

type eslintFileResult struct {
	FilePath string            `json:"filePath"`
	Messages []json.RawMessage `json:"messages"`
}

type eslintRecord struct {
	FilePath  string  `json:"filePath"`
	RuleID    *string `json:"ruleId"`
	Severity  int     `json:"severity"`
	Fatal     bool    `json:"fatal,omitempty"`
	Message   string  `json:"message"`
	Line      int     `json:"line,omitempty"`
	Column    int     `json:"column,omitempty"`
	EndLine   int     `json:"endLine,omitempty"`
	EndColumn int     `json:"endColumn,omitempty"`
}

func (eslintNormalizer) Split(output []byte) [][]byte {
	var results []eslintFileResult
	if err := json.Unmarshal(jsonArray(output), &results); err != nil {
		return splitNonEmpty(output)
	}
	var records [][]byte
	for _, file := range results {
		for _, raw := range file.Messages {
			var rec eslintRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				records = append(records, raw)
				continue
			}
			rec.FilePath = file.FilePath
			buf, err := json.Marshal(rec)
			if err != nil {
				records = append(records, raw)
				continue
			}
			records = append(records, buf)
		}
	}
	return records
}

func (eslintNormalizer) Normalize(native []byte) (schema.Diagnostic, bool) {
	var rec eslintRecord
	if err := json.Unmarshal(native, &rec); err != nil || rec.Message == "" {
		return schema.Diagnostic{}, false
	}
	d := schema.Diagnostic{
		Severity:  schema.SeverityWarning,
		Message:   rec.Message,
		File:      rec.FilePath,
		Line:      rec.Line,
		Column:    rec.Column,
		EndLine:   rec.EndLine,
		EndColumn: rec.EndColumn,
	}
	if rec.Severity >= 2 || rec.Fatal {
		d.Severity = schema.SeverityError
	}
	if rec.RuleID != nil {
		d.Code = *rec.RuleID
	}
	return d, true
}

func (eslintNormalizer) Encode(d schema.Diagnostic) []byte {
	rec := eslintRecord{
		FilePath:  d.File,
		Severity:  1,
		Message:   d.Message,
		Line:      d.Line,
		Column:    d.Column,
		EndLine:   d.EndLine,
		EndColumn: d.EndColumn,
	}
	if d.IsError() {
		rec.Severity = 2
	}
	if d.Code != "" {
		code := d.Code
		rec.RuleID = &code
	}
	buf, _ := json.Marshal(rec)
	return buf
}

// jsonArray trims anything a tool printed around its JSON array report.
func jsonArray(output []byte) []byte {
	start := bytes.IndexByte(output, '[')
	end := bytes.LastIndexByte(output, ']')
	if start < 0 || end < start {
		return output
	}
	return output[start : end+1]
}

func splitNonEmpty(output []byte) [][]byte {
	var records [][]byte
	for _, line := range splitLines(output) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		records = append(records, []byte(line))
	}
	return records
}
