package normalize

import (
	"strings"

	"pkt.systems/checkerd/schema"
)

// ToOverlay builds the live-reload error payload for d.
func ToOverlay(d schema.Diagnostic) schema.HMRPayload {
	msg := strings.TrimSpace(d.Message)
	if d.Code != "" {
		msg = d.Code + ": " + msg
	}
	payload := &schema.ErrorPayload{
		Message:    msg,
		ID:         d.File,
		Frame:      d.CodeFrame,
		Plugin:     schema.PluginName + ":" + d.Checker.String(),
		PluginCode: d.Code,
	}
	if d.File != "" {
		payload.Loc = &schema.ErrorLoc{File: d.File, Line: d.Line, Column: d.Column}
	}
	if loc := d.Location(); loc != "" {
		payload.Stack = "    at " + loc
	}
	return schema.HMRPayload{Type: schema.HMRPayloadError, Err: payload}
}
