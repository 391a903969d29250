package schema

// HMRPayloadError is the live-reload message type that opens the overlay.
const HMRPayloadError = "error"

// HMRPayload is the live-reload message shape delivered to the browser.
// Only the error variant is produced here; other fields are additive.
type HMRPayload struct {
	Type string        `json:"type"`
	Err  *ErrorPayload `json:"err,omitempty"`
}

// ErrorPayload is the overlay error body.
type ErrorPayload struct {
	Message    string    `json:"message"`
	Stack      string    `json:"stack"`
	ID         string    `json:"id,omitempty"`
	Frame      string    `json:"frame,omitempty"`
	Plugin     string    `json:"plugin,omitempty"`
	PluginCode string    `json:"pluginCode,omitempty"`
	Loc        *ErrorLoc `json:"loc,omitempty"`
}

// ErrorLoc points the overlay at a source position.
type ErrorLoc struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

const (
	// PluginName identifies overlay payloads produced by checkerd.
	PluginName = "checkerd"
	// PluginCodeEngineFailure marks overlay payloads that report a crashed
	// diagnostic engine rather than a checker finding.
	PluginCodeEngineFailure = "ENGINE_FAILURE"
)
