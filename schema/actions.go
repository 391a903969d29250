package schema

import (
	"encoding/json"
	"fmt"
)

// ActionType tags a message exchanged over a worker channel.
type ActionType string

const (
	// ActionConfig carries HMR options and the build-tool environment.
	// It is the first action a worker receives and may be resent.
	ActionConfig ActionType = "config"
	// ActionConfigureServer carries the resolved project root.
	ActionConfigureServer ActionType = "configureServer"
	// ActionOverlayError carries one HMR error payload. It is the only
	// action that flows from worker to host.
	ActionOverlayError ActionType = "overlayError"
	// ActionUnref tells the worker the host no longer needs it.
	ActionUnref ActionType = "unref"
)

// Known reports whether t is part of the protocol vocabulary.
func (t ActionType) Known() bool {
	switch t {
	case ActionConfig, ActionConfigureServer, ActionOverlayError, ActionUnref:
		return true
	}
	return false
}

// HostBound reports whether t may be sent by a worker.
func (t ActionType) HostBound() bool {
	return t == ActionOverlayError
}

// Action is the wire envelope. Payload holds the JSON encoding of the
// tag-specific payload and is empty for unref.
type Action struct {
	Type    ActionType      `json:"type" msgpack:"type"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// ConfigEnv describes how the build tool was invoked.
type ConfigEnv struct {
	Mode    string `json:"mode"`
	Command string `json:"command"`
}

// HMROptions are the live-reload connection parameters a worker needs to
// reach the browser overlay.
type HMROptions struct {
	Protocol   string `json:"protocol,omitempty"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	ClientPort int    `json:"clientPort,omitempty"`
	Path       string `json:"path,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`
	Overlay    *bool  `json:"overlay,omitempty"`
}

// OverlayEnabled reports whether the overlay is on. Unset means on.
func (o HMROptions) OverlayEnabled() bool {
	return o.Overlay == nil || *o.Overlay
}

// ConfigPayload is the payload of ActionConfig.
type ConfigPayload struct {
	HMR HMROptions `json:"hmr"`
	Env ConfigEnv  `json:"env"`
}

// ConfigureServerPayload is the payload of ActionConfigureServer.
type ConfigureServerPayload struct {
	Root string `json:"root"`
}

// NewConfigAction builds a config action.
func NewConfigAction(payload ConfigPayload) (Action, error) {
	return newAction(ActionConfig, payload)
}

// NewConfigureServerAction builds a configureServer action.
func NewConfigureServerAction(payload ConfigureServerPayload) (Action, error) {
	return newAction(ActionConfigureServer, payload)
}

// NewOverlayErrorAction builds an overlayError action.
func NewOverlayErrorAction(payload HMRPayload) (Action, error) {
	return newAction(ActionOverlayError, payload)
}

// UnrefAction is the payload-less teardown signal.
func UnrefAction() Action {
	return Action{Type: ActionUnref}
}

func newAction(t ActionType, payload any) (Action, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Action{Type: t, Payload: data}, nil
}

// DecodeConfig decodes the payload of a config action.
func (a Action) DecodeConfig() (ConfigPayload, error) {
	var p ConfigPayload
	return p, a.decode(ActionConfig, &p)
}

// DecodeConfigureServer decodes the payload of a configureServer action.
func (a Action) DecodeConfigureServer() (ConfigureServerPayload, error) {
	var p ConfigureServerPayload
	return p, a.decode(ActionConfigureServer, &p)
}

// DecodeOverlayError decodes the payload of an overlayError action.
func (a Action) DecodeOverlayError() (HMRPayload, error) {
	var p HMRPayload
	return p, a.decode(ActionOverlayError, &p)
}

func (a Action) decode(want ActionType, into any) error {
	if a.Type != want {
		return fmt.Errorf("%w: expected %s action, got %q", ErrProtocol, want, a.Type)
	}
	if len(a.Payload) == 0 {
		return fmt.Errorf("%w: %s action without payload", ErrProtocol, want)
	}
	if err := json.Unmarshal(a.Payload, into); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrProtocol, want, err)
	}
	return nil
}
