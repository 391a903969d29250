package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SharedConfig applies to every checker in a session.
type SharedConfig struct {
	// EnableBuild runs the checkers during production builds.
	EnableBuild bool `json:"enableBuild" yaml:"enableBuild"`
	// Overlay delivers errors to the browser overlay during development.
	Overlay bool `json:"overlay" yaml:"overlay"`
}

// DefaultSharedConfig enables build checks and the overlay.
func DefaultSharedConfig() SharedConfig {
	return SharedConfig{EnableBuild: true, Overlay: true}
}

// CheckerMode is the active shape of a CheckerConfig.
type CheckerMode uint8

const (
	// CheckerDisabled is the `false` shape.
	CheckerDisabled CheckerMode = iota
	// CheckerDefaults is the `true` shape.
	CheckerDefaults
	// CheckerOptions is the partial options record shape.
	CheckerOptions
)

func (m CheckerMode) String() string {
	switch m {
	case CheckerDisabled:
		return "disabled"
	case CheckerDefaults:
		return "defaults"
	case CheckerOptions:
		return "options"
	}
	return "unknown"
}

// CheckerConfig is one of `false`, `true`, or a partial options record.
type CheckerConfig struct {
	Mode    CheckerMode
	Options map[string]any
}

// Disabled returns the `false` shape.
func Disabled() CheckerConfig {
	return CheckerConfig{Mode: CheckerDisabled}
}

// EnabledDefaults returns the `true` shape.
func EnabledDefaults() CheckerConfig {
	return CheckerConfig{Mode: CheckerDefaults}
}

// WithOptions returns the options shape. The map is copied.
func WithOptions(opts map[string]any) CheckerConfig {
	copied := make(map[string]any, len(opts))
	for k, v := range opts {
		copied[k] = v
	}
	return CheckerConfig{Mode: CheckerOptions, Options: copied}
}

// Enabled reports whether the checker should run at all.
func (c CheckerConfig) Enabled() bool {
	return c.Mode != CheckerDisabled
}

// CheckerConfigFrom converts a loosely typed config value (as produced by
// YAML, JSON, or viper) into a CheckerConfig. A nil value means the checker
// was not configured and is disabled.
func CheckerConfigFrom(value any) (CheckerConfig, error) {
	switch v := value.(type) {
	case nil:
		return Disabled(), nil
	case bool:
		if v {
			return EnabledDefaults(), nil
		}
		return Disabled(), nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return CheckerConfig{}, fmt.Errorf("%w: expected true, false or an options map, got %q", ErrInvalidConfig, v)
		}
		return CheckerConfigFrom(b)
	case map[string]any:
		return WithOptions(v), nil
	case map[any]any:
		opts := make(map[string]any, len(v))
		for key, val := range v {
			name, ok := key.(string)
			if !ok {
				return CheckerConfig{}, fmt.Errorf("%w: option key %v is not a string", ErrInvalidConfig, key)
			}
			opts[name] = val
		}
		return WithOptions(opts), nil
	default:
		return CheckerConfig{}, fmt.Errorf("%w: expected true, false or an options map, got %T", ErrInvalidConfig, value)
	}
}

// Value returns the loose representation: false, true, or the options map.
func (c CheckerConfig) Value() any {
	switch c.Mode {
	case CheckerDefaults:
		return true
	case CheckerOptions:
		if c.Options == nil {
			return map[string]any{}
		}
		return c.Options
	default:
		return false
	}
}

// UnmarshalJSON accepts a boolean or an object.
func (c *CheckerConfig) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	parsed, err := CheckerConfigFrom(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c CheckerConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value())
}

// PluginConfig is the resolved per-session configuration: shared settings
// plus one CheckerConfig per kind.
type PluginConfig struct {
	Shared   SharedConfig
	Checkers [KindCount]CheckerConfig
}

// DefaultPluginConfig enables nothing but keeps shared defaults.
func DefaultPluginConfig() PluginConfig {
	return PluginConfig{Shared: DefaultSharedConfig()}
}

// Checker returns the configuration for kind.
func (c PluginConfig) Checker(kind CheckerKind) CheckerConfig {
	if !kind.Valid() {
		return Disabled()
	}
	return c.Checkers[kind]
}

// Set replaces the configuration for kind.
func (c *PluginConfig) Set(kind CheckerKind, cfg CheckerConfig) {
	if kind.Valid() {
		c.Checkers[kind] = cfg
	}
}

// EnabledKinds lists the kinds whose configuration is not `false`.
func (c PluginConfig) EnabledKinds() []CheckerKind {
	var out []CheckerKind
	for k := CheckerKind(0); k < KindCount; k++ {
		if c.Checkers[k].Enabled() {
			out = append(out, k)
		}
	}
	return out
}
