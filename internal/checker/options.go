package checker

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/shlex"

	"pkt.systems/checkerd/schema"
)

// TypeScriptOptions configures the typescript checker.
type TypeScriptOptions struct {
	TSConfigPath string `mapstructure:"tsconfigPath"`
	Root         string `mapstructure:"root"`
	BuildMode    bool   `mapstructure:"buildMode"`
}

// VueTscOptions configures the vueTsc checker.
type VueTscOptions struct {
	TSConfigPath string `mapstructure:"tsconfigPath"`
	Root         string `mapstructure:"root"`
}

// VLSOptions configures the vls checker.
type VLSOptions struct {
	Root string `mapstructure:"root"`
}

// LintOptions configures eslint and stylelint. LintCommand is required,
// e.g. `eslint "./src/**/*.{ts,tsx}"`.
type LintOptions struct {
	LintCommand string `mapstructure:"lintCommand"`
	Root        string `mapstructure:"root"`
}

// Options is the validated option set of one checker.
type Options struct {
	TSConfigPath string
	Root         string
	BuildMode    bool
	LintCommand  []string
}

// DecodeOptions validates raw userland options for kind. Unknown keys and
// mistyped values are configuration errors.
func DecodeOptions(kind schema.CheckerKind, raw map[string]any) (Options, error) {
	switch kind {
	case schema.KindTypeScript:
		var o TypeScriptOptions
		if err := decodeInto(kind, raw, &o); err != nil {
			return Options{}, err
		}
		return Options{TSConfigPath: o.TSConfigPath, Root: o.Root, BuildMode: o.BuildMode}, nil
	case schema.KindVueTsc:
		var o VueTscOptions
		if err := decodeInto(kind, raw, &o); err != nil {
			return Options{}, err
		}
		return Options{TSConfigPath: o.TSConfigPath, Root: o.Root}, nil
	case schema.KindVLS:
		var o VLSOptions
		if err := decodeInto(kind, raw, &o); err != nil {
			return Options{}, err
		}
		return Options{Root: o.Root}, nil
	case schema.KindESLint, schema.KindStylelint:
		var o LintOptions
		if err := decodeInto(kind, raw, &o); err != nil {
			return Options{}, err
		}
		if strings.TrimSpace(o.LintCommand) == "" {
			return Options{}, fmt.Errorf("%w: %s: lintCommand is required", schema.ErrInvalidConfig, kind)
		}
		argv, err := shlex.Split(o.LintCommand)
		if err != nil {
			return Options{}, fmt.Errorf("%w: %s: lintCommand: %v", schema.ErrInvalidConfig, kind, err)
		}
		if len(argv) == 0 {
			return Options{}, fmt.Errorf("%w: %s: lintCommand is empty", schema.ErrInvalidConfig, kind)
		}
		return Options{Root: o.Root, LintCommand: argv}, nil
	}
	return Options{}, fmt.Errorf("%w: %d", schema.ErrUnknownChecker, kind)
}

func decodeInto(kind schema.CheckerKind, raw map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("%s options decoder: %w", kind, err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %s: %v", schema.ErrInvalidConfig, kind, err)
	}
	return nil
}
