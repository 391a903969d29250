package schema

import (
	"fmt"
	"strings"
)

// CheckerKind identifies one of the built-in checkers. The set is closed and
// indexes fixed-size per-kind tables.
type CheckerKind uint8

const (
	// KindTypeScript is the tsc type checker.
	KindTypeScript CheckerKind = iota
	// KindVueTsc is the vue-tsc type checker for single-file components.
	KindVueTsc
	// KindVLS is the Vetur language service template checker.
	KindVLS
	// KindESLint is the ESLint lint checker.
	KindESLint
	// KindStylelint is the Stylelint style checker.
	KindStylelint

	// KindCount is the number of checker kinds.
	KindCount
)

var kindNames = [KindCount]string{
	KindTypeScript: "typescript",
	KindVueTsc:     "vueTsc",
	KindVLS:        "vls",
	KindESLint:     "eslint",
	KindStylelint:  "stylelint",
}

// AllKinds returns every checker kind in table order.
func AllKinds() []CheckerKind {
	out := make([]CheckerKind, 0, KindCount)
	for k := CheckerKind(0); k < KindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Valid reports whether k is a known kind.
func (k CheckerKind) Valid() bool {
	return k < KindCount
}

func (k CheckerKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("checker(%d)", uint8(k))
	}
	return kindNames[k]
}

// ParseCheckerKind resolves a checker name. Matching ignores case so keys
// lower-cased by config loaders still resolve.
func ParseCheckerKind(name string) (CheckerKind, error) {
	trimmed := strings.TrimSpace(name)
	for k, n := range kindNames {
		if strings.EqualFold(n, trimmed) {
			return CheckerKind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownChecker, name)
}

// MarshalText implements encoding.TextMarshaler.
func (k CheckerKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChecker, uint8(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CheckerKind) UnmarshalText(text []byte) error {
	parsed, err := ParseCheckerKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SessionID identifies one dev-server session.
type SessionID string
