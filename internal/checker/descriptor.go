package checker

import (
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/checkerd/schema"
)

// BuildInvocation describes a one-shot check process. File is an optional
// source hint passed as the final argument.
type BuildInvocation struct {
	Kind    schema.CheckerKind `json:"kind"`
	Command string             `json:"command"`
	Args    []string           `json:"args,omitempty"`
	File    string             `json:"file,omitempty"`
	Dir     string             `json:"dir,omitempty"`
}

// Argv returns the arguments including File.
func (b BuildInvocation) Argv() []string {
	args := append([]string(nil), b.Args...)
	if b.File != "" {
		args = append(args, b.File)
	}
	return args
}

// String renders the invocation as a shell-like command line.
func (b BuildInvocation) String() string {
	parts := append([]string{b.Command}, b.Argv()...)
	for i, part := range parts {
		if part == "" || strings.ContainsAny(part, " \t\"'") {
			parts[i] = "'" + strings.ReplaceAll(part, "'", `'\''`) + "'"
		}
	}
	return strings.Join(parts, " ")
}

// DevCommand is the long-running (Watch) or per-root command a worker
// executes in dev mode.
type DevCommand struct {
	Command string
	Args    []string
	Dir     string
	Watch   bool
}

// Build returns the build-mode descriptor for projects rooted at root.
func (c Checker) Build(root string) BuildInvocation {
	dir := resolveDir(root, c.Options.Root)
	inv := BuildInvocation{Kind: c.Kind, Dir: dir}
	switch c.Kind {
	case schema.KindTypeScript:
		inv.Command = localBin(dir, "tsc")
		if c.Options.BuildMode {
			inv.Args = []string{"--build", "--pretty", "false"}
			inv.File = c.Options.TSConfigPath
		} else {
			inv.Args = []string{"--noEmit", "--pretty", "false"}
			if c.Options.TSConfigPath != "" {
				inv.Args = append(inv.Args, "-p")
				inv.File = c.Options.TSConfigPath
			}
		}
	case schema.KindVueTsc:
		inv.Command = localBin(dir, "vue-tsc")
		inv.Args = []string{"--noEmit", "--pretty", "false"}
		if c.Options.TSConfigPath != "" {
			inv.Args = append(inv.Args, "-p")
			inv.File = c.Options.TSConfigPath
		}
	case schema.KindVLS:
		inv.Command = localBin(dir, "vti")
		inv.Args = []string{"diagnostics"}
		if c.Options.Root != "" {
			inv.File = dir
		}
	case schema.KindESLint:
		inv.Command = localBin(dir, c.Options.LintCommand[0])
		inv.Args = withFlag(c.Options.LintCommand[1:], []string{"--format", "-f"}, "--format", "json")
	case schema.KindStylelint:
		inv.Command = localBin(dir, c.Options.LintCommand[0])
		inv.Args = withFlag(c.Options.LintCommand[1:], []string{"--formatter", "-f"}, "--formatter", "json")
	}
	return inv
}

// Dev returns the dev-mode command for root. Type checkers run in watch
// mode; the others run once per root.
func (c Checker) Dev(root string) DevCommand {
	inv := c.Build(root)
	dev := DevCommand{Command: inv.Command, Args: inv.Argv(), Dir: inv.Dir}
	switch c.Kind {
	case schema.KindTypeScript, schema.KindVueTsc:
		dev.Args = append(dev.Args, "--watch", "--preserveWatchOutput")
		dev.Watch = true
	}
	return dev
}

func resolveDir(root, sub string) string {
	switch {
	case sub == "":
		return root
	case filepath.IsAbs(sub):
		return sub
	case root == "":
		return sub
	}
	return filepath.Join(root, sub)
}

// localBin prefers the project's node_modules/.bin copy of a tool.
func localBin(dir, name string) string {
	if dir == "" || strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	candidate := filepath.Join(dir, "node_modules", ".bin", name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return name
}

func withFlag(args []string, names []string, flag, value string) []string {
	out := append([]string(nil), args...)
	for _, arg := range args {
		for _, name := range names {
			if arg == name || strings.HasPrefix(arg, name+"=") {
				return out
			}
		}
	}
	return append(out, flag, value)
}
