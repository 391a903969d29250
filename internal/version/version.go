// Package version reports the checkerd build version.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/checkerd"

// buildVersion is set via -ldflags "-X pkt.systems/checkerd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return Read().Version
}

// Read collects build information for the running binary.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{Module: defaultModule, GoVersion: runtime.Version()}
	vcs := readVCS(info)
	out.Revision = vcs.revision
	out.Modified = vcs.modified
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = strings.TrimSpace(buildVersion)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSpace(info.Main.Version)
	case vcs.pseudo != "":
		out.Version = vcs.pseudo
	default:
		out.Version = "v0.0.0-unknown"
	}
	out.Version = strings.TrimSuffix(out.Version, "+dirty")
	return out
}

type vcsInfo struct {
	revision string
	modified bool
	pseudo   string
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if info == nil {
		return out
	}
	var vcsTime string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	if out.revision == "" || vcsTime == "" {
		return out
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return out
	}
	rev := out.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out.pseudo = "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	return out
}

// String renders the info for humans.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Module)
	b.WriteString(" ")
	b.WriteString(i.Version)
	if i.Modified {
		b.WriteString(" (modified)")
	}
	b.WriteString(" ")
	b.WriteString(i.GoVersion)
	return b.String()
}
