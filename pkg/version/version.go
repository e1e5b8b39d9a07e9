// Package version reports build information for the seedkeeper binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

const defaultVersion = "0.1.0-dev"

// Version may be set at link time with
// -ldflags "-X github.com/seedkeeper/seedkeeper/pkg/version.Version=<value>".
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

// Info is the build description served by the API and the version command.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

func init() {
	Version = Get().Version
}

// Get collects build information from the linker override and the embedded build info.
func Get() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}

	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return info
	}
	if bi.GoVersion != "" {
		info.GoVersion = bi.GoVersion
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = strings.TrimSpace(setting.Value)
		case "vcs.time":
			info.BuildTime = strings.TrimSpace(setting.Value)
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}

	if info.Version != "" && info.Version != defaultVersion {
		return info
	}
	if v := moduleVersion(bi.Main.Version); v != "" {
		info.Version = v
		return info
	}
	if info.Revision != "" {
		info.Version = "devel+" + shortRevision(info.Revision, info.Modified)
	}
	return info
}

// String renders the one-line form printed by the CLI.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Version)
	if i.Revision != "" && !strings.Contains(i.Version, shortRevision(i.Revision, false)) {
		b.WriteString(" (")
		b.WriteString(shortRevision(i.Revision, i.Modified))
		b.WriteString(")")
	}
	b.WriteString(" ")
	b.WriteString(i.GoVersion)
	return b.String()
}

func moduleVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "(devel)" {
		return ""
	}
	return v
}

func shortRevision(rev string, modified bool) string {
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if modified {
		rev += "-dirty"
	}
	return rev
}
