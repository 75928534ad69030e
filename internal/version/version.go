// Package version reports the keyserver build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/keyserver"

// buildVersion is set with -ldflags "-X pkt.systems/keyserver/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Modified bool
}

// Read collects build information. Missing fields are left empty.
func Read() Info {
	info := Info{Module: defaultModule, Version: strings.TrimSpace(buildVersion)}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if path := strings.TrimSpace(bi.Main.Path); path != "" {
		info.Module = path
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.time":
			if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				info.Time = ts.UTC()
			}
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}
	if info.Version == "" {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		}
	}
	return info
}

// Current returns the best available version string.
func Current() string {
	return Read().String()
}

// Module returns the main module path.
func Module() string {
	return Read().Module
}

// String renders the version, deriving a pseudo-version from VCS data when
// no explicit version is known.
func (i Info) String() string {
	if i.Version != "" {
		return i.Version
	}
	if i.Revision == "" || i.Time.IsZero() {
		return "v0.0.0-unknown"
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Modified {
		v += "+dirty"
	}
	return v
}
