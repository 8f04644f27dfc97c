// Package version reports how the abrengine binary was built.
//
// Release builds set the variables below with ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/abrengine/internal/version.Version=1.2.0 \
//	                   -X github.com/jmylchreest/abrengine/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/abrengine/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Plain `go build` and `go install` leave them unset; Commit and Date are
// then read from the VCS stamp the toolchain embeds.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// ApplicationName also serves as the default HTTP user agent.
const ApplicationName = "abrengine"

// Info is the build description printed by `abrengine version --json`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// GetInfo merges ldflags values with the embedded VCS stamp.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := readBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	return info
}

func (i Info) shortCommit() string {
	c := i.Commit
	if len(c) > 8 {
		c = c[:8]
	}
	if c != "" && i.Modified {
		c += "+dirty"
	}
	return c
}

// String is the one-line form used by `abrengine version`.
func String() string {
	info := GetInfo()
	s := ApplicationName + " " + info.Version
	if c := info.shortCommit(); c != "" {
		s += " (" + c
		if info.Date != "" {
			s += ", " + info.Date
		}
		s += ")"
	}
	return fmt.Sprintf("%s %s %s", s, info.GoVersion, info.Platform)
}

// Short is shown by `abrengine --version`.
func Short() string {
	info := GetInfo()
	if c := info.shortCommit(); c != "" {
		return info.Version + " (" + c + ")"
	}
	return info.Version
}

func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// UserAgent identifies segment requests, e.g. "abrengine/1.2.0 (linux/amd64)".
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s/%s)", ApplicationName, Version, runtime.GOOS, runtime.GOARCH)
}
