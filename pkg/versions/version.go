// Package versions provides build version information for the daemon.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknownStr = "unknown"

var (
	// Version is the release version, injected at build time via ldflags.
	Version = "dev"
	// Commit is the git commit hash, injected at build time via ldflags.
	Commit = unknownStr
	// BuildDate is the RFC 3339 build timestamp, injected at build time.
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information for the running binary.
// Development builds (version "dev") are labeled by their commit hash
// rather than a release tag.
func GetVersionInfo() VersionInfo {
	version := Version
	commit := Commit
	buildDate := BuildDate

	if commit == unknownStr {
		if rev := vcsRevision(); rev != "" {
			commit = rev
		}
	}

	if version == "dev" {
		short := commit
		if len(short) > 8 {
			short = short[:8]
		}
		version = "build-" + short
	}

	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// vcsRevision returns the VCS revision embedded by the Go toolchain, if any.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}
