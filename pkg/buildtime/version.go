// Package buildtime tells the version this binary is built as.
//
// Set them with
//
//	go build -ldflags "-X github.com/opst/knitlaunch/pkg/buildtime.version=v1.2.3 -X github.com/opst/knitlaunch/pkg/buildtime.revision=$(git rev-parse HEAD)"
package buildtime

import (
	"runtime/debug"
	"strings"
)

var (
	version  = "devel"
	revision = ""
)

func init() {
	version = strings.TrimSpace(version)
	revision = strings.TrimSpace(revision)
	if revision != "" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			revision = s.Value
		}
	}
}

// version string when this binary has been built.
func VERSION() string {
	return version
}

func GIT_REVISION() string {
	return revision
}

func VersionString() string {
	if revision == "" {
		return version
	}
	return version + " (commit: " + revision + ")"
}
