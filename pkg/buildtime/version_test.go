package buildtime_test

import (
	"strings"
	"testing"

	"github.com/opst/knitlaunch/pkg/buildtime"
)

func TestVersionString(t *testing.T) {
	actual := buildtime.VersionString()
	if !strings.HasPrefix(actual, buildtime.VERSION()) {
		t.Errorf("(actual, version) = (%s, %s)", actual, buildtime.VERSION())
	}
	if rev := buildtime.GIT_REVISION(); rev != "" && !strings.Contains(actual, rev) {
		t.Errorf("revision %s is not in %s", rev, actual)
	}
}
