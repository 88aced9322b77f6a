package observability_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/opst/knitlaunch/internal/observability"
	"github.com/opst/knitlaunch/pkg/utils/try"
	"go.uber.org/zap"
)

func TestNewCLILogger(t *testing.T) {
	t.Run("it drops records below the level", func(t *testing.T) {
		buf := new(bytes.Buffer)
		testee := try.To(observability.NewCLILogger(buf, "warn")).OrFatal(t)

		testee.Info("not shown")
		testee.Warn("queue is not found", zap.String("queue", "gpu"))

		out := buf.String()
		if strings.Contains(out, "not shown") {
			t.Errorf("info record should be dropped: %s", out)
		}
		if !strings.Contains(out, "queue is not found") || !strings.Contains(out, "gpu") {
			t.Errorf("warn record is missing: %s", out)
		}
	})

	t.Run("empty level is info", func(t *testing.T) {
		buf := new(bytes.Buffer)
		testee := try.To(observability.NewCLILogger(buf, "")).OrFatal(t)
		testee.Debug("debug record")
		testee.Info("info record")
		if out := buf.String(); strings.Contains(out, "debug record") || !strings.Contains(out, "info record") {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("unknown level is an error", func(t *testing.T) {
		if _, err := observability.NewCLILogger(new(bytes.Buffer), "chatty"); err == nil {
			t.Error("expected error, but nil")
		}
	})
}

func TestLevelOfVerbosity(t *testing.T) {
	for verbosity, expected := range map[int]string{
		-1: "warn", 0: "info", 1: "debug", 2: "debug",
	} {
		if actual := observability.LevelOfVerbosity(verbosity); actual != expected {
			t.Errorf("verbosity %d: (actual, expected) = (%s, %s)", verbosity, actual, expected)
		}
	}
}
