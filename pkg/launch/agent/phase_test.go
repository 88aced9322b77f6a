package agent_test

import (
	"strings"
	"testing"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/agent"
	"github.com/opst/knitlaunch/pkg/utils/try"
)

func TestPhases(t *testing.T) {
	t.Run("it goes forward step by step", func(t *testing.T) {
		testee := &agent.Phases{}
		if testee.Current() != agent.PhaseNone {
			t.Errorf("initial phase: %s", testee.Current())
		}
		for _, p := range []agent.Phase{
			agent.PhaseInitialize, agent.PhaseBuild, agent.PhaseSubmit, agent.PhaseRun,
		} {
			try.To(0, testee.Transition(p)).OrFatal(t)
			if testee.Current() != p {
				t.Errorf("(actual, expected) = (%s, %s)", testee.Current(), p)
			}
		}
	})

	type When struct {
		before []agent.Phase
		to     agent.Phase
	}
	for name, when := range map[string]When{
		"skipping build": {
			before: []agent.Phase{agent.PhaseInitialize},
			to:     agent.PhaseSubmit,
		},
		"going back": {
			before: []agent.Phase{agent.PhaseInitialize, agent.PhaseBuild},
			to:     agent.PhaseInitialize,
		},
		"staying": {
			before: []agent.Phase{agent.PhaseInitialize},
			to:     agent.PhaseInitialize,
		},
		"starting with run": {
			to: agent.PhaseRun,
		},
		"after run": {
			before: []agent.Phase{agent.PhaseInitialize, agent.PhaseBuild, agent.PhaseSubmit, agent.PhaseRun},
			to:     agent.PhaseInitialize,
		},
	} {
		t.Run("it rejects "+name, func(t *testing.T) {
			testee := &agent.Phases{}
			for _, p := range when.before {
				try.To(0, testee.Transition(p)).OrFatal(t)
			}
			current := testee.Current()

			err := testee.Transition(when.to)
			if !xe.IsLaunchError(err) {
				t.Fatalf("expected LaunchError, but: %v", err)
			}
			if !strings.HasPrefix(err.Error(), "illegal transition from ") {
				t.Errorf("unexpected message: %s", err)
			}
			if testee.Current() != current {
				t.Errorf("phase should not change: (actual, expected) = (%s, %s)", testee.Current(), current)
			}
		})
	}
}
