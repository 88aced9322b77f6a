package agent

import (
	"sync"

	xe "github.com/opst/knitlaunch/pkg/errors"
)

// Phase is a step of launching one queue item.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseInitialize Phase = "initialize"
	PhaseBuild      Phase = "build"
	PhaseSubmit     Phase = "submit"
	PhaseRun        Phase = "run"
)

var nextPhase = map[Phase]Phase{
	PhaseNone:       PhaseInitialize,
	PhaseInitialize: PhaseBuild,
	PhaseBuild:      PhaseSubmit,
	PhaseSubmit:     PhaseRun,
}

// Phases moves forward through initialize, build, submit and run, in this order.
//
// The zero value is before initialize.
type Phases struct {
	mu      sync.Mutex
	current Phase
}

// Transition moves to the phase.
//
// # Returns
//
// - error: *LaunchError when the phase is not the next one of the current.
func (p *Phases) Transition(to Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if next, ok := nextPhase[p.current]; !ok || next != to {
		return xe.NewLaunchError("illegal transition from %s to %s", p.current.name(), to.name())
	}
	p.current = to
	return nil
}

func (p *Phases) Current() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p Phase) name() string {
	if p == PhaseNone {
		return "(none)"
	}
	return string(p)
}
