// Package runner submits launch projects to execution backends, and tracks
// submitted runs until they finish.
package runner

import (
	"context"
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/loop"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"go.uber.org/zap"
)

// Type is the name of a backend, as written in `resource` of launch specs.
type Type string

const (
	TypeLocalProcess   Type = "local-process"
	TypeLocalContainer Type = "local-container"
	TypeKubernetes     Type = "kubernetes"
	TypeSagemaker      Type = "sagemaker"
	TypeVertex         Type = "vertex"
	TypeSlurm          Type = "slurm"
)

// State is a state of a submitted run, shared by all backends.
type State string

const (
	Unknown   State = "unknown"
	Starting  State = "starting"
	Running   State = "running"
	Failed    State = "failed"
	Finished  State = "finished"
	Stopping  State = "stopping"
	Stopped   State = "stopped"
	Preempted State = "preempted"
)

// Terminal reports the run does not change its state any more.
func (s State) Terminal() bool {
	switch s {
	case Failed, Finished, Stopped, Preempted:
		return true
	}
	return false
}

type Status struct {
	State State

	// Data is backend specific detail, like native status names.
	Data map[string]string
}

func (s Status) String() string {
	return string(s.State)
}

// SubmittedRun is a handle of a run submitted to a backend.
type SubmittedRun interface {
	// ID is an identifier of the run in the backend.
	ID() string

	// Poll asks the backend for the current status.
	Poll(ctx context.Context) (Status, error)

	// Wait blocks until the run reaches a terminal state.
	//
	// # Returns
	//
	// - bool: true when the run has finished successfully.
	Wait(ctx context.Context) (bool, error)

	// Cancel stops the run and blocks until the backend confirms it.
	//
	// Cancelling a cancelled or terminated run is no-op.
	Cancel(ctx context.Context) error

	// Logs returns what the run has written so far. Backends which cannot
	// read logs return "".
	Logs(ctx context.Context) (string, error)
}

type Runner interface {
	Type() Type

	// Verify checks the runner can reach its backend.
	Verify(ctx context.Context) error

	// Run submits the project with the image (or conda env) built for it.
	//
	// # Returns
	//
	// - SubmittedRun: nil, together with nil error, when the queue item has been
	// claimed by someone else before submission.
	//
	// - error: *LaunchError when the project or resource args are wrong.
	Run(ctx context.Context, p *project.LaunchProject, image string) (SubmittedRun, error)
}

// Backend is what all runners share.
type Backend struct {
	API project.APISettings

	// Ack claims the queue item of the run, right before submission.
	//
	// When it returns an error wrapping runqueue.ErrLeaseLost, the run is not submitted.
	// nil Ack means that the project is not from a queue.
	Ack func(ctx context.Context, runID string) error

	// Synchronous makes Run block until the run reaches a terminal state.
	Synchronous bool

	// PollInterval is the interval of Wait. Default is 5 seconds.
	PollInterval time.Duration

	Logger *zap.Logger
}

func (b Backend) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func (b Backend) interval() time.Duration {
	if b.PollInterval <= 0 {
		return 5 * time.Second
	}
	return b.PollInterval
}

// ack claims the item. false means the item is lost and the run should not be submitted.
func (b Backend) ack(ctx context.Context, runID string) (bool, error) {
	if b.Ack == nil {
		return true, nil
	}
	if err := b.Ack(ctx, runID); err != nil {
		if xe.Is(err, runqueue.ErrLeaseLost) {
			b.logger().Info("queue item is taken by another agent", zap.String("run_id", runID))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// settle waits the run when the backend is synchronous.
func (b Backend) settle(ctx context.Context, run SubmittedRun) (SubmittedRun, error) {
	if !b.Synchronous {
		return run, nil
	}
	if _, err := run.Wait(ctx); err != nil {
		return run, err
	}
	return run, nil
}

// waitTerminal polls the run until it reaches a terminal state.
func waitTerminal(ctx context.Context, run SubmittedRun, interval time.Duration) (Status, error) {
	return loop.Start(
		ctx, Status{State: Unknown},
		func(ctx context.Context, _ Status) (Status, loop.Next) {
			st, err := run.Poll(ctx)
			if err != nil {
				return st, loop.Break(err)
			}
			if st.State.Terminal() {
				return st, loop.Break(nil)
			}
			return st, loop.Continue(interval)
		},
	)
}

func wait(ctx context.Context, run SubmittedRun, interval time.Duration) (bool, error) {
	st, err := waitTerminal(ctx, run, interval)
	if err != nil {
		return false, err
	}
	return st.State == Finished, nil
}

// entryCommand is the command to run the project, with override args.
func entryCommand(p *project.LaunchProject) []string {
	ep := p.EntryPoint()
	if ep == nil {
		return p.OverrideArgs.Flags()
	}
	return ep.ComputeCommand(p.OverrideArgs)
}
