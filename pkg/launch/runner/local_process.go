package runner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"go.uber.org/zap"
)

// stopGrace is how long a stopped process has before it is killed.
const stopGrace = 10 * time.Second

// LocalProcess runs projects as child processes of the agent.
type LocalProcess struct {
	Backend
	runner process.Runner
}

var _ Runner = &LocalProcess{}

func NewLocalProcess(b Backend, r process.Runner) *LocalProcess {
	return &LocalProcess{Backend: b, runner: r}
}

func (l *LocalProcess) Type() Type {
	return TypeLocalProcess
}

func (l *LocalProcess) Verify(context.Context) error {
	return nil
}

// Run starts the entry point in the project directory.
//
// image is ignored unless it is a conda environment made by the conda builder.
func (l *LocalProcess) Run(ctx context.Context, p *project.LaunchProject, image string) (SubmittedRun, error) {
	cmd := entryCommand(p)
	if len(cmd) == 0 {
		return nil, xe.NewLaunchError("project %s has no entry point to run", p.TargetProject)
	}
	if prefix, ok := builder.IsCondaEnv(image); ok {
		cmd = append([]string{"conda", "run", "--no-capture-output", "--prefix", prefix}, cmd...)
	}

	env, err := p.EnvVars(l.API, project.MaxEnvLength(string(TypeLocalProcess)))
	if err != nil {
		return nil, xe.Wrap(err)
	}

	if ok, err := l.ack(ctx, p.RunID); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}

	command := process.Command{Name: cmd[0], Args: cmd[1:], Env: envList(env), Dir: p.ProjectDir}
	l.logger().Info(
		"starting local process",
		zap.String("run_id", p.RunID), zap.Strings("command", cmd),
	)
	h, err := l.runner.Start(ctx, command)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return l.settle(ctx, &processRun{handle: h})
}

// envList renders env as KEY=VALUE, sorted by key.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return list
}

// processRun is a run of an OS process, directly or through docker.
type processRun struct {
	handle process.Handle

	// cancelled is set when Cancel is called on a running process.
	cancelled atomic.Bool
}

var _ SubmittedRun = &processRun{}

func (r *processRun) ID() string {
	return strconv.Itoa(r.handle.Pid())
}

// Poll maps the exit code into a state.
//
// A process which exits non-zero after Cancel is Stopped.
func (r *processRun) Poll(context.Context) (Status, error) {
	code, exited := r.handle.ExitCode()
	switch {
	case !exited:
		return Status{State: Running}, nil
	case code == 0:
		return Status{State: Finished}, nil
	case r.cancelled.Load():
		return Status{State: Stopped, Data: map[string]string{"exit_code": strconv.Itoa(code)}}, nil
	default:
		return Status{State: Failed, Data: map[string]string{"exit_code": strconv.Itoa(code)}}, nil
	}
}

func (r *processRun) Wait(ctx context.Context) (bool, error) {
	select {
	case <-r.handle.Done():
	case <-ctx.Done():
		return false, ctx.Err()
	}
	st, err := r.Poll(ctx)
	return st.State == Finished, err
}

func (r *processRun) Cancel(ctx context.Context) error {
	if _, exited := r.handle.ExitCode(); !exited {
		r.cancelled.Store(true)
	}
	return r.handle.Stop(ctx, stopGrace)
}

func (r *processRun) Logs(context.Context) (string, error) {
	return string(r.handle.Output()), nil
}

// Local reports the run is a process of this host.
func (r *processRun) Local() bool {
	return true
}
