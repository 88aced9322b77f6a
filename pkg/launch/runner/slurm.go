package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"go.uber.org/zap"
)

// Slurm submits projects as batch scripts with sbatch.
type Slurm struct {
	Backend
	runner process.Runner

	// Options are default #SBATCH options. Resource args override them.
	Options map[string]any
}

var _ Runner = &Slurm{}

func NewSlurm(b Backend, r process.Runner, options map[string]any) *Slurm {
	return &Slurm{Backend: b, runner: r, Options: options}
}

func (s *Slurm) Type() Type {
	return TypeSlurm
}

func (s *Slurm) Verify(context.Context) error {
	for _, cmd := range []string{"sbatch", "squeue", "scancel"} {
		if _, err := s.runner.LookPath(cmd); err != nil {
			return xe.NewLaunchError("%s is not found. slurm runner needs slurm client commands", cmd)
		}
	}
	return nil
}

func (s *Slurm) Run(ctx context.Context, p *project.LaunchProject, image string) (SubmittedRun, error) {
	cmd := entryCommand(p)
	if len(cmd) == 0 {
		return nil, xe.NewLaunchError("project %s has no entry point to run", p.TargetProject)
	}
	if prefix, ok := builder.IsCondaEnv(image); ok {
		cmd = append([]string{"conda", "run", "--no-capture-output", "--prefix", prefix}, cmd...)
	}

	options := map[string]any{}
	for k, v := range s.Options {
		options[k] = v
	}
	for k, v := range project.ResourceArgsFor(p.FillMacros(image), "slurm") {
		options[k] = v
	}

	env, err := p.EnvVars(s.API, project.MaxEnvLength(string(TypeSlurm)))
	if err != nil {
		return nil, xe.Wrap(err)
	}

	dir := p.ProjectDir
	if dir == "" {
		dir = os.TempDir()
	}
	script := filepath.Join(dir, fmt.Sprintf("launch-%s.sbatch", p.RunID))
	output := filepath.Join(dir, fmt.Sprintf("launch-%s.out", p.RunID))
	if err := os.WriteFile(script, []byte(BatchScript(options, env, cmd)), 0o755); err != nil {
		return nil, xe.Wrap(err)
	}

	if ok, err := s.ack(ctx, p.RunID); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}

	out, err := s.runner.Run(ctx, process.Command{
		Name: "sbatch",
		Args: []string{
			"--parsable",
			"--job-name=" + dnsSafeName("launch-"+p.RunID),
			"--chdir=" + dir,
			"--output=" + output,
			script,
		},
		Dir: dir,
	})
	if err != nil {
		return nil, xe.NewLaunchError("sbatch failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	jobID := parseJobID(string(out))
	if jobID == "" {
		return nil, xe.NewLaunchError("sbatch returned no job id: %s", strings.TrimSpace(string(out)))
	}
	s.logger().Info(
		"slurm job is submitted",
		zap.String("run_id", p.RunID), zap.String("job_id", jobID),
	)
	return s.settle(ctx, &slurmRun{runner: s.runner, jobID: jobID, output: output, interval: s.interval()})
}

// BatchScript renders a sbatch script running cmd with env.
//
// Options become `#SBATCH --key=value` lines, sorted by key.
// true makes a flag without value. false and nil are omitted.
func BatchScript(options map[string]any, env map[string]string, cmd []string) string {
	b := new(strings.Builder)
	b.WriteString("#!/bin/bash\n")

	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := options[k].(type) {
		case nil:
		case bool:
			if v {
				fmt.Fprintf(b, "#SBATCH --%s\n", k)
			}
		default:
			fmt.Fprintf(b, "#SBATCH --%s=%v\n", k, v)
		}
	}
	b.WriteString("\n")

	envKeys := make([]string, 0, len(env))
	for k := range env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		fmt.Fprintf(b, "export %s=%s\n", k, shellQuote(env[k]))
	}
	b.WriteString("\n")
	b.WriteString(shellJoin(cmd))
	b.WriteString("\n")
	return b.String()
}

// parseJobID reads `<id>` or `<id>;<cluster>` printed by `sbatch --parsable`.
func parseJobID(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	id, _, _ := strings.Cut(last, ";")
	return id
}

var slurmStates = map[string]State{
	"PENDING":       Starting,
	"CONFIGURING":   Starting,
	"REQUEUED":      Starting,
	"RUNNING":       Running,
	"COMPLETING":    Running,
	"COMPLETED":     Finished,
	"FAILED":        Failed,
	"TIMEOUT":       Failed,
	"NODE_FAIL":     Failed,
	"OUT_OF_MEMORY": Failed,
	"BOOT_FAIL":     Failed,
	"DEADLINE":      Failed,
	"CANCELLED":     Stopped,
	"PREEMPTED":     Preempted,
	"SUSPENDED":     Stopping,
	"STOPPED":       Stopping,
}

type slurmRun struct {
	runner   process.Runner
	jobID    string
	output   string
	interval time.Duration
}

var _ SubmittedRun = &slurmRun{}

func (r *slurmRun) ID() string {
	return r.jobID
}

// Poll asks squeue, then sacct for jobs which squeue has forgotten.
func (r *slurmRun) Poll(ctx context.Context) (Status, error) {
	native := ""
	out, err := r.runner.Run(ctx, process.Command{
		Name: "squeue", Args: []string{"-h", "-j", r.jobID, "-o", "%T"},
	})
	if err == nil {
		native = firstWord(string(out))
	}
	if native == "" {
		out, err = r.runner.Run(ctx, process.Command{
			Name: "sacct", Args: []string{"-n", "-X", "-j", r.jobID, "-o", "State"},
		})
		if err != nil {
			return Status{State: Unknown}, xe.Wrap(err)
		}
		native = firstWord(string(out))
	}

	st, ok := slurmStates[strings.TrimSuffix(native, "+")]
	if !ok {
		st = Unknown
	}
	return Status{State: st, Data: map[string]string{"slurm_state": native}}, nil
}

// "CANCELLED by 1000" is CANCELLED.
func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (r *slurmRun) Wait(ctx context.Context) (bool, error) {
	return wait(ctx, r, r.interval)
}

func (r *slurmRun) Cancel(ctx context.Context) error {
	st, err := r.Poll(ctx)
	if err != nil {
		return err
	}
	if st.State.Terminal() {
		return nil
	}
	if out, err := r.runner.Run(ctx, process.Command{Name: "scancel", Args: []string{r.jobID}}); err != nil {
		return xe.WrapWithNote(strings.TrimSpace(string(out)), err)
	}
	_, err = waitTerminal(ctx, r, r.interval)
	return err
}

func (r *slurmRun) Logs(context.Context) (string, error) {
	b, err := os.ReadFile(r.output)
	if os.IsNotExist(err) {
		return "", nil
	}
	return string(b), err
}
