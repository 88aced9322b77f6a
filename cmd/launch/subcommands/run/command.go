package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/opst/knitlaunch/cmd/launch/subcommands/common"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/internal/stack"
	kagent "github.com/opst/knitlaunch/pkg/configs/agent"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/add"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/launch/runner"
	kargs "github.com/opst/knitlaunch/pkg/utils/args"
	"github.com/youta-t/flarc"
	"go.uber.org/zap"
)

type Flag struct {
	URI          string           `flag:"uri" alias:"u" metavar:"URI" help:"git repository or local directory of the project to launch."`
	Job          string           `flag:"job" alias:"j" metavar:"ENTITY/PROJECT/JOB:ALIAS" help:"job to launch."`
	DockerImage  string           `flag:"docker-image" alias:"d" metavar:"IMAGE[:TAG]" help:"container image to launch."`
	Entity       string           `flag:"entity" alias:"e" help:"entity of the run. default is entity in --launch-config."`
	Project      string           `flag:"project" alias:"p" help:"project of the run."`
	Name         string           `flag:"name" alias:"n" help:"name of the run."`
	Resource     string           `flag:"resource" alias:"r" help:"runner to launch with, like local-container or kubernetes."`
	ResourceArgs string           `flag:"resource-args" alias:"R" metavar:"FILE" help:"JSON or YAML file of arguments for the runner."`
	EntryPoint   string           `flag:"entry-point" alias:"E" metavar:"COMMAND" help:"command to run in place of the entry point of the project."`
	Args         *kargs.KeyValues `flag:"args" alias:"a" metavar:"KEY=VALUE" help:"arguments of the run. Repeatable."`
	Config       string           `flag:"config" alias:"c" metavar:"FILE" help:"JSON or YAML file of a launch spec. Flags are laid over it."`
	LaunchConfig string           `flag:"launch-config" metavar:"FILE" help:"agent config to take builder, registry, environment and runners from."`
	Kubeconfig   string           `flag:"kubeconfig" help:"path to kubeconfig. (env: KUBECONFIG)"`
	Async        bool             `flag:"async" help:"exit once the run is submitted, without waiting for it to finish."`
}

// StackLoader builds what launches the run.
type StackLoader func(ctx context.Context, conf *kagent.AgentConfig, o stack.Options) (*stack.Stack, error)

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Launch a run directly, without run queues.",
		Flag{
			Args:         &kargs.KeyValues{},
			LaunchConfig: common.DefaultConfigPath(),
		},
		flarc.Args{},
		common.NewTaskWithCommonFlag(Task(stack.Load)),
		flarc.WithDescription(`
Launch a run directly on this host, without run queues.

The project is fetched, built when it needs an image, and submitted to the runner
of --resource. Builder, registry, environment and runners are configured by
--launch-config, the same file as "launch agent" reads. When the file does not
exist, docker builder and local registry are used.

Unless --async is passed, this command waits for the run to finish.

Example
-------

Running a local directory as a process:

	{{ .Command }} --uri ./train --resource local-process --entry-point "python train.py"
`),
	)
}

// Launched is what is printed when a run is submitted.
type Launched struct {
	RunID     string `json:"run_id"`
	BackendID string `json:"backend_id"`
	Resource  string `json:"resource"`
	Entity    string `json:"entity,omitempty"`
	Project   string `json:"project,omitempty"`
	Image     string `json:"image,omitempty"`

	// State is set when the command waits for the run.
	State string `json:"state,omitempty"`
}

// ErrRunNotFinished is returned when the run waited ends other than finished.
var ErrRunNotFinished = errors.New("run is not finished")

func Task(load StackLoader) common.TaskWithCommonFlag[Flag] {
	return func(
		ctx context.Context,
		logger *zap.Logger,
		commonFlag common.CommonFlags,
		cl flarc.Commandline[Flag],
		params []any,
	) error {
		flags := cl.Flags()

		conf, err := loadConfig(flags.LaunchConfig)
		if err != nil {
			return fmt.Errorf("--launch-config: %w", err)
		}

		o := add.Options{
			URI:         flags.URI,
			Job:         flags.Job,
			DockerImage: flags.DockerImage,
			Entity:      flags.Entity,
			Project:     flags.Project,
			Name:        flags.Name,
			Resource:    flags.Resource,
			EntryPoint:  strings.Fields(flags.EntryPoint),
		}
		if o.Entity == "" {
			o.Entity = conf.Entity()
		}
		if kv := flags.Args.Map(); kv != nil {
			o.Args = map[string]any{}
			for k, v := range kv {
				o.Args[k] = v
			}
		}
		if flags.Config != "" {
			c, err := common.ReadMapFile(flags.Config)
			if err != nil {
				return fmt.Errorf("--config: %w", err)
			}
			o.Config = c
		}
		if flags.ResourceArgs != "" {
			ra, err := common.ReadMapFile(flags.ResourceArgs)
			if err != nil {
				return fmt.Errorf("--resource-args: %w", err)
			}
			o.ResourceArgs = ra
		}

		spec, err := add.ConstructSpec(o)
		if err != nil {
			return errors.Join(flarc.ErrUsage, err)
		}

		st, err := load(ctx, conf, stack.Options{
			Kubeconfig: flags.Kubeconfig,
			APIKey:     commonFlag.APIKey,
			Logger:     logger,
		})
		if err != nil {
			return err
		}

		launched, err := launch(ctx, logger, st, spec, !flags.Async)
		if launched != nil {
			enc := json.NewEncoder(cl.Stdout())
			enc.SetIndent("", "    ")
			if err := enc.Encode(launched); err != nil {
				return err
			}
		}
		return err
	}
}

// loadConfig reads the agent config for direct launches.
//
// A missing file means defaults.
func loadConfig(path string) (*kagent.AgentConfig, error) {
	if path == "" {
		return kagent.UnmarshalDirect(nil)
	}
	conf, err := kagent.LoadDirectConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		return kagent.UnmarshalDirect(nil)
	}
	return conf, err
}

func launch(ctx context.Context, logger *zap.Logger, st *stack.Stack, spec map[string]any, synchronous bool) (*Launched, error) {
	p, err := project.FromSpec(spec, append(st.ProjectOptions, project.WithLogger(logger))...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Cleanup(); err != nil {
			logger.Warn("cleaning up project directory failed", zap.Error(err))
		}
	}()

	if err := p.FetchAndValidate(ctx); err != nil {
		return nil, err
	}

	image, _ := p.ImageURI()
	if builder.Required(p, st.Builder) {
		if st.Builder == nil {
			return nil, xe.NewLaunchError("project %s needs to be built, but no builder is configured", p.TargetProject)
		}
		built, err := st.Builder.Build(ctx, p, p.EntryPoint(), nil)
		if err != nil {
			return nil, err
		}
		image = built
	}

	if st.Monitor != nil {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go st.Monitor.Start(mctx)
	}

	r, err := st.Runners(ctx, p.Resource, runner.Backend{
		API:         st.API,
		Synchronous: synchronous,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Verify(ctx); err != nil {
		return nil, err
	}

	logger.Info("submitting run", zap.String("run_id", p.RunID), zap.String("resource", p.Resource))
	run, err := r.Run(ctx, p, image)
	if err != nil {
		return nil, err
	}

	launched := &Launched{
		RunID:     p.RunID,
		BackendID: run.ID(),
		Resource:  p.Resource,
		Entity:    p.TargetEntity,
		Project:   p.TargetProject,
		Image:     image,
	}
	if !synchronous {
		return launched, nil
	}

	status, err := run.Poll(ctx)
	if err != nil {
		return launched, err
	}
	launched.State = string(status.State)
	if status.State != runner.Finished {
		return launched, fmt.Errorf("%w: run %s is %s", ErrRunNotFinished, p.RunID, status.State)
	}
	return launched, nil
}
