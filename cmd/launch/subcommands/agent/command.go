package agent

import (
	"context"
	"errors"
	"io"

	"github.com/opst/knitlaunch/cmd/launch/subcommands/common"
	"github.com/opst/knitlaunch/internal/observability"
	kagent "github.com/opst/knitlaunch/pkg/configs/agent"
	"github.com/opst/knitlaunch/pkg/utils/filewatch"
	"github.com/youta-t/flarc"
	"go.uber.org/zap"
)

type Flag struct {
	Config     string `flag:"config" alias:"c" help:"path to launch agent config file"`
	Kubeconfig string `flag:"kubeconfig" help:"path to kubeconfig. (env: KUBECONFIG)"`
}

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Run a launch agent.",
		Flag{Config: common.DefaultConfigPath()},
		flarc.Args{},
		common.NewTaskWithCommonFlag(Task()),
		flarc.WithDescription(`
Run a launch agent, which polls run queues and launches runs popped from them.

The agent is configured by a YAML file (--config). For example,

    entity: someone
    queues: [default]
    max_jobs: 2
    queue_service:
      url: http://localhost:8080
    runners:
      local-container: {}

When the config file is modified, the agent restarts with the new config.
Local runs are killed on restart and on exit.

"verbosity" in the config, when it is not 0, overrides --log-level:
negative is warn, and positive is debug.
`),
	)
}

// SetupFunc builds an agent from the config.
type SetupFunc func(ctx context.Context, conf *kagent.AgentConfig, o Options) (Looper, error)

// Looper is what the command runs.
type Looper interface {
	Loop(ctx context.Context) error
}

func setupAgent(ctx context.Context, conf *kagent.AgentConfig, o Options) (Looper, error) {
	a, err := Setup(ctx, conf, o)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func Task() common.TaskWithCommonFlag[Flag] {
	return TaskWith(setupAgent)
}

// TaskWith is Task with a custom setup.
func TaskWith(setup SetupFunc) common.TaskWithCommonFlag[Flag] {
	return func(
		ctx context.Context,
		logger *zap.Logger,
		commonFlag common.CommonFlags,
		cl flarc.Commandline[Flag],
		params []any,
	) error {
		flags := cl.Flags()
		if flags.Config == "" {
			return errors.Join(flarc.ErrUsage, errors.New("--config is required"))
		}

		for {
			restart, err := runOnce(ctx, logger, cl.Stderr(), setup, flags, commonFlag)
			if err != nil || !restart {
				return err
			}
			logger.Info("config is modified. restarting agent", zap.String("config", flags.Config))
		}
	}
}

// runOnce runs an agent until the config changes or ctx is done.
//
// It returns true when the agent should be restarted.
func runOnce(
	ctx context.Context,
	logger *zap.Logger,
	stderr io.Writer,
	setup SetupFunc,
	flags Flag,
	commonFlag common.CommonFlags,
) (bool, error) {
	conf, err := kagent.LoadAgentConfig(flags.Config)
	if err != nil {
		return false, err
	}

	wctx, cancel, err := filewatch.UntilModifyContext(ctx, flags.Config)
	if err != nil {
		return false, err
	}
	defer cancel()

	if conf.Verbosity() != 0 {
		l, err := observability.NewCLILogger(stderr, observability.LevelOfVerbosity(conf.Verbosity()))
		if err != nil {
			return false, err
		}
		logger = l
	}

	ag, err := setup(wctx, conf, Options{
		Kubeconfig: flags.Kubeconfig,
		APIKey:     commonFlag.APIKey,
		Logger:     logger,
	})
	if err != nil {
		return false, err
	}

	err = ag.Loop(wctx)
	if ctx.Err() == nil && filewatch.Modified(wctx) {
		return true, nil
	}
	return false, err
}
