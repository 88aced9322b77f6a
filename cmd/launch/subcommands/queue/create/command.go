package create

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opst/knitlaunch/cmd/launch/subcommands/common"
	"github.com/opst/knitlaunch/pkg/launch/add"
	"github.com/opst/knitlaunch/pkg/runqueue"
	kargs "github.com/opst/knitlaunch/pkg/utils/args"
	"github.com/youta-t/flarc"
	"go.uber.org/zap"
)

const ARG_NAME = "NAME"

type Flag struct {
	Entity                string                          `flag:"entity" alias:"e" help:"entity which owns the queue. (required)"`
	Project               string                          `flag:"project" alias:"p" help:"project which holds the queue."`
	Access                *kargs.Adapter[runqueue.Access] `flag:"access" metavar:"PROJECT|USER" help:"who can push into the queue. default is PROJECT."`
	DefaultResourceConfig string                          `flag:"config" alias:"c" metavar:"FILE" help:"JSON or YAML file of the default resource config, keyed by runner."`
}

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Create a run queue.",
		Flag{
			Project: add.DefaultQueueProject,
			Access:  kargs.Parser(runqueue.ParseAccess),
		},
		flarc.Args{
			{
				Name: ARG_NAME, Required: true,
				Help: "name of the queue",
			},
		},
		common.NewTask(Task()),
		flarc.WithDescription(`
Create a run queue.

Agents serve a queue when one of their runners satisfies the default resource
config. Its first key, in sorted order, names the runner. For example,

    kubernetes:
      labels: [a100]
      namespace: ml

Example
-------

	{{ .Command }} --entity someone --config ./gpu.yaml gpu
`),
	)
}

func Task() common.Task[Flag] {
	return func(
		ctx context.Context,
		logger *zap.Logger,
		client runqueue.Client,
		cl flarc.Commandline[Flag],
		params []any,
	) error {
		flags := cl.Flags()
		if flags.Entity == "" {
			return errors.Join(flarc.ErrUsage, errors.New("--entity is required"))
		}

		q := runqueue.Queue{
			Entity:  flags.Entity,
			Project: flags.Project,
			Name:    cl.Args()[ARG_NAME][0],
			Access:  flags.Access.ValueOr(runqueue.AccessProject),
		}
		if flags.DefaultResourceConfig != "" {
			c, err := common.ReadMapFile(flags.DefaultResourceConfig)
			if err != nil {
				return fmt.Errorf("--config: %w", err)
			}
			q.DefaultResourceConfig = c
		}

		created, err := client.CreateRunQueue(ctx, q)
		if errors.Is(err, runqueue.ErrConflict) {
			return fmt.Errorf("queue %s exists already in %s: %w", q.Name, q.Entity, err)
		} else if err != nil {
			return err
		}
		logger.Info("queue is created", zap.String("queue_id", created.ID))

		enc := json.NewEncoder(cl.Stdout())
		enc.SetIndent("", "    ")
		return enc.Encode(created)
	}
}
