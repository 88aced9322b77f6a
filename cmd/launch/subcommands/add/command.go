package add

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opst/knitlaunch/cmd/launch/subcommands/common"
	"github.com/opst/knitlaunch/pkg/launch/add"
	"github.com/opst/knitlaunch/pkg/runqueue"
	kargs "github.com/opst/knitlaunch/pkg/utils/args"
	"github.com/youta-t/flarc"
	"go.uber.org/zap"
)

type Flag struct {
	URI          string           `flag:"uri" alias:"u" metavar:"URI" help:"git repository or local directory of the project to launch."`
	Job          string           `flag:"job" alias:"j" metavar:"ENTITY/PROJECT/JOB:ALIAS" help:"job to launch."`
	DockerImage  string           `flag:"docker-image" alias:"d" metavar:"IMAGE[:TAG]" help:"container image to launch."`
	Entity       string           `flag:"entity" alias:"e" help:"entity of the run and the queue."`
	Project      string           `flag:"project" alias:"p" help:"project of the run."`
	Name         string           `flag:"name" alias:"n" help:"name of the run."`
	Resource     string           `flag:"resource" alias:"r" help:"runner to launch with, like local-container or kubernetes."`
	ResourceArgs string           `flag:"resource-args" alias:"R" metavar:"FILE" help:"JSON or YAML file of arguments for the runner."`
	EntryPoint   string           `flag:"entry-point" alias:"E" metavar:"COMMAND" help:"command to run in place of the entry point of the project."`
	Args         *kargs.KeyValues `flag:"args" alias:"a" metavar:"KEY=VALUE" help:"arguments of the run. Repeatable."`
	Config       string           `flag:"config" alias:"c" metavar:"FILE" help:"JSON or YAML file of a launch spec. Flags are laid over it."`
	Queue        string           `flag:"queue" alias:"q" help:"name of the queue to push into."`
	ProjectQueue string           `flag:"project-queue" help:"project which holds the queue."`
}

// AddFunc pushes a launch spec into the queue.
type AddFunc func(
	ctx context.Context,
	client runqueue.Client,
	queue string,
	projectQueue string,
	o add.Options,
) (*add.QueuedRun, error)

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"Push a launch spec into a run queue.",
		Flag{
			Args:         &kargs.KeyValues{},
			Queue:        "default",
			ProjectQueue: add.DefaultQueueProject,
		},
		flarc.Args{},
		common.NewTask(Task(add.Add)),
		flarc.WithDescription(`
Push a launch spec into a run queue. Agents polling the queue launch it.

One of --uri, --job or --docker-image is required, unless --config has one.

Example
-------

Launching a git repository on kubernetes:

	{{ .Command }} --uri https://github.com/someone/train.git --entity someone --resource kubernetes --queue gpu

Launching a job with arguments:

	{{ .Command }} --job someone/experiments/train:latest --entity someone --args lr=0.01 --args epochs=3
`),
	)
}

// Queued is what is printed when a launch spec is pushed.
type Queued struct {
	ItemID       string `json:"item_id"`
	Entity       string `json:"entity"`
	Project      string `json:"project"`
	Queue        string `json:"queue"`
	ProjectQueue string `json:"project_queue"`
}

func Task(addFn AddFunc) common.Task[Flag] {
	return func(
		ctx context.Context,
		logger *zap.Logger,
		client runqueue.Client,
		cl flarc.Commandline[Flag],
		params []any,
	) error {
		flags := cl.Flags()
		if flags.Queue == "" {
			return errors.Join(flarc.ErrUsage, errors.New("--queue should not be empty"))
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

		queued, err := addFn(ctx, client, flags.Queue, flags.ProjectQueue, o)
		if err != nil {
			return err
		}
		logger.Info("launch spec is queued", zap.String("item_id", queued.Item.ID), zap.String("queue", queued.QueueName))

		enc := json.NewEncoder(cl.Stdout())
		enc.SetIndent("", "    ")
		return enc.Encode(Queued{
			ItemID:       queued.Item.ID,
			Entity:       queued.Entity,
			Project:      queued.Project,
			Queue:        queued.QueueName,
			ProjectQueue: queued.ProjectQueue,
		})
	}
}
