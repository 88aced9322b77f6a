package queue

import (
	queue_create "github.com/opst/knitlaunch/cmd/launch/subcommands/queue/create"
	queue_serve "github.com/opst/knitlaunch/cmd/launch/subcommands/queue/serve"
	"github.com/youta-t/flarc"
)

func New() (flarc.Command, error) {
	create, err := queue_create.New()
	if err != nil {
		return nil, err
	}
	serve, err := queue_serve.New()
	if err != nil {
		return nil, err
	}

	return flarc.NewCommandGroup(
		"Manage run queues.",
		struct{}{},
		flarc.WithSubcommand("create", create),
		flarc.WithSubcommand("serve", serve),
	)
}
