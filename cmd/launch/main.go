package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"

	"github.com/opst/knitlaunch/cmd/launch/subcommands/add"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/agent"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/common"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/queue"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/run"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/version"
	"github.com/opst/knitlaunch/pkg/utils/try"
	"github.com/youta-t/flarc"
)

func main() {
	name := path.Base(os.Args[0])
	logger := log.Default()
	logger.SetPrefix(fmt.Sprintf("[%s] ", name))

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, os.Kill,
	)
	defer cancel()

	launch := try.To(
		flarc.NewCommandGroup(
			"Launch runs on local processes, containers, kubernetes and cloud services.",
			common.Flags(os.Getenv),
			flarc.WithSubcommand("agent", try.To(agent.New()).OrFatal(logger)),
			flarc.WithSubcommand("add", try.To(add.New()).OrFatal(logger)),
			flarc.WithSubcommand("run", try.To(run.New()).OrFatal(logger)),
			flarc.WithSubcommand("queue", try.To(queue.New()).OrFatal(logger)),
			flarc.WithSubcommand("version", try.To(version.New()).OrFatal(logger)),
		),
	).OrFatal(logger)

	os.Exit(flarc.Run(ctx, launch, flarc.WithHelp(true)))
}
