package common

import (
	"context"
	"errors"

	"github.com/opst/knitlaunch/internal/observability"
	"github.com/opst/knitlaunch/pkg/runqueue"
	rqhttp "github.com/opst/knitlaunch/pkg/runqueue/http"
	"github.com/youta-t/flarc"
	"go.uber.org/zap"
)

type TaskWithCommonFlag[T any] func(
	ctx context.Context,
	logger *zap.Logger,
	commonFlag CommonFlags,
	cl flarc.Commandline[T],
	params []any,
) error

func NewTaskWithCommonFlag[T any](task TaskWithCommonFlag[T]) flarc.Task[T] {
	return func(ctx context.Context, cl flarc.Commandline[T], pos []any) error {
		var commonFlag CommonFlags
		found := false
		newpos := make([]any, 0, len(pos))
		for _, p := range pos {
			switch v := p.(type) {
			case CommonFlags:
				found = true
				commonFlag = v
			default:
				newpos = append(newpos, p)
			}
		}
		if !found {
			return errors.New("programming error: common flags not found")
		}

		logger, err := observability.NewCLILogger(cl.Stderr(), commonFlag.LogLevel)
		if err != nil {
			return errors.Join(flarc.ErrUsage, err)
		}
		defer logger.Sync()

		return task(ctx, logger.Named(cl.Fullname()), commonFlag, cl, newpos)
	}
}

type Task[T any] func(
	ctx context.Context,
	logger *zap.Logger,
	client runqueue.Client,
	cl flarc.Commandline[T],
	params []any,
) error

// NewTask passes a client of the run queue service at --queue-url to the task.
func NewTask[T any](task Task[T]) flarc.Task[T] {
	return NewTaskWithCommonFlag(func(
		ctx context.Context,
		logger *zap.Logger,
		commonFlag CommonFlags,
		cl flarc.Commandline[T],
		params []any,
	) error {
		if commonFlag.QueueURL == "" {
			return errors.Join(flarc.ErrUsage, errors.New("--queue-url is required"))
		}
		opts := []rqhttp.ClientOption{}
		if commonFlag.APIKey != "" {
			opts = append(opts, rqhttp.WithAPIKey(commonFlag.APIKey))
		}
		client := rqhttp.NewClient(commonFlag.QueueURL, opts...)
		return task(ctx, logger, client, cl, params)
	})
}
