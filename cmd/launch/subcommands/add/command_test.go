package add_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cmdadd "github.com/opst/knitlaunch/cmd/launch/subcommands/add"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/internal/commandline"
	"github.com/opst/knitlaunch/pkg/launch/add"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"github.com/opst/knitlaunch/pkg/runqueue/lease"
	"github.com/opst/knitlaunch/pkg/runqueue/memory"
	kargs "github.com/opst/knitlaunch/pkg/utils/args"
	"github.com/opst/knitlaunch/pkg/utils/try"
	"github.com/youta-t/flarc"
	"go.uber.org/zap"
)

func TestTask(t *testing.T) {
	ctx := context.Background()

	kv := func(t *testing.T, pairs ...string) *kargs.KeyValues {
		ret := new(kargs.KeyValues)
		for _, p := range pairs {
			try.To(0, ret.Set(p)).OrFatal(t)
		}
		return ret
	}

	t.Run("it pushes the launch spec and prints the queued item", func(t *testing.T) {
		store := memory.New(lease.NewIssuer(time.Minute))
		q := try.To(store.CreateRunQueue(ctx, runqueue.Queue{
			Entity: "someone", Project: add.DefaultQueueProject, Name: "gpu",
		})).OrFatal(t)

		dir := t.TempDir()
		resourceArgs := filepath.Join(dir, "resource-args.yaml")
		try.To(0, os.WriteFile(resourceArgs, []byte(`
kubernetes:
  namespace: ml
`), 0o644)).OrFatal(t)

		stdout := new(strings.Builder)
		testee := cmdadd.Task(add.Add)
		err := testee(ctx, zap.NewNop(), store, commandline.MockCommandline[cmdadd.Flag]{
			Fullname_: "launch add",
			Stdout_:   stdout,
			Stderr_:   new(strings.Builder),
			Flags_: cmdadd.Flag{
				URI:          "https://github.com/someone/train.git",
				Entity:       "someone",
				Project:      "experiments",
				Resource:     "kubernetes",
				ResourceArgs: resourceArgs,
				EntryPoint:   "python train.py",
				Args:         kv(t, "lr=0.01"),
				Queue:        "gpu",
				ProjectQueue: add.DefaultQueueProject,
			},
		}, []any{})
		if err != nil {
			t.Fatal(err)
		}

		printed := cmdadd.Queued{}
		try.To(0, json.Unmarshal([]byte(stdout.String()), &printed)).OrFatal(t)
		if printed.Entity != "someone" || printed.Project != "experiments" || printed.Queue != "gpu" {
			t.Errorf("printed: %+v", printed)
		}

		item := try.To(store.PopFromRunQueue(ctx, q.Entity, q.Project, q.Name, "agent")).OrFatal(t)
		if item.ID != printed.ItemID {
			t.Errorf("item id: (actual, expected) = (%s, %s)", item.ID, printed.ItemID)
		}
		spec := item.RunSpec
		if spec["uri"] != "https://github.com/someone/train.git" || spec["resource"] != "kubernetes" {
			t.Errorf("(uri, resource) = (%v, %v)", spec["uri"], spec["resource"])
		}
		ra, _ := spec["resource_args"].(map[string]any)
		k, _ := ra["kubernetes"].(map[string]any)
		if k["namespace"] != "ml" {
			t.Errorf("resource_args: %v", spec["resource_args"])
		}
		overrides, _ := spec["overrides"].(map[string]any)
		args, _ := overrides["args"].(map[string]any)
		if args["lr"] != "0.01" {
			t.Errorf("overrides.args: %v", overrides["args"])
		}
	})

	t.Run("it lays flags over --config", func(t *testing.T) {
		config := filepath.Join(t.TempDir(), "spec.json")
		try.To(0, os.WriteFile(config, []byte(`{"docker": {"docker_image": "train:v1"}, "entity": "someone", "project": "base"}`), 0o644)).OrFatal(t)

		var actual add.Options
		testee := cmdadd.Task(func(_ context.Context, _ runqueue.Client, queue, projectQueue string, o add.Options) (*add.QueuedRun, error) {
			if queue != "default" || projectQueue != "queues" {
				t.Errorf("(queue, projectQueue) = (%s, %s)", queue, projectQueue)
			}
			actual = o
			return &add.QueuedRun{Item: &runqueue.Item{ID: "item-1"}, QueueName: queue}, nil
		})
		err := testee(ctx, zap.NewNop(), nil, commandline.MockCommandline[cmdadd.Flag]{
			Stdout_: new(strings.Builder),
			Stderr_: new(strings.Builder),
			Flags_: cmdadd.Flag{
				Project:      "override",
				Args:         &kargs.KeyValues{},
				Config:       config,
				Queue:        "default",
				ProjectQueue: "queues",
			},
		}, []any{})
		if err != nil {
			t.Fatal(err)
		}
		if actual.Project != "override" || actual.Args != nil {
			t.Errorf("options: %+v", actual)
		}
		if actual.Config["project"] != "base" || actual.Config["entity"] != "someone" {
			t.Errorf("config: %v", actual.Config)
		}
	})

	t.Run("it returns LaunchError when the queue is missing", func(t *testing.T) {
		store := memory.New(lease.NewIssuer(time.Minute))
		testee := cmdadd.Task(add.Add)
		err := testee(ctx, zap.NewNop(), store, commandline.MockCommandline[cmdadd.Flag]{
			Stdout_: new(strings.Builder),
			Stderr_: new(strings.Builder),
			Flags_: cmdadd.Flag{
				DockerImage: "train:v1", Entity: "someone",
				Args: &kargs.KeyValues{}, Queue: "nothing",
			},
		}, []any{})
		if !errors.Is(err, runqueue.ErrNotFound) {
			t.Errorf("expected ErrNotFound, but: %v", err)
		}
	})

	t.Run("it fails when --config is missing", func(t *testing.T) {
		testee := cmdadd.Task(func(context.Context, runqueue.Client, string, string, add.Options) (*add.QueuedRun, error) {
			t.Error("add should not be called")
			return nil, nil
		})
		err := testee(ctx, zap.NewNop(), nil, commandline.MockCommandline[cmdadd.Flag]{
			Flags_: cmdadd.Flag{
				Config: filepath.Join(t.TempDir(), "nothing.yaml"),
				Args:   &kargs.KeyValues{}, Queue: "default",
			},
		}, []any{})
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected ErrNotExist, but: %v", err)
		}
	})

	t.Run("empty --queue is a usage error", func(t *testing.T) {
		testee := cmdadd.Task(add.Add)
		err := testee(ctx, zap.NewNop(), nil, commandline.MockCommandline[cmdadd.Flag]{
			Flags_: cmdadd.Flag{DockerImage: "train:v1", Args: &kargs.KeyValues{}},
		}, []any{})
		if !errors.Is(err, flarc.ErrUsage) {
			t.Errorf("expected ErrUsage, but: %v", err)
		}
	})
}
