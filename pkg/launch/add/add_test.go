package add_test

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/add"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"github.com/opst/knitlaunch/pkg/runqueue/lease"
	"github.com/opst/knitlaunch/pkg/runqueue/memory"
	"github.com/opst/knitlaunch/pkg/utils/try"
)

func TestConstructSpec(t *testing.T) {
	t.Run("options are laid over the config", func(t *testing.T) {
		spec := try.To(add.ConstructSpec(add.Options{
			DockerImage: "test/test:test",
			Project:     "test_project1",
			Entity:      "ent",
			EntryPoint:  []string{"python", "train.py"},
			Args:        map[string]any{"epochs": 3},
			Config: map[string]any{
				"resource":      "kubernetes",
				"project":       "from-config",
				"resource_args": map[string]any{"kubernetes": map[string]any{"namespace": "ml"}},
			},
		})).OrFatal(t)

		decoded := try.To(project.DecodeSpec(spec)).OrFatal(t)
		if decoded.Docker.DockerImage != "test/test:test" || decoded.Project != "test_project1" || decoded.Entity != "ent" {
			t.Errorf("unexpected spec: %+v", decoded)
		}
		if decoded.Resource != "kubernetes" {
			t.Errorf("resource should come from config: %s", decoded.Resource)
		}
		if ns := project.ResourceArgsFor(decoded.ResourceArgs, "kubernetes")["namespace"]; ns != "ml" {
			t.Errorf("resource args: %v", decoded.ResourceArgs)
		}
		if !slices.Equal(decoded.Overrides.EntryPoint, []string{"python", "train.py"}) {
			t.Errorf("entry point: %v", decoded.Overrides.EntryPoint)
		}
		if decoded.Overrides.Args["epochs"] != float64(3) {
			t.Errorf("args: %v", decoded.Overrides.Args)
		}
	})

	t.Run("resource defaults to local-container", func(t *testing.T) {
		spec := try.To(add.ConstructSpec(add.Options{URI: "https://github.com/FooBar/examples.git"})).OrFatal(t)
		if spec["resource"] != "local-container" {
			t.Errorf("resource: %v", spec["resource"])
		}
	})

	t.Run("it needs something to run", func(t *testing.T) {
		_, err := add.ConstructSpec(add.Options{Project: "proj"})
		if !xe.IsLaunchError(err) {
			t.Errorf("expected LaunchError, but: %v", err)
		}
	})
}

// legacyClient is a service which cannot push by name.
type legacyClient struct {
	runqueue.Client
	byName int
	byID   int
}

func (l *legacyClient) Features(ctx context.Context) (runqueue.Features, error) {
	return runqueue.Features{}, nil
}

func (l *legacyClient) PushToRunQueue(ctx context.Context, queueID string, spec map[string]any) (*runqueue.Item, error) {
	l.byID += 1
	return l.Client.PushToRunQueue(ctx, queueID, spec)
}

func (l *legacyClient) PushToRunQueueByName(ctx context.Context, entity, project, queue string, spec map[string]any) (*runqueue.Item, error) {
	l.byName += 1
	return l.Client.PushToRunQueueByName(ctx, entity, project, queue, spec)
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	options := add.Options{
		DockerImage: "test/test:test",
		Entity:      "ent",
		Project:     "test_project1",
		Resource:    "local-process",
		EntryPoint:  []string{"python", "train.py"},
	}

	setup := func(t *testing.T) runqueue.Client {
		store := memory.New(lease.NewIssuer(time.Minute))
		try.To(store.CreateRunQueue(ctx, runqueue.Queue{
			Entity: "ent", Project: add.DefaultQueueProject, Name: "default",
		})).OrFatal(t)
		return store
	}

	t.Run("it pushes the spec, and agents can pop it", func(t *testing.T) {
		store := setup(t)
		queued := try.To(add.Add(ctx, store, "default", "", options)).OrFatal(t)

		if queued.Entity != "ent" || queued.Project != "test_project1" ||
			queued.QueueName != "default" || queued.ProjectQueue != add.DefaultQueueProject {
			t.Errorf("unexpected queued run: %+v", queued)
		}
		if queued.Item.State != runqueue.ItemPending {
			t.Errorf("state: (actual, expected) = (%s, %s)", queued.Item.State, runqueue.ItemPending)
		}

		popped := try.To(store.PopFromRunQueue(ctx, "ent", add.DefaultQueueProject, "default", "agent")).OrFatal(t)
		if popped.ID != queued.Item.ID {
			t.Errorf("popped: (actual, expected) = (%s, %s)", popped.ID, queued.Item.ID)
		}
		if _, ok := popped.RunSpec["job"]; ok {
			t.Errorf("spec should have no job: %v", popped.RunSpec)
		}
		if popped.RunSpec["project"] != "test_project1" {
			t.Errorf("project: %v", popped.RunSpec["project"])
		}
		p := try.To(project.FromSpec(popped.RunSpec)).OrFatal(t)
		if p.Source != project.SourceImage || p.Resource != "local-process" {
			t.Errorf("(source, resource) = (%s, %s)", p.Source, p.Resource)
		}
	})

	t.Run("it looks up the queue on services which cannot push by name", func(t *testing.T) {
		client := &legacyClient{Client: setup(t)}
		try.To(add.Add(ctx, client, "default", add.DefaultQueueProject, options)).OrFatal(t)
		if client.byName != 0 || client.byID != 1 {
			t.Errorf("(by name, by id) = (%d, %d)", client.byName, client.byID)
		}
	})

	t.Run("missing queue is a LaunchError", func(t *testing.T) {
		_, err := add.Add(ctx, setup(t), "nonexistent-queue", "", options)
		if !xe.IsLaunchError(err) || !strings.Contains(err.Error(), "nonexistent-queue") {
			t.Errorf("unexpected error: %v", err)
		}
		if !xe.Is(err, runqueue.ErrNotFound) {
			t.Errorf("cause should be kept: %v", err)
		}
	})
}
