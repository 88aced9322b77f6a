// Package add builds launch specs and pushes them into run queues.
package add

import (
	"context"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/runqueue"
)

// DefaultQueueProject is the project which holds queues when none is given.
const DefaultQueueProject = "model-registry"

// Options describes what to launch. Fields left zero are taken from Config, if it has them.
type Options struct {
	URI         string
	Job         string
	DockerImage string

	Entity  string
	Project string
	Name    string

	Resource     string
	ResourceArgs map[string]any

	EntryPoint []string
	Args       map[string]any
	RunConfig  map[string]any
	GitVersion string

	RunID   string
	Author  string
	SweepID string

	// Config is a launch spec which the options above are laid over.
	Config map[string]any
}

// ConstructSpec builds a launch spec.
//
// # Returns
//
// - error: *LaunchError when none of uri, job or docker image is given.
func ConstructSpec(o Options) (map[string]any, error) {
	base, err := project.DecodeSpec(o.Config)
	if err != nil {
		return nil, xe.NewLaunchError("malformed launch config: %w", err)
	}
	spec := *base

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&spec.URI, o.URI)
	set(&spec.Job, o.Job)
	set(&spec.Docker.DockerImage, o.DockerImage)
	set(&spec.Entity, o.Entity)
	set(&spec.Project, o.Project)
	set(&spec.Name, o.Name)
	set(&spec.Resource, o.Resource)
	set(&spec.Git.Version, o.GitVersion)
	set(&spec.RunID, o.RunID)
	set(&spec.Author, o.Author)
	set(&spec.SweepID, o.SweepID)

	if spec.URI == "" && spec.Job == "" && spec.Docker.DockerImage == "" {
		return nil, xe.NewLaunchError("launch spec should have one of uri, job or docker image")
	}
	if spec.Resource == "" {
		spec.Resource = "local-container"
	}

	if o.ResourceArgs != nil {
		spec.ResourceArgs = o.ResourceArgs
	}
	if 0 < len(o.EntryPoint) {
		spec.Overrides.EntryPoint = o.EntryPoint
	}
	if o.Args != nil {
		spec.Overrides.Args = project.Args(o.Args)
	}
	if o.RunConfig != nil {
		spec.Overrides.RunConfig = o.RunConfig
	}

	m, err := spec.ToMap()
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return m, nil
}

// QueuedRun is a launch spec waiting in a queue.
type QueuedRun struct {
	Item *runqueue.Item

	Entity       string
	Project      string
	QueueName    string
	ProjectQueue string
}

// Add pushes the launch spec built from the options into the queue.
//
// The queue is looked up under the entity of options and projectQueue.
// An empty projectQueue means DefaultQueueProject.
func Add(ctx context.Context, client runqueue.Client, queue string, projectQueue string, o Options) (*QueuedRun, error) {
	spec, err := ConstructSpec(o)
	if err != nil {
		return nil, err
	}
	if projectQueue == "" {
		projectQueue = DefaultQueueProject
	}
	entity, _ := spec["entity"].(string)
	proj, _ := spec["project"].(string)

	item, err := runqueue.Push(ctx, client, entity, projectQueue, queue, spec)
	if xe.Is(err, runqueue.ErrNotFound) {
		return nil, xe.NewLaunchError("queue %s is not found in %s/%s: %w", queue, entity, projectQueue, err)
	} else if err != nil {
		return nil, xe.WrapWithNote("pushing to queue "+queue, err)
	}

	return &QueuedRun{
		Item:         item,
		Entity:       entity,
		Project:      proj,
		QueueName:    queue,
		ProjectQueue: projectQueue,
	}, nil
}
