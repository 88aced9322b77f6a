package runner_test

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/runner"
	"github.com/opst/knitlaunch/pkg/utils/try"
	"google.golang.org/protobuf/proto"
)

type fakeVertex struct {
	mu        sync.Mutex
	created   []*aiplatformpb.CreateCustomJobRequest
	cancelled []string
	state     aiplatformpb.JobState
}

func (f *fakeVertex) CreateCustomJob(ctx context.Context, req *aiplatformpb.CreateCustomJobRequest) (*aiplatformpb.CustomJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	job := proto.Clone(req.CustomJob).(*aiplatformpb.CustomJob)
	job.Name = req.Parent + "/customJobs/1"
	return job, nil
}

func (f *fakeVertex) GetCustomJob(ctx context.Context, req *aiplatformpb.GetCustomJobRequest) (*aiplatformpb.CustomJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &aiplatformpb.CustomJob{Name: req.Name, State: f.state}, nil
}

func (f *fakeVertex) CancelCustomJob(ctx context.Context, req *aiplatformpb.CancelCustomJobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, req.Name)
	f.state = aiplatformpb.JobState_JOB_STATE_CANCELLED
	return nil
}

func vertexArgs() map[string]any {
	return map[string]any{
		"spec": map[string]any{
			"worker_pool_specs": []any{
				map[string]any{
					"machine_spec":  map[string]any{"machine_type": "n1-standard-4"},
					"replica_count": 1,
				},
				map[string]any{
					"machine_spec":   map[string]any{"machine_type": "n1-standard-4"},
					"replica_count":  2,
					"container_spec": map[string]any{"image_uri": "gcr.io/proj/worker:1"},
				},
			},
			"staging_bucket": "gs://bucket/staging",
		},
		"run": map[string]any{
			"labels": map[string]any{"team": "ml"},
		},
	}
}

func TestVertexCustomJob(t *testing.T) {
	env := map[string]string{"WANDB_RUN_ID": "abc123"}

	t.Run("it fills worker pools", func(t *testing.T) {
		p := newProject(t, nil)
		job := try.To(runner.VertexCustomJob(vertexArgs(), p, "gcr.io/proj/launch:abc", env)).OrFatal(t)

		if job.DisplayName != "abc123" {
			t.Errorf("display name: %s", job.DisplayName)
		}
		if job.Labels["wandb-run-id"] != "abc123" || job.Labels["team"] != "ml" {
			t.Errorf("labels: %v", job.Labels)
		}
		spec := job.GetJobSpec()
		if spec.GetBaseOutputDirectory().GetOutputUriPrefix() != "gs://bucket/staging" {
			t.Errorf("base output directory: %v", spec.GetBaseOutputDirectory())
		}
		pools := spec.GetWorkerPoolSpecs()
		if len(pools) != 2 {
			t.Fatalf("worker pools: %v", pools)
		}

		first := pools[0].GetContainerSpec()
		if first.GetImageUri() != "gcr.io/proj/launch:abc" {
			t.Errorf("image: %s", first.GetImageUri())
		}
		if !slices.Equal(first.GetCommand(), []string{"python", "train.py"}) ||
			!slices.Equal(first.GetArgs(), []string{"--lr", "0.1"}) {
			t.Errorf("(command, args) = (%v, %v)", first.GetCommand(), first.GetArgs())
		}
		if envs := first.GetEnv(); len(envs) != 1 || envs[0].GetName() != "WANDB_RUN_ID" || envs[0].GetValue() != "abc123" {
			t.Errorf("env: %v", envs)
		}
		if pools[0].GetMachineSpec().GetMachineType() != "n1-standard-4" || pools[0].GetReplicaCount() != 1 {
			t.Errorf("first pool: %v", pools[0])
		}

		second := pools[1].GetContainerSpec()
		if second.GetImageUri() != "gcr.io/proj/worker:1" {
			t.Errorf("image should be kept: %s", second.GetImageUri())
		}
		if 0 < len(second.GetCommand()) || 0 < len(second.GetEnv()) {
			t.Errorf("only the first pool gets the entry point: %v", second)
		}
	})

	t.Run("display name can be given", func(t *testing.T) {
		args := vertexArgs()
		args["run"] = map[string]any{"display_name": "my run"}
		job := try.To(runner.VertexCustomJob(args, newProject(t, nil), "img:1", env)).OrFatal(t)
		if job.DisplayName != "my run" {
			t.Errorf("display name: %s", job.DisplayName)
		}
	})

	for name, testcase := range map[string]struct {
		args    map[string]any
		message string
	}{
		"without worker pools": {
			args:    map[string]any{"spec": map[string]any{"staging_bucket": "gs://b"}},
			message: "at least one worker pool spec",
		},
		"without staging bucket": {
			args: map[string]any{"spec": map[string]any{
				"worker_pool_specs": []any{map[string]any{"replica_count": 1}},
			}},
			message: "requires a staging bucket",
		},
		"without spec": {
			args:    map[string]any{},
			message: "at least one worker pool spec",
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := runner.VertexCustomJob(testcase.args, newProject(t, nil), "img:1", env)
			if !xe.IsLaunchError(err) || !strings.Contains(err.Error(), testcase.message) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestVertex_Run(t *testing.T) {
	ctx := context.Background()
	client := &fakeVertex{state: aiplatformpb.JobState_JOB_STATE_PENDING}
	testee := runner.NewVertexWithClient(
		runner.Backend{API: api, PollInterval: 10 * time.Millisecond},
		client, "gcp-proj", "us-central1",
	)
	try.To(0, testee.Verify(ctx)).OrFatal(t)

	p := newProject(t, map[string]any{
		"resource":      "vertex",
		"resource_args": map[string]any{"vertex": vertexArgs()},
	})
	run := try.To(testee.Run(ctx, p, "gcr.io/proj/launch:abc")).OrFatal(t)

	if len(client.created) != 1 || client.created[0].Parent != "projects/gcp-proj/locations/us-central1" {
		t.Fatalf("unexpected requests: %v", client.created)
	}
	if run.ID() != "projects/gcp-proj/locations/us-central1/customJobs/1" {
		t.Errorf("id: %s", run.ID())
	}

	if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Starting {
		t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Starting)
	}
	client.mu.Lock()
	client.state = aiplatformpb.JobState_JOB_STATE_RUNNING
	client.mu.Unlock()
	if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Running {
		t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Running)
	}

	try.To(0, run.Cancel(ctx)).OrFatal(t)
	if !slices.Equal(client.cancelled, []string{run.ID()}) {
		t.Errorf("cancelled: %v", client.cancelled)
	}
	if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Stopped {
		t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Stopped)
	}

	// cancelling a stopped job is no-op
	try.To(0, run.Cancel(ctx)).OrFatal(t)
	if len(client.cancelled) != 1 {
		t.Errorf("cancelled: %v", client.cancelled)
	}
}
