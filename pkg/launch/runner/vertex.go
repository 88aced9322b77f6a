package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"
)

// VertexAPI is the subset of aiplatform.JobClient used here.
type VertexAPI interface {
	CreateCustomJob(ctx context.Context, req *aiplatformpb.CreateCustomJobRequest) (*aiplatformpb.CustomJob, error)
	GetCustomJob(ctx context.Context, req *aiplatformpb.GetCustomJobRequest) (*aiplatformpb.CustomJob, error)
	CancelCustomJob(ctx context.Context, req *aiplatformpb.CancelCustomJobRequest) error
}

type jobClient struct {
	client *aiplatform.JobClient
}

func (j jobClient) CreateCustomJob(ctx context.Context, req *aiplatformpb.CreateCustomJobRequest) (*aiplatformpb.CustomJob, error) {
	return j.client.CreateCustomJob(ctx, req)
}

func (j jobClient) GetCustomJob(ctx context.Context, req *aiplatformpb.GetCustomJobRequest) (*aiplatformpb.CustomJob, error) {
	return j.client.GetCustomJob(ctx, req)
}

func (j jobClient) CancelCustomJob(ctx context.Context, req *aiplatformpb.CancelCustomJobRequest) error {
	return j.client.CancelCustomJob(ctx, req)
}

// Vertex runs projects as Vertex AI custom jobs.
type Vertex struct {
	Backend
	client  VertexAPI
	project string
	region  string
}

var _ Runner = &Vertex{}

// NewVertex connects to the Vertex AI endpoint of the region.
func NewVertex(ctx context.Context, b Backend, gcpProject string, region string, options ...option.ClientOption) (*Vertex, error) {
	options = append(
		[]option.ClientOption{option.WithEndpoint(region + "-aiplatform.googleapis.com:443")},
		options...,
	)
	c, err := aiplatform.NewJobClient(ctx, options...)
	if err != nil {
		return nil, xe.NewLaunchError("cannot connect to vertex ai: %w", err)
	}
	return NewVertexWithClient(b, jobClient{client: c}, gcpProject, region), nil
}

func NewVertexWithClient(b Backend, client VertexAPI, gcpProject string, region string) *Vertex {
	return &Vertex{Backend: b, client: client, project: gcpProject, region: region}
}

func (v *Vertex) Type() Type {
	return TypeVertex
}

func (v *Vertex) Verify(context.Context) error {
	if v.project == "" || v.region == "" {
		return xe.NewLaunchError("vertex runner needs gcp project and region")
	}
	return nil
}

func (v *Vertex) Run(ctx context.Context, p *project.LaunchProject, image string) (SubmittedRun, error) {
	args := project.ResourceArgsFor(p.FillMacros(image), "vertex")
	env, err := p.EnvVars(v.API, project.MaxEnvLength(string(TypeVertex)))
	if err != nil {
		return nil, xe.Wrap(err)
	}
	job, err := VertexCustomJob(args, p, image, env)
	if err != nil {
		return nil, err
	}

	if ok, err := v.ack(ctx, p.RunID); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}

	created, err := v.client.CreateCustomJob(ctx, &aiplatformpb.CreateCustomJobRequest{
		Parent:    fmt.Sprintf("projects/%s/locations/%s", v.project, v.region),
		CustomJob: job,
	})
	if err != nil {
		return nil, xe.NewLaunchError("failed to create vertex custom job: %w", err)
	}
	v.logger().Info(
		"vertex custom job is created",
		zap.String("run_id", p.RunID), zap.String("name", created.GetName()),
	)
	return v.settle(ctx, &vertexRun{client: v.client, name: created.GetName(), interval: v.interval()})
}

// VertexCustomJob makes a custom job from `spec` and `run` sections of vertex resource args.
//
// Worker pools without image get the image. The first pool gets the entry point,
// override args and env.
func VertexCustomJob(args map[string]any, p *project.LaunchProject, image string, env map[string]string) (*aiplatformpb.CustomJob, error) {
	specArgs, _ := args["spec"].(map[string]any)
	runArgs, _ := args["run"].(map[string]any)

	pools, _ := specArgs["worker_pool_specs"].([]any)
	if len(pools) == 0 {
		return nil, xe.NewLaunchError(
			"Vertex requires at least one worker pool spec. Please specify a worker pool spec in resource arguments under the key `vertex.spec.worker_pool_specs`.",
		)
	}
	bucket, _ := specArgs["staging_bucket"].(string)
	if bucket == "" {
		return nil, xe.NewLaunchError(
			"Vertex requires a staging bucket for training and dependency packages in the same region as compute. Please specify a bucket under the key `vertex.spec.staging_bucket`.",
		)
	}

	spec := map[string]any{}
	if err := roundTrip(specArgs, &spec); err != nil {
		return nil, xe.WrapWithNote("vertex spec", err)
	}
	delete(spec, "staging_bucket")
	if _, ok := spec["base_output_directory"]; !ok {
		spec["base_output_directory"] = map[string]any{"output_uri_prefix": bucket}
	}

	copied, _ := spec["worker_pool_specs"].([]any)
	for i, item := range copied {
		pool, ok := item.(map[string]any)
		if !ok {
			return nil, xe.NewLaunchError("worker pool spec #%d should be a map", i)
		}
		container, ok := pool["container_spec"].(map[string]any)
		if !ok {
			container = map[string]any{}
			pool["container_spec"] = container
		}
		if uri, _ := container["image_uri"].(string); uri == "" {
			if image == "" {
				return nil, xe.NewLaunchError("no image for worker pool spec #%d", i)
			}
			container["image_uri"] = image
		}
		if i != 0 {
			continue
		}
		if ep := p.EntryPoint(); ep != nil {
			container["command"] = toAnyList(ep.Command)
		}
		if 0 < len(p.OverrideArgs) {
			container["args"] = toAnyList(p.OverrideArgs.Flags())
		}
		envs, _ := container["env"].([]any)
		for _, e := range envVarList(env) {
			envs = append(envs, map[string]any{"name": e.Name, "value": e.Value})
		}
		container["env"] = envs
	}

	b, err := json.Marshal(spec)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	jobSpec := new(aiplatformpb.CustomJobSpec)
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(b, jobSpec); err != nil {
		return nil, xe.NewLaunchError("vertex spec is not a custom job spec: %w", err)
	}

	displayName, _ := runArgs["display_name"].(string)
	if displayName == "" {
		displayName = p.RunID
	}
	labels := map[string]string{}
	if l, ok := runArgs["labels"].(map[string]any); ok {
		for k, v := range l {
			labels[k] = fmt.Sprint(v)
		}
	}
	labels["wandb-run-id"] = dnsSafeName(p.RunID)

	return &aiplatformpb.CustomJob{
		DisplayName: displayName,
		JobSpec:     jobSpec,
		Labels:      labels,
	}, nil
}

type vertexRun struct {
	client   VertexAPI
	name     string
	interval time.Duration
}

var _ SubmittedRun = &vertexRun{}

var vertexStates = map[aiplatformpb.JobState]State{
	aiplatformpb.JobState_JOB_STATE_QUEUED:     Starting,
	aiplatformpb.JobState_JOB_STATE_PENDING:    Starting,
	aiplatformpb.JobState_JOB_STATE_RUNNING:    Running,
	aiplatformpb.JobState_JOB_STATE_SUCCEEDED:  Finished,
	aiplatformpb.JobState_JOB_STATE_FAILED:     Failed,
	aiplatformpb.JobState_JOB_STATE_EXPIRED:    Failed,
	aiplatformpb.JobState_JOB_STATE_CANCELLING: Stopping,
	aiplatformpb.JobState_JOB_STATE_CANCELLED:  Stopped,
}

func (r *vertexRun) ID() string {
	return r.name
}

func (r *vertexRun) Poll(ctx context.Context) (Status, error) {
	job, err := r.client.GetCustomJob(ctx, &aiplatformpb.GetCustomJobRequest{Name: r.name})
	if err != nil {
		return Status{State: Unknown}, xe.Wrap(err)
	}
	st, ok := vertexStates[job.GetState()]
	if !ok {
		st = Unknown
	}
	return Status{State: st, Data: map[string]string{"job_state": job.GetState().String()}}, nil
}

func (r *vertexRun) Wait(ctx context.Context) (bool, error) {
	return wait(ctx, r, r.interval)
}

func (r *vertexRun) Cancel(ctx context.Context) error {
	st, err := r.Poll(ctx)
	if err != nil {
		return err
	}
	if st.State.Terminal() {
		return nil
	}
	if st.State != Stopping {
		if err := r.client.CancelCustomJob(ctx, &aiplatformpb.CancelCustomJobRequest{Name: r.name}); err != nil {
			return xe.Wrap(err)
		}
	}
	_, err = r.Wait(ctx)
	return err
}

// Logs are in Cloud Logging, which this runner does not read.
func (r *vertexRun) Logs(context.Context) (string, error) {
	return "", nil
}
