package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"go.uber.org/zap"
)

// SagemakerAPI is the subset of sagemaker.Client used here.
type SagemakerAPI interface {
	CreateTrainingJob(ctx context.Context, in *sagemaker.CreateTrainingJobInput, opts ...func(*sagemaker.Options)) (*sagemaker.CreateTrainingJobOutput, error)
	DescribeTrainingJob(ctx context.Context, in *sagemaker.DescribeTrainingJobInput, opts ...func(*sagemaker.Options)) (*sagemaker.DescribeTrainingJobOutput, error)
	StopTrainingJob(ctx context.Context, in *sagemaker.StopTrainingJobInput, opts ...func(*sagemaker.Options)) (*sagemaker.StopTrainingJobOutput, error)
}

// AccountResolver tells the aws account of the credentials. environment.AWS is one.
type AccountResolver interface {
	AccountID(ctx context.Context) (string, error)
}

type SagemakerConfig struct {
	// RoleARN is used when resource args have no RoleArn.
	// A role name is qualified with the account.
	RoleARN string

	// S3OutputPath is used when resource args have no OutputDataConfig.
	S3OutputPath string
}

// Sagemaker runs projects as Sagemaker training jobs.
type Sagemaker struct {
	Backend
	client   SagemakerAPI
	accounts AccountResolver
	region   string
	config   SagemakerConfig
}

var _ Runner = &Sagemaker{}

func NewSagemaker(b Backend, cfg aws.Config, accounts AccountResolver, c SagemakerConfig) *Sagemaker {
	return NewSagemakerWithClient(b, sagemaker.NewFromConfig(cfg), accounts, cfg.Region, c)
}

func NewSagemakerWithClient(b Backend, client SagemakerAPI, accounts AccountResolver, region string, c SagemakerConfig) *Sagemaker {
	if c.S3OutputPath != "" && !strings.HasPrefix(c.S3OutputPath, "s3://") {
		c.S3OutputPath = "s3://" + c.S3OutputPath
	}
	return &Sagemaker{Backend: b, client: client, accounts: accounts, region: region, config: c}
}

func (s *Sagemaker) Type() Type {
	return TypeSagemaker
}

func (s *Sagemaker) Verify(ctx context.Context) error {
	_, err := s.accounts.AccountID(ctx)
	return err
}

func (s *Sagemaker) Run(ctx context.Context, p *project.LaunchProject, image string) (SubmittedRun, error) {
	given, ok := p.FillMacros(image)["sagemaker"].(map[string]any)
	if !ok {
		return nil, xe.NewLaunchError("No sagemaker args specified. Specify sagemaker args in resource_args")
	}

	account, err := s.accounts.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	role, err := RoleARN(given, s.config.RoleARN, account)
	if err != nil {
		return nil, err
	}

	// an image given in resource args takes precedence over the built one.
	if spec, ok := given["AlgorithmSpecification"].(map[string]any); ok {
		if ti, ok := spec["TrainingImage"].(string); ok && ti != "" {
			s.logger().Warn(
				"launching sagemaker job on the user supplied image",
				zap.String("run_id", p.RunID), zap.String("image", ti),
			)
			image = ti
		}
	}

	env, err := p.EnvVars(s.API, project.MaxEnvLength(string(TypeSagemaker)))
	if err != nil {
		return nil, xe.Wrap(err)
	}
	args, err := BuildSagemakerArgs(given, p, role, image, s.config.S3OutputPath, env)
	if err != nil {
		return nil, err
	}
	input := new(sagemaker.CreateTrainingJobInput)
	if err := roundTrip(args, input); err != nil {
		return nil, xe.NewLaunchError("sagemaker resource args are not a training job: %w", err)
	}

	if ok, err := s.ack(ctx, p.RunID); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}

	resp, err := s.client.CreateTrainingJob(ctx, input)
	if err != nil {
		return nil, xe.NewLaunchError("failed to create training job when submitting to SageMaker: %w", err)
	}
	if resp.TrainingJobArn == nil {
		return nil, xe.NewLaunchError("Failed to create training job when submitting to SageMaker")
	}
	name := aws.ToString(input.TrainingJobName)
	s.logger().Info(
		"sagemaker training job is submitted",
		zap.String("run_id", p.RunID),
		zap.String("arn", aws.ToString(resp.TrainingJobArn)),
		zap.String("url", fmt.Sprintf(
			"https://%[1]s.console.aws.amazon.com/sagemaker/home?region=%[1]s#/jobs/%[2]s", s.region, name,
		)),
	)
	return s.settle(ctx, &sagemakerRun{client: s.client, name: name, interval: s.interval()})
}

// RoleARN finds the role of the training job, in resource args or in the runner config.
//
// A role name which is not an ARN is qualified as `arn:aws:iam::<account>:role/<name>`.
func RoleARN(args map[string]any, fallback string, accountID string) (string, error) {
	var role any
	for _, key := range []string{"RoleArn", "role_arn"} {
		if v, ok := args[key]; ok && v != nil {
			role = v
			break
		}
	}
	if role == nil && fallback != "" {
		role = fallback
	}
	r, ok := role.(string)
	if !ok || r == "" {
		return "", errNoRoleARN()
	}
	if strings.HasPrefix(r, "arn:aws:iam::") {
		return r, nil
	}
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, r), nil
}

func errNoRoleARN() error {
	return xe.NewLaunchError(
		"AWS sagemaker require a string RoleArn set this by adding a `RoleArn` key to the sagemaker field of resource_args",
	)
}

// BuildSagemakerArgs makes the arguments of CreateTrainingJob.
//
// roleARN is the one RoleARN resolved; empty roleARN is *LaunchError.
//
// Keys of given args in snake_case are converted into CamelCase. Env overrides
// launch env vars. Values which launch needs (TrainingJobName, AlgorithmSpecification,
// RoleArn and OutputDataConfig) take precedence over given ones.
func BuildSagemakerArgs(
	given map[string]any, p *project.LaunchProject,
	roleARN string, image string, defaultOutputPath string, env map[string]string,
) (map[string]any, error) {
	if given == nil {
		return nil, xe.NewLaunchError("No sagemaker args specified. Specify sagemaker args in resource_args")
	}
	if roleARN == "" {
		return nil, errNoRoleARN()
	}

	launchArgs := map[string]any{}
	if output, ok := given["OutputDataConfig"]; ok && output != nil {
		launchArgs["OutputDataConfig"] = output
	} else if defaultOutputPath != "" {
		launchArgs["OutputDataConfig"] = map[string]any{"S3OutputPath": defaultOutputPath}
	} else {
		return nil, xe.NewLaunchError("Sagemaker launcher requires an OutputDataConfig Sagemaker resource argument")
	}

	name, _ := given["TrainingJobName"].(string)
	if name == "" {
		name = p.RunID
	}
	launchArgs["TrainingJobName"] = name

	var entrypoint []string
	if ep := p.EntryPoint(); ep != nil {
		entrypoint = ep.Command
	}
	spec, err := algorithmSpecification(given, image, entrypoint, p.OverrideArgs.Flags())
	if err != nil {
		return nil, err
	}
	launchArgs["AlgorithmSpecification"] = spec
	launchArgs["RoleArn"] = roleARN

	args := map[string]any{}
	for k, v := range given {
		args[camelCase(k)] = v
	}
	for k, v := range launchArgs {
		args[k] = v
	}

	if v, ok := args["ResourceConfig"]; !ok || v == nil {
		return nil, xe.NewLaunchError("Sagemaker launcher requires a ResourceConfig Sagemaker resource argument")
	}
	if v, ok := args["StoppingCondition"]; !ok || v == nil {
		return nil, xe.NewLaunchError("Sagemaker launcher requires a StoppingCondition Sagemaker resource argument")
	}

	environment := map[string]any{}
	for k, v := range env {
		environment[k] = v
	}
	givenEnv, ok := given["Environment"].(map[string]any)
	if !ok {
		givenEnv, _ = given["environment"].(map[string]any)
	}
	for k, v := range givenEnv {
		environment[k] = fmt.Sprint(v)
	}
	delete(args, "environment")
	args["Environment"] = environment

	tags, _ := args["Tags"].([]any)
	tags = append(append([]any{}, tags...), map[string]any{"Key": "WandbRunId", "Value": p.RunID})
	args["Tags"] = tags

	for _, k := range []string{"EcrRepoName", "Region", "Profile", "region", "profile"} {
		delete(args, k)
	}
	for k, v := range args {
		if v == nil {
			delete(args, k)
		}
	}
	return args, nil
}

// algorithmSpecification sets the image, entrypoint and args into the given spec.
func algorithmSpecification(given map[string]any, image string, entrypoint []string, args []string) (map[string]any, error) {
	spec := map[string]any{}
	givenSpec, ok := given["AlgorithmSpecification"].(map[string]any)
	if !ok {
		givenSpec, ok = given["algorithm_specification"].(map[string]any)
	}
	if ok {
		for k, v := range givenSpec {
			spec[k] = v
		}
	} else {
		spec["TrainingInputMode"] = "File"
	}
	if image != "" {
		spec["TrainingImage"] = image
	}
	if 0 < len(entrypoint) {
		spec["ContainerEntrypoint"] = toAnyList(entrypoint)
	}
	if 0 < len(args) {
		spec["ContainerArguments"] = toAnyList(args)
	}
	if ti, _ := spec["TrainingImage"].(string); ti == "" {
		return nil, xe.NewLaunchError("Failed determine tag for training image")
	}
	return spec, nil
}

// camelCase converts snake_case into CamelCase. Keys without "_" are left as is.
func camelCase(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	b := new(strings.Builder)
	for _, part := range strings.Split(s, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(strings.ToLower(part[1:]))
	}
	return b.String()
}

type sagemakerRun struct {
	client   SagemakerAPI
	name     string
	interval time.Duration

	mu   sync.Mutex
	last Status
}

var _ SubmittedRun = &sagemakerRun{}

func (r *sagemakerRun) ID() string {
	return "sagemaker-" + r.name
}

var sagemakerStates = map[smtypes.TrainingJobStatus]State{
	smtypes.TrainingJobStatusCompleted:  Finished,
	smtypes.TrainingJobStatusStopped:    Finished,
	smtypes.TrainingJobStatusFailed:     Failed,
	smtypes.TrainingJobStatusStopping:   Stopping,
	smtypes.TrainingJobStatusInProgress: Running,
}

func (r *sagemakerRun) Poll(ctx context.Context) (Status, error) {
	out, err := r.client.DescribeTrainingJob(ctx, &sagemaker.DescribeTrainingJobInput{
		TrainingJobName: aws.String(r.name),
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last.State == "" {
		r.last = Status{State: Running}
	}
	if err != nil {
		return r.last, xe.Wrap(err)
	}
	if st, ok := sagemakerStates[out.TrainingJobStatus]; ok {
		r.last = Status{
			State: st,
			Data:  map[string]string{"training_job_status": string(out.TrainingJobStatus)},
		}
	}
	return r.last, nil
}

func (r *sagemakerRun) Wait(ctx context.Context) (bool, error) {
	return wait(ctx, r, r.interval)
}

func (r *sagemakerRun) Cancel(ctx context.Context) error {
	st, err := r.Poll(ctx)
	if err != nil {
		return err
	}
	if st.State.Terminal() {
		return nil
	}
	if st.State == Running {
		if _, err := r.client.StopTrainingJob(ctx, &sagemaker.StopTrainingJobInput{
			TrainingJobName: aws.String(r.name),
		}); err != nil {
			return xe.Wrap(err)
		}
	}
	_, err = r.Wait(ctx)
	return err
}

// Logs are in CloudWatch, which this runner does not read.
func (r *sagemakerRun) Logs(context.Context) (string, error) {
	return "", nil
}
