package agent

import (
	"fmt"
	"slices"
	"time"

	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/environment"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/launch/runner"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/agent.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

const (
	// DefaultProject is the project of runs and queues when the config does not say.
	DefaultProject = "model-registry"

	// DefaultQueue is polled when the config lists no queues.
	DefaultQueue = "default"

	DefaultBaseURL = "https://api.wandb.ai"
)

// Configuration of a launch agent.
//
// This type is marshalling value and mutable.
// To get immutable `AgentConfig`, use `TrySeal`.
type AgentConfigMarshall struct {
	Entity        string   `yaml:"entity"`
	Project       string   `yaml:"project"`
	Queues        []string `yaml:"queues"`
	MaxJobs       int      `yaml:"max_jobs"`
	MaxSchedulers int      `yaml:"max_schedulers"`
	PollInterval  string   `yaml:"poll_interval"`
	Verbosity     int      `yaml:"verbosity"`

	// JobStore is a directory holding job artifacts.
	JobStore string `yaml:"job_store"`
	TempDir  string `yaml:"temp_dir"`

	Runners      map[string]*RunnerConfigMarshall `yaml:"runners"`
	Builder      *BuilderConfigMarshall           `yaml:"builder"`
	Registry     *RegistryConfigMarshall          `yaml:"registry"`
	Environment  *EnvironmentConfigMarshall       `yaml:"environment"`
	QueueService *QueueServiceConfigMarshall      `yaml:"queue_service"`
	API          *APIConfigMarshall               `yaml:"api"`

	// direct is set when runs are launched without queues.
	// Then entity and queue_service can be missing.
	direct bool
}

var _ Marshalled[*AgentConfig] = &AgentConfigMarshall{}

func (a *AgentConfigMarshall) trySeal(path string) *AgentConfig {
	project := a.Project
	if project == "" {
		project = DefaultProject
	}
	queues := a.Queues
	if len(queues) == 0 {
		queues = []string{DefaultQueue}
	}

	pollInterval := time.Duration(0)
	if a.PollInterval != "" {
		d, err := time.ParseDuration(a.PollInterval)
		if err != nil {
			panic(fmt.Errorf("%s.poll_interval can not be parsed: %w", path, err))
		}
		pollInterval = d
	}

	if a.MaxJobs < -1 {
		panic(fmt.Sprintf("%s.max_jobs should be -1 (unlimited) or more", path))
	}
	if a.MaxSchedulers < -1 {
		panic(fmt.Sprintf("%s.max_schedulers should be -1 (unlimited) or more", path))
	}

	runners := map[runner.Type]*RunnerConfig{}
	for name, r := range a.Runners {
		p := path + ".runners." + name
		t := runner.Type(name)
		if !slices.Contains(knownRunners, t) {
			panic(fmt.Sprintf("%s is not a known runner. it should be one of %v", p, knownRunners))
		}
		if r == nil {
			r = &RunnerConfigMarshall{}
		}
		runners[t] = r.trySeal(p)
	}

	env := a.Environment
	if env == nil {
		env = &EnvironmentConfigMarshall{}
	}
	sealedEnv := env.trySeal(path + ".environment")

	reg := a.Registry
	if reg == nil {
		reg = &RegistryConfigMarshall{}
	}
	sealedReg := reg.trySeal(path + ".registry")
	if sealedReg.Type() == registry.TypeECR && sealedEnv.Type() != environment.TypeAWS {
		panic(path + ".registry: ecr registry needs environment.type aws")
	}

	b := a.Builder
	if b == nil {
		b = &BuilderConfigMarshall{}
	}

	api := a.API
	if api == nil {
		api = &APIConfigMarshall{}
	}

	entity := a.Entity
	var queueService *QueueServiceConfig
	if !a.direct {
		entity = required(entity, path+".entity")
		queueService = nonnil(a.QueueService, path+".queue_service").trySeal(path + ".queue_service")
	} else if a.QueueService != nil {
		queueService = a.QueueService.trySeal(path + ".queue_service")
	}

	return &AgentConfig{
		entity:        entity,
		project:       project,
		queues:        slices.Clone(queues),
		maxJobs:       a.MaxJobs,
		maxSchedulers: a.MaxSchedulers,
		pollInterval:  pollInterval,
		verbosity:     a.Verbosity,
		jobStore:      a.JobStore,
		tempDir:       a.TempDir,
		runners:       runners,
		builder:       b.trySeal(path + ".builder"),
		registry:      sealedReg,
		environment:   sealedEnv,
		queueService:  queueService,
		api:           api.trySeal(path + ".api"),
	}
}

var knownRunners = []runner.Type{
	runner.TypeLocalProcess,
	runner.TypeLocalContainer,
	runner.TypeKubernetes,
	runner.TypeSagemaker,
	runner.TypeVertex,
	runner.TypeSlurm,
}

type RunnerConfigMarshall struct {
	Labels    []string           `yaml:"labels"`
	Resources map[string]float64 `yaml:"resources"`

	// kubernetes
	Namespace    string `yaml:"namespace"`
	StartRetries int    `yaml:"start_retries"`

	// sagemaker
	RoleARN      string `yaml:"role_arn"`
	S3OutputPath string `yaml:"s3_output_path"`

	// local-container and slurm
	Options map[string]any `yaml:"options"`
}

func (r *RunnerConfigMarshall) trySeal(path string) *RunnerConfig {
	for k, v := range r.Resources {
		if v < 0 {
			panic(fmt.Sprintf("%s.resources.%s should not be negative", path, k))
		}
	}
	return &RunnerConfig{
		labels:       slices.Clone(r.Labels),
		resources:    r.Resources,
		namespace:    r.Namespace,
		startRetries: r.StartRetries,
		roleARN:      r.RoleARN,
		s3OutputPath: r.S3OutputPath,
		options:      r.Options,
	}
}

type BuilderConfigMarshall struct {
	Type string `yaml:"type"`

	Platform string `yaml:"platform"`

	BuildContextStore string         `yaml:"build_context_store"`
	BuildJobName      string         `yaml:"build_job_name"`
	KanikoImage       string         `yaml:"kaniko_image"`
	SecretName        string         `yaml:"secret_name"`
	SecretKey         string         `yaml:"secret_key"`
	KanikoJobSpec     map[string]any `yaml:"kaniko_job_spec"`
	BuildTimeout      string         `yaml:"build_timeout"`

	CondaEnvRoot string `yaml:"conda_env_root"`
}

func (b *BuilderConfigMarshall) trySeal(path string) *BuilderConfig {
	t := builder.Type(b.Type)
	switch t {
	case "":
		t = builder.TypeDocker
	case builder.TypeDocker, builder.TypeConda, builder.TypeNoop:
	case builder.TypeKaniko:
		required(b.BuildContextStore, path+".build_context_store")
	default:
		panic(fmt.Sprintf("%s.type should be one of docker, kaniko, conda or noop, but %q", path, b.Type))
	}
	if (b.SecretName == "") != (b.SecretKey == "") {
		panic(path + ": secret_name and secret_key should be given together")
	}

	timeout := time.Duration(0)
	if b.BuildTimeout != "" {
		d, err := time.ParseDuration(b.BuildTimeout)
		if err != nil {
			panic(fmt.Errorf("%s.build_timeout can not be parsed: %w", path, err))
		}
		timeout = d
	}

	return &BuilderConfig{
		type_:             t,
		platform:          b.Platform,
		buildContextStore: b.BuildContextStore,
		buildJobName:      b.BuildJobName,
		kanikoImage:       b.KanikoImage,
		secretName:        b.SecretName,
		secretKey:         b.SecretKey,
		kanikoJobSpec:     b.KanikoJobSpec,
		buildTimeout:      timeout,
		condaEnvRoot:      b.CondaEnvRoot,
	}
}

type RegistryConfigMarshall struct {
	Type string `yaml:"type"`

	// remote
	URI string `yaml:"uri"`

	// ecr and gcp
	Repository string `yaml:"repository"`

	// gcp
	Project   string `yaml:"project"`
	Region    string `yaml:"region"`
	ImageName string `yaml:"image_name"`
}

func (r *RegistryConfigMarshall) trySeal(path string) *RegistryConfig {
	t := registry.Type(r.Type)
	switch t {
	case "":
		t = registry.TypeLocal
	case registry.TypeLocal:
	case registry.TypeRemote:
		required(r.URI, path+".uri")
	case registry.TypeECR:
		required(r.Repository, path+".repository")
	case registry.TypeGCP:
		required(r.Project, path+".project")
		required(r.Region, path+".region")
		required(r.Repository, path+".repository")
		required(r.ImageName, path+".image_name")
	default:
		panic(fmt.Sprintf("%s.type should be one of local, remote, ecr or gcp, but %q", path, r.Type))
	}
	return &RegistryConfig{
		type_:      t,
		uri:        r.URI,
		repository: r.Repository,
		project:    r.Project,
		region:     r.Region,
		imageName:  r.ImageName,
	}
}

type EnvironmentConfigMarshall struct {
	Type string `yaml:"type"`

	Region string `yaml:"region"`

	// aws
	Profile string `yaml:"profile"`

	// gcp
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file"`
}

func (e *EnvironmentConfigMarshall) trySeal(path string) *EnvironmentConfig {
	t := environment.Type(e.Type)
	switch t {
	case "":
		t = environment.TypeLocal
	case environment.TypeLocal, environment.TypeAWS:
	case environment.TypeGCP:
		required(e.Project, path+".project")
		required(e.Region, path+".region")
	default:
		panic(fmt.Sprintf("%s.type should be one of local, aws or gcp, but %q", path, e.Type))
	}
	return &EnvironmentConfig{
		type_:           t,
		region:          e.Region,
		profile:         e.Profile,
		project:         e.Project,
		credentialsFile: e.CredentialsFile,
	}
}

type QueueServiceConfigMarshall struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

func (q *QueueServiceConfigMarshall) trySeal(path string) *QueueServiceConfig {
	return &QueueServiceConfig{
		url:    required(q.URL, path+".url"),
		apiKey: q.APIKey,
	}
}

type APIConfigMarshall struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

func (a *APIConfigMarshall) trySeal(string) *APIConfig {
	baseURL := a.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &APIConfig{baseURL: baseURL, apiKey: a.APIKey}
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}
