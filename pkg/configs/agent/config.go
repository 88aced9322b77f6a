package agent

import (
	"maps"
	"slices"
	"time"

	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/environment"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/launch/runner"
)

// Configuration of a launch agent.
//
// to get `AgentConfig` instance, use `TrySeal` or `Unmarshal`.
type AgentConfig struct {
	entity        string
	project       string
	queues        []string
	maxJobs       int
	maxSchedulers int
	pollInterval  time.Duration
	verbosity     int
	jobStore      string
	tempDir       string

	runners      map[runner.Type]*RunnerConfig
	builder      *BuilderConfig
	registry     *RegistryConfig
	environment  *EnvironmentConfig
	queueService *QueueServiceConfig
	api          *APIConfig
}

// Entity which the agent serves. Runs are always sent to this entity.
func (c *AgentConfig) Entity() string {
	return c.entity
}

// Project where runs go. default = "model-registry"
func (c *AgentConfig) Project() string {
	return c.project
}

// Names of queues to be polled. default = ["default"]
func (c *AgentConfig) Queues() []string {
	return slices.Clone(c.queues)
}

// Number of jobs running at once. -1 is unlimited, 0 is the default.
func (c *AgentConfig) MaxJobs() int {
	return c.maxJobs
}

func (c *AgentConfig) MaxSchedulers() int {
	return c.maxSchedulers
}

// Interval of polling queues. 0 is the default.
func (c *AgentConfig) PollInterval() time.Duration {
	return c.pollInterval
}

func (c *AgentConfig) Verbosity() int {
	return c.verbosity
}

// Directory where job artifacts are found. Empty means jobs are not available.
func (c *AgentConfig) JobStore() string {
	return c.jobStore
}

// Directory where projects are fetched and built. Empty means os.TempDir().
func (c *AgentConfig) TempDir() string {
	return c.tempDir
}

// Runners configured, by resource.
func (c *AgentConfig) Runners() map[runner.Type]*RunnerConfig {
	return maps.Clone(c.runners)
}

func (c *AgentConfig) Builder() *BuilderConfig {
	return c.builder
}

func (c *AgentConfig) Registry() *RegistryConfig {
	return c.registry
}

func (c *AgentConfig) Environment() *EnvironmentConfig {
	return c.environment
}

// QueueService is nil only for configs of UnmarshalDirect.
func (c *AgentConfig) QueueService() *QueueServiceConfig {
	return c.queueService
}

func (c *AgentConfig) API() *APIConfig {
	return c.api
}

type RunnerConfig struct {
	labels    []string
	resources map[string]float64

	namespace    string
	startRetries int

	roleARN      string
	s3OutputPath string

	options map[string]any
}

// Labels which queues can require.
func (r *RunnerConfig) Labels() []string {
	return slices.Clone(r.labels)
}

// Resources the runner offers, like "gpu".
func (r *RunnerConfig) Resources() map[string]float64 {
	return maps.Clone(r.resources)
}

// Namespace of kubernetes jobs when resource args do not say.
func (r *RunnerConfig) Namespace() string {
	return r.namespace
}

func (r *RunnerConfig) StartRetries() int {
	return r.startRetries
}

// Role of sagemaker training jobs when resource args do not say.
func (r *RunnerConfig) RoleARN() string {
	return r.roleARN
}

func (r *RunnerConfig) S3OutputPath() string {
	return r.s3OutputPath
}

// Default options of `docker run` or `sbatch`.
func (r *RunnerConfig) Options() map[string]any {
	return r.options
}

type BuilderConfig struct {
	type_ builder.Type

	platform string

	buildContextStore string
	buildJobName      string
	kanikoImage       string
	secretName        string
	secretKey         string
	kanikoJobSpec     map[string]any
	buildTimeout      time.Duration

	condaEnvRoot string
}

// Type of the builder. default = docker
func (b *BuilderConfig) Type() builder.Type {
	return b.type_
}

func (b *BuilderConfig) Platform() string {
	return b.platform
}

// Where kaniko build contexts are uploaded, like "s3://bucket/prefix".
func (b *BuilderConfig) BuildContextStore() string {
	return b.buildContextStore
}

func (b *BuilderConfig) BuildJobName() string {
	return b.buildJobName
}

func (b *BuilderConfig) KanikoImage() string {
	return b.kanikoImage
}

// Secret mounted to kaniko pods as registry or cloud credentials.
func (b *BuilderConfig) SecretName() string {
	return b.secretName
}

func (b *BuilderConfig) SecretKey() string {
	return b.secretKey
}

func (b *BuilderConfig) KanikoJobSpec() map[string]any {
	return b.kanikoJobSpec
}

func (b *BuilderConfig) BuildTimeout() time.Duration {
	return b.buildTimeout
}

func (b *BuilderConfig) CondaEnvRoot() string {
	return b.condaEnvRoot
}

type RegistryConfig struct {
	type_      registry.Type
	uri        string
	repository string
	project    string
	region     string
	imageName  string
}

// Type of the registry. default = local
func (r *RegistryConfig) Type() registry.Type {
	return r.type_
}

func (r *RegistryConfig) URI() string {
	return r.uri
}

func (r *RegistryConfig) Repository() string {
	return r.repository
}

func (r *RegistryConfig) Project() string {
	return r.project
}

func (r *RegistryConfig) Region() string {
	return r.region
}

func (r *RegistryConfig) ImageName() string {
	return r.imageName
}

type EnvironmentConfig struct {
	type_           environment.Type
	region          string
	profile         string
	project         string
	credentialsFile string
}

// Type of the environment. default = local
func (e *EnvironmentConfig) Type() environment.Type {
	return e.type_
}

func (e *EnvironmentConfig) Region() string {
	return e.region
}

func (e *EnvironmentConfig) Profile() string {
	return e.profile
}

func (e *EnvironmentConfig) Project() string {
	return e.project
}

func (e *EnvironmentConfig) CredentialsFile() string {
	return e.credentialsFile
}

// Where the run queue service is.
type QueueServiceConfig struct {
	url    string
	apiKey string
}

func (q *QueueServiceConfig) URL() string {
	return q.url
}

// API key for the queue service. It can be empty, then WANDB_API_KEY is used.
func (q *QueueServiceConfig) APIKey() string {
	return q.apiKey
}

// How launched runs reach the tracking service.
type APIConfig struct {
	baseURL string
	apiKey  string
}

// default = "https://api.wandb.ai"
func (a *APIConfig) BaseURL() string {
	return a.baseURL
}

func (a *APIConfig) APIKey() string {
	return a.apiKey
}
