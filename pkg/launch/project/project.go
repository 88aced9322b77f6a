// Package project models one launch attempt: where its code comes from,
// how it is run and what it is configured with.
package project

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/macro"
	"github.com/opst/knitlaunch/pkg/launch/reference"
	"go.uber.org/zap"
)

// Source tells where the code of a project comes from.
type Source string

const (
	SourceJob   Source = "job"
	SourceImage Source = "image"
	SourceGit   Source = "git"
	SourceWandb Source = "wandb"
	SourceLocal Source = "local"
)

type DepsType string

const (
	DepsNone  DepsType = ""
	DepsPip   DepsType = "pip"
	DepsConda DepsType = "conda"
)

// resource name -> uid of the user in containers.
//
// sagemaker needs root to access /opt/ml.
var resourceUIDs = map[string]int{"sagemaker": 0}

const defaultUID = 1000

// LaunchProject is a job specification.
//
// It is made from a launch spec with FromSpec, and filled by FetchAndValidate.
type LaunchProject struct {
	URI            string
	Job            string
	DockerImage    string
	TargetEntity   string
	TargetProject  string
	Name           string
	RunID          string
	Resource       string
	ResourceArgs   map[string]any
	OverrideArgs   Args
	OverrideConfig map[string]any

	// OverrideArtifacts maps artifact names to versions the run should use.
	OverrideArtifacts  map[string]string
	OverrideDockerfile string

	// LaunchSpec is the launch spec this project is made from.
	LaunchSpec map[string]any

	Source Source

	// ProjectDir is where the code is. It is set by FetchAndValidate.
	ProjectDir string

	DepsType             DepsType
	PythonVersion        string
	AcceleratorBaseImage string
	GitVersion           string
	DockerUserID         int
	Author               string
	SweepID              string

	// JobBaseImage is an image to run code in, without building.
	//
	// When it is set, the code is mounted into the container.
	JobBaseImage string

	// Build hints from a job artifact.
	JobDockerfile   string
	JobBuildContext string

	// Queue which the project is popped from. Empty when it is launched directly.
	QueueName      string
	QueueEntity    string
	RunQueueItemID string

	baseImage  string
	entryPoint *EntryPoint

	baseURL   string
	jobSource JobSource
	runSource RunSource
	tempDir   string
	logger    *zap.Logger
}

type config struct {
	baseURL   string
	jobSource JobSource
	runSource RunSource
	tempDir   string
	logger    *zap.Logger
	queue     string
	entity    string
	itemID    string
}

type Option func(*config) *config

// WithBaseURL sets url of the tracking service, used to complete bare run paths.
func WithBaseURL(u string) Option {
	return func(c *config) *config {
		c.baseURL = u
		return c
	}
}

func WithJobSource(js JobSource) Option {
	return func(c *config) *config {
		c.jobSource = js
		return c
	}
}

func WithRunSource(rs RunSource) Option {
	return func(c *config) *config {
		c.runSource = rs
		return c
	}
}

// WithTempDir sets the parent directory of project directories. Default is os.TempDir().
func WithTempDir(dir string) Option {
	return func(c *config) *config {
		c.tempDir = dir
		return c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) *config {
		c.logger = l
		return c
	}
}

// WithQueue records the run-queue item which the project is popped from.
func WithQueue(entity string, queue string, itemID string) Option {
	return func(c *config) *config {
		c.entity = entity
		c.queue = queue
		c.itemID = itemID
		return c
	}
}

// FromSpec constructs a LaunchProject from a launch spec.
//
// The source is decided in order: job, docker image, git uri, tracking service uri,
// and then local path. A local path should exist.
func FromSpec(raw map[string]any, options ...Option) (*LaunchProject, error) {
	cfg := &config{logger: zap.NewNop()}
	for _, o := range options {
		cfg = o(cfg)
	}

	spec, err := DecodeSpec(raw)
	if err != nil {
		return nil, xe.NewLaunchError("malformed launch spec: %w", err)
	}

	p := &LaunchProject{
		URI:                  spec.URI,
		Job:                  spec.Job,
		DockerImage:          spec.Docker.DockerImage,
		TargetEntity:         spec.Entity,
		TargetProject:        spec.Project,
		Name:                 spec.Name,
		RunID:                spec.RunID,
		Resource:             spec.Resource,
		ResourceArgs:         spec.ResourceArgs,
		OverrideArgs:         spec.Overrides.Args,
		OverrideConfig:       spec.Overrides.RunConfig,
		OverrideArtifacts:    spec.Overrides.Artifacts,
		OverrideDockerfile:   spec.Overrides.Dockerfile,
		LaunchSpec:           raw,
		PythonVersion:        spec.Docker.PythonVersion,
		AcceleratorBaseImage: spec.Docker.AcceleratorBaseImage,
		GitVersion:           spec.Git.Version,
		Author:               spec.Author,
		SweepID:              spec.SweepID,
		QueueName:            cfg.queue,
		QueueEntity:          cfg.entity,
		RunQueueItemID:       cfg.itemID,
		baseImage:            spec.Docker.BaseImage,
		baseURL:              cfg.baseURL,
		jobSource:            cfg.jobSource,
		runSource:            cfg.runSource,
		tempDir:              cfg.tempDir,
		logger:               cfg.logger,
	}
	if p.Resource == "" {
		p.Resource = "local-container"
	}
	if p.ResourceArgs == nil {
		p.ResourceArgs = map[string]any{}
	}
	if p.OverrideArgs == nil {
		p.OverrideArgs = Args{}
	}
	if p.OverrideConfig == nil {
		p.OverrideConfig = map[string]any{}
	}
	if p.RunID == "" {
		p.RunID = GenerateRunID()
	}

	uid, ok := resourceUIDs[p.Resource]
	if !ok {
		uid = defaultUID
	}
	if spec.Docker.UserID != nil {
		uid = *spec.Docker.UserID
	}
	p.DockerUserID = uid

	if 0 < len(spec.Overrides.EntryPoint) {
		if _, err := p.AddEntryPoint(spec.Overrides.EntryPoint); err != nil {
			return nil, err
		}
	}

	if reference.IsBareWandbURI(p.URI) && p.baseURL != "" {
		p.URI = strings.TrimSuffix(p.baseURL, "/") + p.URI
		p.logger.Info("updating uri with base url", zap.String("uri", p.URI))
	}

	switch {
	case p.Job != "":
		p.Source = SourceJob
	case p.DockerImage != "":
		p.Source = SourceImage
	case p.URI == "":
		return nil, xe.NewLaunchError("launch spec should have one of uri, job or docker.docker_image")
	case reference.IsGitURI(p.URI):
		p.Source = SourceGit
	case reference.IsWandbURI(p.URI, p.baseURL):
		p.Source = SourceWandb
	default:
		if _, err := os.Stat(p.URI); err != nil {
			return nil, xe.NewLaunchError("assumed uri %q is a local path, but the path is not valid: %w", p.URI, err)
		}
		p.Source = SourceLocal
		p.ProjectDir = p.URI
	}

	p.clearParameterRunConfigCollisions()
	return p, nil
}

// GenerateRunID returns a new random run id.
func GenerateRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// drop keys of OverrideConfig which OverrideArgs have, too. Args win.
func (p *LaunchProject) clearParameterRunConfigCollisions() {
	for k := range p.OverrideConfig {
		if _, ok := p.OverrideArgs[k]; ok {
			delete(p.OverrideConfig, k)
		}
	}
}

// BuildRequired reports whether an image should be built to run the project.
//
// It is false when a docker image, given by the launch spec or by the job, determines what to run.
func (p *LaunchProject) BuildRequired() bool {
	return p.DockerImage == "" && p.JobBaseImage == ""
}

// ImageName is a repository name of images built for the project.
func (p *LaunchProject) ImageName() string {
	if p.Job != "" {
		name := p.Job
		if i := strings.LastIndex(name, "/"); 0 <= i {
			name = name[i+1:]
		}
		name, _, _ = strings.Cut(name, ":")
		return sanitizeImageName(name)
	}
	return sanitizeImageName(p.TargetProject) + "_launch"
}

func sanitizeImageName(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, " ", "-"))
	b := new(strings.Builder)
	for _, r := range s {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// BaseImage is the image which built images are based on.
//
// A docker image given by the launch spec is used as is.
func (p *LaunchProject) BaseImage() string {
	if p.DockerImage != "" {
		return p.DockerImage
	}
	if p.baseImage != "" {
		return p.baseImage
	}
	python := p.PythonVersion
	if python == "" {
		python = "3"
	}
	return fmt.Sprintf(
		"%s_base:%s",
		strings.ReplaceAll(p.TargetProject, " ", "-"),
		strings.ReplaceAll(python, "+", "dev"),
	)
}

// ImageURI is the image to run without building.
//
// It returns false when the project needs to be built.
func (p *LaunchProject) ImageURI() (string, bool) {
	if p.DockerImage != "" {
		return p.DockerImage, true
	}
	if p.JobBaseImage != "" {
		return p.JobBaseImage, true
	}
	return "", false
}

// MacroLookup resolves names which resource args can refer as `${name}`.
//
// Names known by the project come first, then environment variables.
func (p *LaunchProject) MacroLookup(imageURI string) macro.Lookup {
	known := map[string]string{
		"project_name": p.TargetProject,
		"entity_name":  p.TargetEntity,
		"run_id":       p.RunID,
	}
	if p.Author != "" {
		known["author"] = p.Author
	}
	if imageURI != "" {
		known["image_uri"] = imageURI
	}
	return macro.Chain(macro.MapLookup(known), macro.EnvLookup())
}

// FillMacros returns a copy of ResourceArgs with macros substituted.
//
// Macros which cannot be resolved are left as they are.
func (p *LaunchProject) FillMacros(imageURI string) map[string]any {
	lookup := p.MacroLookup(imageURI)
	filled := macro.FillMap(p.ResourceArgs, lookup)
	if missing := macro.Unresolved(filled, lookup); 0 < len(missing) {
		p.logger.Warn(
			"some macros in resource args are not resolved",
			zap.String("run_id", p.RunID), zap.Strings("macros", missing),
		)
	}
	return filled
}

// ResourceArgsFor returns the section of ResourceArgs for the backend.
func ResourceArgsFor(args map[string]any, backend string) map[string]any {
	if v, ok := args[backend].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// Cleanup removes the project directory made by FetchAndValidate.
//
// Local projects are left untouched.
func (p *LaunchProject) Cleanup() error {
	if p.Source == SourceLocal || p.ProjectDir == "" {
		return nil
	}
	return os.RemoveAll(p.ProjectDir)
}

func (p *LaunchProject) Logger() *zap.Logger {
	return p.logger
}
