package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/reference"
	"go.uber.org/zap"
)

const defaultEntryPoint = "main.py"

// FetchAndValidate places the code of the project into ProjectDir,
// and decides DepsType and the entry point.
//
// Projects from git, tracking service runs or job artifacts are fetched into
// a new temporary directory. Remove it with Cleanup.
func (p *LaunchProject) FetchAndValidate(ctx context.Context) error {
	switch p.Source {
	case SourceLocal:
		if p.entryPoint == nil {
			p.logger.Info("entry point is not specified, defaulting to " + defaultEntryPoint)
			if _, err := p.AddEntryPoint([]string{defaultEntryPoint}); err != nil {
				return err
			}
		}
	case SourceImage:
	case SourceGit:
		if err := p.mkProjectDir(); err != nil {
			return err
		}
		if err := p.fetchGit(ctx, p.URI, p.GitVersion); err != nil {
			return err
		}
	case SourceWandb:
		if err := p.mkProjectDir(); err != nil {
			return err
		}
		if err := p.fetchRun(ctx); err != nil {
			return err
		}
	case SourceJob:
		if err := p.mkProjectDir(); err != nil {
			return err
		}
		if err := p.fetchJob(ctx); err != nil {
			return err
		}
	}

	if p.ProjectDir != "" {
		p.DepsType = detectDeps(p.ProjectDir)
	}
	return nil
}

func (p *LaunchProject) mkProjectDir() error {
	if p.ProjectDir != "" {
		return nil
	}
	dir, err := os.MkdirTemp(p.tempDir, "launch-"+p.RunID+"-")
	if err != nil {
		return err
	}
	p.ProjectDir = dir
	return nil
}

// pip is prefered; both are not supported.
func detectDeps(dir string) DepsType {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
	switch {
	case exists("requirements.txt"), exists("requirements.frozen.txt"), exists("pyproject.toml"):
		return DepsPip
	case exists("environment.yml"):
		return DepsConda
	}
	return DepsNone
}

func (p *LaunchProject) fetchGit(ctx context.Context, uri string, version string) error {
	ref := reference.Parse(uri)
	if ref == nil {
		return xe.NewLaunchError("unable to parse git uri %q", uri)
	}
	if version != "" {
		ref = ref.WithRef(version)
	}
	resolved, err := ref.Fetch(ctx, p.ProjectDir)
	if err != nil {
		return err
	}
	p.logger.Info(
		"fetched git repository",
		zap.String("run_id", p.RunID), zap.String("commit", resolved.CommitHash),
	)

	if resolved.Directory != "" {
		p.ProjectDir = filepath.Join(p.ProjectDir, resolved.Directory)
	}
	if p.entryPoint == nil {
		file := resolved.File
		if file == "" {
			p.logger.Info("entry point is not specified, defaulting to " + defaultEntryPoint)
			file = defaultEntryPoint
		}
		if _, err := p.AddEntryPoint([]string{file}); err != nil {
			return err
		}
	}
	return nil
}

func (p *LaunchProject) fetchRun(ctx context.Context) error {
	ref := reference.ParseWandb(p.URI)
	if ref == nil || ref.Type != reference.WandbRun {
		return xe.NewLaunchError("uri %q does not point a run", p.URI)
	}
	if p.runSource == nil {
		return xe.NewLaunchError("cannot fetch run %s: no run source is configured", p.URI)
	}
	info, err := p.runSource.FetchRun(ctx, ref.Entity, ref.Project, ref.RunID)
	if err != nil {
		return err
	}
	if info.Git == nil || info.Git.Remote == "" {
		return xe.NewExecutionError(
			"reproducing a run requires an associated git repo, but run %s has none", ref.RunID,
		)
	}

	entry := info.CodePath
	if entry == "" {
		entry = info.Program
	}
	if p.entryPoint == nil && entry != "" {
		if _, err := p.AddEntryPoint([]string{entry}); err != nil {
			return err
		}
	}
	if err := p.fetchGit(ctx, info.Git.Remote, info.Git.Commit); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(p.ProjectDir, p.entryPoint.Name)); errors.Is(err, os.ErrNotExist) {
		return xe.NewLaunchError(
			"entrypoint %s does not exist. specify the entrypoint for this run", p.entryPoint.Name,
		)
	}
	if info.Python != "" {
		p.PythonVersion = info.Python
	}

	// args given in the spec win against args of the run.
	var runArgs Args
	if err := runArgs.fromFlags(info.Args); err != nil {
		return xe.NewLaunchError("args of run %s: %w", ref.RunID, err)
	}
	for k, v := range runArgs {
		if _, ok := p.OverrideArgs[k]; !ok {
			p.OverrideArgs[k] = v
		}
	}
	p.clearParameterRunConfigCollisions()
	return nil
}

func (p *LaunchProject) fetchJob(ctx context.Context) error {
	if p.jobSource == nil {
		return xe.NewLaunchError("cannot fetch job %s: no job source is configured", p.Job)
	}
	info, err := p.jobSource.FetchJob(ctx, p.Job, p.ProjectDir)
	if err != nil {
		return err
	}
	if p.PythonVersion == "" {
		p.PythonVersion = info.Runtime
	}
	p.JobDockerfile = info.Source.Dockerfile
	p.JobBuildContext = info.Source.BuildContext
	if info.Source.BaseImage != "" {
		p.JobBaseImage = info.Source.BaseImage
	}

	switch info.SourceType {
	case JobFromImage:
		if info.Source.Image == "" {
			return xe.NewLaunchError("job %s has no image", p.Job)
		}
		p.DockerImage = info.Source.Image
	case JobFromRepo:
		if info.Source.Git == nil {
			return xe.NewLaunchError("job %s has no git source", p.Job)
		}
		if p.entryPoint == nil && 0 < len(info.Source.EntryPoint) {
			if _, err := p.AddEntryPoint(info.Source.EntryPoint); err != nil {
				return err
			}
		}
		if err := p.fetchGit(ctx, info.Source.Git.Remote, info.Source.Git.Commit); err != nil {
			return err
		}
	case JobFromArtifact:
		if p.entryPoint == nil && 0 < len(info.Source.EntryPoint) {
			if _, err := p.AddEntryPoint(info.Source.EntryPoint); err != nil {
				return err
			}
		}
	default:
		return xe.NewLaunchError("job %s has unknown source type %q", p.Job, info.SourceType)
	}
	return nil
}
