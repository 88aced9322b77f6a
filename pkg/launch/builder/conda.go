package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"go.uber.org/zap"
)

// CondaPrefix marks results of the conda builder: "conda:<env prefix>".
const CondaPrefix = "conda:"

// Conda makes a conda environment for the project on the local host, instead of an image.
//
// Environments are kept under the root, named by a hash of dependency files,
// and reused by projects with the same dependencies.
type Conda struct {
	runner process.Runner
	root   string
	logger *zap.Logger
}

var _ Builder = &Conda{}

func NewConda(runner process.Runner, root string, logger *zap.Logger) *Conda {
	if logger == nil {
		logger = zap.NewNop()
	}
	if root == "" {
		root = filepath.Join(os.TempDir(), "launch-conda")
	}
	return &Conda{runner: runner, root: root, logger: logger}
}

func (c *Conda) Type() Type {
	return TypeConda
}

func (c *Conda) Build(ctx context.Context, p *project.LaunchProject, ep *project.EntryPoint, reporter WarningReporter) (string, error) {
	if p.ProjectDir == "" {
		return "", xe.NewLaunchError("project %s has not been fetched", p.RunID)
	}
	if _, err := c.runner.LookPath("conda"); err != nil {
		return "", xe.NewLaunchError("conda is not installed. install conda or use another builder")
	}
	pyVersion, _, err := pythonVersion(p.PythonVersion)
	if err != nil {
		return "", err
	}

	depsFile, content, err := findDepsFile(p.ProjectDir)
	if err != nil {
		return "", err
	}
	prefix := filepath.Join(c.root, "launch-"+ImageTag(pyVersion+":"+depsFile, content))
	if _, err := os.Stat(prefix); err == nil {
		c.logger.Info("conda environment exists already", zap.String("prefix", prefix))
		return CondaPrefix + prefix, nil
	}

	conda := func(args ...string) ([]byte, error) {
		return c.runner.Run(ctx, process.Command{Name: "conda", Args: args, Dir: p.ProjectDir})
	}
	fail := func(out []byte, err error) (string, error) {
		os.RemoveAll(prefix)
		return "", xe.NewLaunchError("error creating conda environment %s: %w\n%s", prefix, err, tail(out, 4096))
	}

	if depsFile == "environment.yml" {
		if out, err := conda("env", "create", "--file", "environment.yml", "--prefix", prefix); err != nil {
			return fail(out, err)
		}
		return CondaPrefix + prefix, nil
	}

	if out, err := conda("create", "--yes", "--prefix", prefix, "python="+pyVersion); err != nil {
		return fail(out, err)
	}
	switch depsFile {
	case "requirements.txt":
		if out, err := conda("run", "--prefix", prefix, "python", "-m", "pip", "install", "-r", depsFile); err != nil {
			return fail(out, err)
		}
	case "requirements.frozen.txt":
		script := filepath.Join(p.ProjectDir, bootstrapName)
		if err := os.WriteFile(script, bootstrapScript, 0o644); err != nil {
			return "", xe.Wrap(err)
		}
		defer os.Remove(script)
		out, err := conda("run", "--prefix", prefix, "python", bootstrapName)
		if err != nil {
			return fail(out, err)
		}
		warnFailedPackages(ctx, c.logger, string(out), prefix, reporter)
	default:
		c.logger.Warn("no requirements file found. no packages will be installed", zap.String("run_id", p.RunID))
	}
	return CondaPrefix + prefix, nil
}

func findDepsFile(dir string) (string, string, error) {
	for _, name := range []string{"environment.yml", "requirements.txt", "requirements.frozen.txt"} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return "", "", xe.Wrap(err)
		}
		return name, string(b), nil
	}
	return "", "", nil
}

// IsCondaEnv splits results of the conda builder.
func IsCondaEnv(built string) (prefix string, ok bool) {
	return strings.CutPrefix(built, CondaPrefix)
}

// Noop never builds. Launch specs should give images.
type Noop struct{}

var _ Builder = Noop{}

func (Noop) Type() Type {
	return TypeNoop
}

func (Noop) Build(context.Context, *project.LaunchProject, *project.EntryPoint, WarningReporter) (string, error) {
	return "", xe.NewLaunchError("Attempted build with noop builder. Specify docker_image or a job with an image in the launch spec.")
}
