package builder

import (
	"context"
	"path/filepath"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/docker"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"go.uber.org/zap"
)

// Docker builds images with the local docker daemon, and pushes them to the registry.
type Docker struct {
	docker   *docker.Client
	registry registry.Registry
	platform string
	tempDir  string
	user     string
	logger   *zap.Logger
}

var _ Builder = &Docker{}

type DockerOption func(*Docker) *Docker

// WithPlatform sets the target platform of builds, like "linux/amd64".
func WithPlatform(platform string) DockerOption {
	return func(d *Docker) *Docker {
		d.platform = platform
		return d
	}
}

// WithImageUser sets the user name in generated images.
func WithImageUser(name string) DockerOption {
	return func(d *Docker) *Docker {
		d.user = name
		return d
	}
}

func NewDocker(client *docker.Client, reg registry.Registry, tempDir string, logger *zap.Logger, options ...DockerOption) *Docker {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Docker{docker: client, registry: reg, tempDir: tempDir, logger: logger}
	for _, o := range options {
		d = o(d)
	}
	return d
}

func (d *Docker) Type() Type {
	return TypeDocker
}

func (d *Docker) Build(ctx context.Context, p *project.LaunchProject, ep *project.EntryPoint, reporter WarningReporter) (string, error) {
	if !d.docker.Installed() {
		return "", xe.NewLaunchError("docker is not installed. install docker or use another builder")
	}
	buildx := d.docker.BuildxInstalled(ctx)
	if !buildx {
		d.logger.Warn("docker buildx is not installed. for faster builds, upgrade docker: https://github.com/docker/buildx#installing")
	}

	opts := []ContextOption{}
	if d.user != "" {
		opts = append(opts, WithUser(d.user))
	}
	cm, err := NewContextManager(p, d.tempDir, opts...)
	if err != nil {
		return "", err
	}
	defer cm.Close()
	dir, tag, err := cm.Create(buildx)
	if err != nil {
		return "", err
	}

	repo, err := d.registry.URI(ctx)
	if err != nil {
		return "", err
	}
	if repo == "" {
		repo = p.ImageName()
	}
	image := repo + ":" + tag

	if exists, err := d.registry.ImageExists(ctx, image); err != nil {
		d.logger.Warn("failed to check image existence. building", zap.String("image", image), zap.Error(err))
	} else if exists {
		d.logger.Info("image exists already. skip building", zap.String("image", image))
		return image, nil
	}

	d.logger.Info("building image", zap.String("image", image), zap.String("run_id", p.RunID))
	out, err := d.docker.Build(ctx, docker.BuildRequest{
		Tags:       []string{image},
		Dockerfile: filepath.Join(dir, DockerfileName),
		Context:    dir,
		Platform:   d.platform,
		Buildx:     buildx,
	})
	if err != nil {
		return "", xe.NewLaunchError("error building image %s: %w\n%s", image, err, tail(out, 4096))
	}
	warnFailedPackages(ctx, d.logger, string(out), image, reporter)

	if d.registry.Type() == registry.TypeLocal {
		return image, nil
	}
	user, password, err := d.registry.Credentials(ctx)
	if err != nil {
		return "", xe.NewLaunchError("cannot get credentials of registry %s: %w", repo, err)
	}
	if user != "" {
		if err := d.docker.Login(ctx, registry.Host(repo), user, password); err != nil {
			return "", xe.NewLaunchError("cannot log in registry %s: %w", repo, err)
		}
	}
	if err := d.docker.Push(ctx, image); err != nil {
		return "", xe.NewLaunchError("cannot push image %s: %w", image, err)
	}
	return image, nil
}

// tail returns the last n bytes of b.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
