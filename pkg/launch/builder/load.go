package builder

import (
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/docker"
	"github.com/opst/knitlaunch/pkg/launch/environment"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/workloads/k8s"
	"go.uber.org/zap"
)

// Config selects and configures a builder.
type Config struct {
	Type Type

	// for docker
	Platform string

	// for kaniko
	BuildContextStore string
	BuildJobName      string
	KanikoImage       string
	SecretName        string
	SecretKey         string
	KanikoJobSpec     map[string]any
	BuildTimeout      time.Duration

	// for conda
	CondaEnvRoot string
}

// Deps are what builders work with. Each builder needs a part of them.
type Deps struct {
	Runner      process.Runner
	Registry    registry.Registry
	Environment environment.Environment
	Cluster     k8s.Cluster
	TempDir     string
	Logger      *zap.Logger
}

// Load makes the builder of the config.
//
// An empty type is docker.
func Load(c Config, d Deps) (Builder, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("builder", string(c.Type)))

	switch c.Type {
	case TypeDocker, "":
		if d.Runner == nil {
			return nil, xe.NewLaunchError("docker builder needs a process runner")
		}
		reg := d.Registry
		if reg == nil {
			reg = registry.Local{Docker: docker.New(d.Runner)}
		}
		return NewDocker(docker.New(d.Runner), reg, d.TempDir, logger, WithPlatform(c.Platform)), nil
	case TypeKaniko:
		if d.Cluster == nil {
			return nil, xe.NewLaunchError("kaniko builder needs a kubernetes cluster")
		}
		if d.Registry == nil || d.Registry.Type() == registry.TypeLocal {
			return nil, xe.NewLaunchError("kaniko builder needs a remote registry")
		}
		env := d.Environment
		if env == nil {
			env = environment.Local{}
		}
		return NewKaniko(d.Cluster, env, d.Registry, KanikoConfig{
			BuildContextStore: c.BuildContextStore,
			BuildJobName:      c.BuildJobName,
			Image:             c.KanikoImage,
			SecretName:        c.SecretName,
			SecretKey:         c.SecretKey,
			JobSpec:           c.KanikoJobSpec,
			Timeout:           c.BuildTimeout,
		}, d.TempDir, logger)
	case TypeConda:
		if d.Runner == nil {
			return nil, xe.NewLaunchError("conda builder needs a process runner")
		}
		root := c.CondaEnvRoot
		if root == "" {
			root = d.TempDir
		}
		return NewConda(d.Runner, root, logger), nil
	case TypeNoop:
		return Noop{}, nil
	}
	return nil, xe.NewLaunchError("unknown builder type: %q. it should be one of docker, kaniko, conda or noop", c.Type)
}
