package runner

import (
	"context"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/environment"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/workloads/k8s"
)

// Config configures runners. Each runner reads its own part.
type Config struct {
	Backend

	Kubernetes KubernetesConfig
	Sagemaker  SagemakerConfig

	// default options of `docker run`
	ContainerOptions map[string]any

	// default #SBATCH options
	SlurmOptions map[string]any
}

// Deps are what runners work with. Each runner needs a part of them.
type Deps struct {
	Runner      process.Runner
	Kubernetes  k8s.K8sClient
	Registry    registry.Registry
	Environment environment.Environment
	Monitor     *Monitor
}

// Load makes the runner of the resource.
//
// "local" means local-container.
func Load(ctx context.Context, resource string, c Config, d Deps) (Runner, error) {
	switch Type(resource) {
	case TypeLocalProcess:
		if d.Runner == nil {
			return nil, xe.NewLaunchError("local-process runner needs a process runner")
		}
		return NewLocalProcess(c.Backend, d.Runner), nil
	case TypeLocalContainer, "local":
		if d.Runner == nil {
			return nil, xe.NewLaunchError("local-container runner needs a process runner")
		}
		return NewLocalContainer(c.Backend, d.Runner, c.ContainerOptions), nil
	case TypeKubernetes:
		if d.Kubernetes == nil {
			return nil, xe.NewLaunchError("kubernetes runner needs a kubernetes cluster. check kubeconfig")
		}
		return NewKubernetes(c.Backend, d.Kubernetes, d.Registry, d.Monitor, c.Kubernetes), nil
	case TypeSagemaker:
		aws, ok := d.Environment.(*environment.AWS)
		if !ok {
			return nil, xe.NewLaunchError("sagemaker runner needs an aws environment. set environment.type to aws")
		}
		return NewSagemaker(c.Backend, aws.Config(), aws, c.Sagemaker), nil
	case TypeVertex:
		gcp, ok := d.Environment.(*environment.GCP)
		if !ok {
			return nil, xe.NewLaunchError("vertex runner needs a gcp environment. set environment.type to gcp")
		}
		return NewVertex(ctx, c.Backend, gcp.Project(), gcp.Region())
	case TypeSlurm:
		if d.Runner == nil {
			return nil, xe.NewLaunchError("slurm runner needs a process runner")
		}
		return NewSlurm(c.Backend, d.Runner, c.SlurmOptions), nil
	}
	return nil, xe.NewLaunchError(
		"unknown resource: %q. it should be one of local-process, local-container, kubernetes, sagemaker, vertex or slurm",
		resource,
	)
}
