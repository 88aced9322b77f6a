// Package stack builds what launches runs, from the agent config.
package stack

import (
	"context"

	"github.com/google/uuid"
	kagent "github.com/opst/knitlaunch/pkg/configs/agent"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/kubeutil"
	"github.com/opst/knitlaunch/pkg/launch/agent"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/docker"
	"github.com/opst/knitlaunch/pkg/launch/environment"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/launch/runner"
	"github.com/opst/knitlaunch/pkg/workloads/k8s"
	"go.uber.org/zap"
)

type Options struct {
	// Kubeconfig is used when kubernetes is needed. Empty means the default.
	Kubeconfig string

	// APIKey is used when the config has no api keys.
	APIKey string

	// Process overrides how local commands are run.
	Process process.Runner

	// Kubernetes overrides the cluster connection.
	Kubernetes k8s.K8sClient

	Logger *zap.Logger
}

// Stack is what launches projects.
type Stack struct {
	Builder builder.Builder
	Runners agent.RunnerFactory

	// Monitor watches kubernetes jobs. It is nil without the kubernetes runner.
	Monitor *runner.Monitor

	API            project.APISettings
	ProjectOptions []project.Option
}

// Load builds a Stack as the config says.
//
// Kubernetes is connected only when the kubernetes runner or the kaniko builder is configured.
func Load(ctx context.Context, conf *kagent.AgentConfig, o Options) (*Stack, error) {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	proc := o.Process
	if proc == nil {
		proc = process.OS{}
	}

	env, err := newEnvironment(ctx, conf.Environment())
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry(conf.Registry(), env, proc)
	if err != nil {
		return nil, err
	}

	runnerConfs := conf.Runners()
	_, useKubernetes := runnerConfs[runner.TypeKubernetes]
	useKaniko := conf.Builder().Type() == builder.TypeKaniko

	var kc k8s.K8sClient
	if o.Kubernetes != nil {
		kc = o.Kubernetes
	} else if useKubernetes || useKaniko {
		clients, err := kubeutil.ConnectToK8s(o.Kubeconfig)
		if err != nil {
			return nil, err
		}
		kc = k8s.WrapK8sClient(clients.Typed, clients.Dynamic)
	}

	// jobs launched by this process are labeled with it, and the monitor looks for them.
	instanceID := uuid.NewString()

	var monitor *runner.Monitor
	if useKubernetes {
		monitor = runner.NewMonitor(kc, instanceID, 0, logger.Named("monitor"))
	}

	namespace := "default"
	rc := runner.Config{}
	if k, ok := runnerConfs[runner.TypeKubernetes]; ok {
		if k.Namespace() != "" {
			namespace = k.Namespace()
		}
		rc.Kubernetes = runner.KubernetesConfig{
			Namespace:    k.Namespace(),
			AgentID:      instanceID,
			StartRetries: k.StartRetries(),
		}
	}
	if s, ok := runnerConfs[runner.TypeSagemaker]; ok {
		rc.Sagemaker = runner.SagemakerConfig{RoleARN: s.RoleARN(), S3OutputPath: s.S3OutputPath()}
	}
	if c, ok := runnerConfs[runner.TypeLocalContainer]; ok {
		rc.ContainerOptions = c.Options()
	}
	if s, ok := runnerConfs[runner.TypeSlurm]; ok {
		rc.SlurmOptions = s.Options()
	}

	var cluster k8s.Cluster
	if kc != nil {
		cluster = k8s.AttachCluster(kc, namespace)
	}
	bc := conf.Builder()
	b, err := builder.Load(
		builder.Config{
			Type:              bc.Type(),
			Platform:          bc.Platform(),
			BuildContextStore: bc.BuildContextStore(),
			BuildJobName:      bc.BuildJobName(),
			KanikoImage:       bc.KanikoImage(),
			SecretName:        bc.SecretName(),
			SecretKey:         bc.SecretKey(),
			KanikoJobSpec:     bc.KanikoJobSpec(),
			BuildTimeout:      bc.BuildTimeout(),
			CondaEnvRoot:      bc.CondaEnvRoot(),
		},
		builder.Deps{
			Runner:      proc,
			Registry:    reg,
			Environment: env,
			Cluster:     cluster,
			TempDir:     conf.TempDir(),
			Logger:      logger,
		},
	)
	if err != nil {
		return nil, err
	}

	apiKey := conf.API().APIKey()
	if apiKey == "" {
		apiKey = o.APIKey
	}

	projectOptions := []project.Option{project.WithBaseURL(conf.API().BaseURL())}
	if conf.TempDir() != "" {
		projectOptions = append(projectOptions, project.WithTempDir(conf.TempDir()))
	}
	if conf.JobStore() != "" {
		projectOptions = append(projectOptions, project.WithJobSource(project.DirJobSource{Root: conf.JobStore()}))
	}

	return &Stack{
		Builder: b,
		Runners: agent.LoadRunners(rc, runner.Deps{
			Runner:      proc,
			Kubernetes:  kc,
			Registry:    reg,
			Environment: env,
			Monitor:     monitor,
		}),
		Monitor:        monitor,
		API:            project.APISettings{APIKey: apiKey, BaseURL: conf.API().BaseURL()},
		ProjectOptions: projectOptions,
	}, nil
}

func newEnvironment(ctx context.Context, c *kagent.EnvironmentConfig) (environment.Environment, error) {
	switch c.Type() {
	case environment.TypeAWS:
		aws, err := environment.NewAWS(ctx, environment.AWSConfig{Region: c.Region(), Profile: c.Profile()})
		if err != nil {
			return nil, err
		}
		return aws, nil
	case environment.TypeGCP:
		gcp, err := environment.NewGCP(ctx, environment.GCPConfig{
			Project: c.Project(), Region: c.Region(), CredentialsFile: c.CredentialsFile(),
		})
		if err != nil {
			return nil, err
		}
		return gcp, nil
	}
	return environment.Local{}, nil
}

func newRegistry(c *kagent.RegistryConfig, env environment.Environment, proc process.Runner) (registry.Registry, error) {
	var reg registry.Registry
	var err error
	switch c.Type() {
	case registry.TypeRemote:
		reg, err = registry.NewRemote(c.URI())
	case registry.TypeECR:
		aws, ok := env.(*environment.AWS)
		if !ok {
			return nil, xe.NewLaunchError("ecr registry needs an aws environment")
		}
		reg, err = registry.NewECR(aws.Config(), c.Repository())
	case registry.TypeGCP:
		reg, err = registry.NewGCP(registry.GCPConfig{
			Project: c.Project(), Region: c.Region(), Repository: c.Repository(), ImageName: c.ImageName(),
		})
	default:
		reg = registry.Local{Docker: docker.New(proc)}
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}
