package builder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/environment"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/utils/archive"
	"github.com/opst/knitlaunch/pkg/utils/retry"
	"github.com/opst/knitlaunch/pkg/workloads/k8s"
	"go.uber.org/zap"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	DefaultKanikoImage  = "gcr.io/kaniko-project/executor:v1.11.0"
	DefaultBuildJobName = "wandb-launch-container-build"

	// build pods are killed after this.
	DefaultBuildTimeout = 1800 * time.Second

	kanikoContainerName = "wandb-container-build"
)

type KanikoConfig struct {
	// BuildContextStore is a storage uri (s3://, gs://, or a local path) to upload build contexts.
	BuildContextStore string
	BuildJobName      string
	Image             string

	// SecretName and SecretKey point a secret holding registry credentials for kaniko.
	SecretName string
	SecretKey  string

	// JobSpec is a partial batch/v1 Job which the build job is based on.
	JobSpec map[string]any

	ServiceAccount string
	Timeout        time.Duration
	PollInterval   time.Duration
}

// Kaniko builds images in a kubernetes job running kaniko.
type Kaniko struct {
	cluster     k8s.Cluster
	environment environment.Environment
	registry    registry.Registry
	config      KanikoConfig
	tempDir     string
	logger      *zap.Logger
}

var _ Builder = &Kaniko{}

func NewKaniko(
	cluster k8s.Cluster, env environment.Environment, reg registry.Registry,
	config KanikoConfig, tempDir string, logger *zap.Logger,
) (*Kaniko, error) {
	if (config.SecretName == "") != (config.SecretKey == "") {
		return nil, xe.NewLaunchError(
			"Both secret_name and secret_key or neither must be specified for kaniko build. You provided only one of them.",
		)
	}
	if config.BuildContextStore == "" {
		return nil, xe.NewLaunchError(
			"You must specify a build context store for kaniko builds. " +
				"Set builder.build_context_store in your agent config to a valid s3 or gcs URI.",
		)
	}
	config.BuildContextStore = strings.TrimRight(config.BuildContextStore, "/")
	if config.BuildJobName == "" {
		config.BuildJobName = DefaultBuildJobName
	}
	if config.Image == "" {
		config.Image = DefaultKanikoImage
	}
	if config.ServiceAccount == "" {
		config.ServiceAccount = "default"
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBuildTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kaniko{
		cluster: cluster, environment: env, registry: reg,
		config: config, tempDir: tempDir, logger: logger,
	}, nil
}

func (k *Kaniko) Type() Type {
	return TypeKaniko
}

// Verify checks the build context store is reachable.
func (k *Kaniko) Verify(ctx context.Context) error {
	return k.environment.VerifyStorageURI(ctx, k.config.BuildContextStore)
}

func (k *Kaniko) Build(ctx context.Context, p *project.LaunchProject, ep *project.EntryPoint, reporter WarningReporter) (string, error) {
	if err := k.Verify(ctx); err != nil {
		return "", err
	}

	cm, err := NewContextManager(p, k.tempDir)
	if err != nil {
		return "", err
	}
	defer cm.Close()
	dir, tag, err := cm.Create(false)
	if err != nil {
		return "", err
	}

	repo, err := k.registry.URI(ctx)
	if err != nil {
		return "", err
	}
	if repo == "" {
		return "", xe.NewLaunchError("kaniko builder needs a remote registry to push images. set registry in your agent config")
	}
	image := repo + ":" + tag
	if exists, err := k.registry.ImageExists(ctx, image); err != nil {
		k.logger.Warn("failed to check image existence. building", zap.String("image", image), zap.Error(err))
	} else if exists {
		k.logger.Info("image exists already. skip building", zap.String("image", image))
		return image, nil
	}

	jobName := k.config.BuildJobName + "-" + p.RunID
	buildContext, err := k.uploadContext(ctx, p.RunID, dir)
	if err != nil {
		return "", err
	}

	job, err := k.kanikoJob(jobName, repo, image, buildContext)
	if err != nil {
		return "", err
	}

	client := k.cluster.Client()
	ns := k.cluster.Namespace()
	if k.config.SecretName != "" {
		secret, err := k.dockerConfigSecret(ctx, jobName, repo)
		if err != nil {
			return "", err
		}
		if _, err := client.CreateSecret(ctx, ns, secret); err != nil {
			return "", xe.WrapWithNote("creating docker config for kaniko", err)
		}
		defer func() {
			if err := client.DeleteSecret(context.Background(), ns, secret.Name); err != nil {
				k.logger.Warn("failed to delete docker config secret", zap.String("secret", secret.Name), zap.Error(err))
			}
		}()
	}

	k.logger.Info("creating kaniko job", zap.String("job", jobName), zap.String("image", image))
	// wait for 3 times of the job deadline, since it might take time to schedule.
	deadline := time.Now().Add(3 * k.config.Timeout)
	built, err := retry.Await(ctx, k.cluster.NewJob(
		ctx, retry.StaticBackoff(k.config.PollInterval), job,
		k8s.WithCheckpoint(k8s.JobHasFinished, deadline),
	))
	defer func() {
		if err := client.DeleteJob(context.Background(), ns, jobName); err != nil {
			k.logger.Warn("failed to delete kaniko job", zap.String("job", jobName), zap.Error(err))
		}
	}()
	if err != nil || built.Status() != k8s.Succeeded {
		return "", xe.NewLaunchError(
			"Failed to build image in kaniko for job %s. View logs with `kubectl logs -n %s job/%s`. (%v)",
			p.RunID, ns, jobName, err,
		)
	}

	if logs, err := k.buildLog(ctx, built); err != nil {
		k.logger.Warn("failed to get logs of kaniko job", zap.String("job", jobName), zap.Error(err))
	} else {
		warnFailedPackages(ctx, k.logger, logs, image, reporter)
	}
	return image, nil
}

func (k *Kaniko) buildLog(ctx context.Context, j k8s.Job) (string, error) {
	if n := len(j.Pods()); n != 1 {
		return "", fmt.Errorf("expected 1 pod for job %s, found %d", j.Name(), n)
	}
	name := kanikoContainerName
	if cs := j.Raw().Spec.Template.Spec.Containers; len(cs) == 1 {
		name = cs[0].Name
	}
	r, err := j.Log(ctx, name, false)
	if err != nil {
		return "", err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	return string(b), err
}

// uploadContext puts the build context tarball into the build context store,
// and returns the uri for kaniko's --context.
func (k *Kaniko) uploadContext(ctx context.Context, runID string, dir string) (string, error) {
	f, err := os.CreateTemp(k.tempDir, "launch-context-*.tgz")
	if err != nil {
		return "", xe.Wrap(err)
	}
	defer os.Remove(f.Name())
	if err := archive.TarGz(ctx, dir, f); err != nil {
		f.Close()
		return "", xe.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return "", xe.Wrap(err)
	}

	if k.environment.Type() == environment.TypeLocal {
		dst := filepath.Join(k.config.BuildContextStore, runID+".tgz")
		if err := k.environment.UploadFile(ctx, f.Name(), dst); err != nil {
			return "", xe.NewLaunchError("error copying build context to %s: %w", dst, err)
		}
		return "tar://" + dst, nil
	}
	dst := k.config.BuildContextStore + "/" + runID + ".tgz"
	if err := k.environment.UploadFile(ctx, f.Name(), dst); err != nil {
		return "", xe.NewLaunchError("error uploading build context to %s: %w", dst, err)
	}
	return dst, nil
}

func (k *Kaniko) dockerConfigSecret(ctx context.Context, jobName string, repo string) (*kubecore.Secret, error) {
	user, password, err := k.registry.Credentials(ctx)
	if err != nil {
		return nil, xe.NewLaunchError("cannot get credentials of registry %s: %w", repo, err)
	}
	config, err := DockerConfigJSON(repo, user, password)
	if err != nil {
		return nil, err
	}
	return &kubecore.Secret{
		ObjectMeta: kubeapimeta.ObjectMeta{Name: "docker-config-" + jobName, Namespace: k.cluster.Namespace()},
		Type:       kubecore.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{kubecore.DockerConfigJsonKey: config},
	}, nil
}

// DockerConfigJSON renders a docker config.json with credentials of the registry.
func DockerConfigJSON(registryURI string, user string, password string) ([]byte, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	b, err := json.Marshal(map[string]any{
		"auths": map[string]any{
			registryURI: map[string]string{"username": user, "password": password, "auth": auth},
		},
	})
	return b, xe.Wrap(err)
}

func (k *Kaniko) kanikoJob(jobName string, repo string, image string, buildContext string) (*kubebatch.Job, error) {
	job := &kubebatch.Job{}
	if k.config.JobSpec != nil {
		b, err := json.Marshal(k.config.JobSpec)
		if err != nil {
			return nil, xe.NewLaunchError("invalid kaniko job spec: %w", err)
		}
		if err := json.Unmarshal(b, job); err != nil {
			return nil, xe.NewLaunchError("invalid kaniko job spec: %w", err)
		}
	}
	pod := &job.Spec.Template.Spec
	if 1 < len(pod.Containers) {
		return nil, xe.NewLaunchError("Multiple container configs not supported for kaniko builder.")
	}
	if len(pod.Containers) == 0 {
		pod.Containers = []kubecore.Container{{}}
	}
	container := &pod.Containers[0]

	if ecr, ok := k.registry.(*registry.ECR); ok {
		container.Env = append(container.Env, kubecore.EnvVar{Name: "AWS_REGION", Value: ecr.Region()})
	}

	if k.config.SecretName != "" {
		pod.Volumes = append(pod.Volumes, kubecore.Volume{
			Name: "docker-config",
			VolumeSource: kubecore.VolumeSource{Secret: &kubecore.SecretVolumeSource{
				SecretName: "docker-config-" + jobName,
				Items:      []kubecore.KeyToPath{{Key: kubecore.DockerConfigJsonKey, Path: "config.json"}},
			}},
		})
		container.VolumeMounts = append(container.VolumeMounts, kubecore.VolumeMount{
			Name: "docker-config", MountPath: "/kaniko/.docker",
		})

		var mountPath, key string
		switch k.registry.Type() {
		case registry.TypeECR:
			mountPath, key = "/root/.aws", "credentials"
		case registry.TypeGCP:
			mountPath, key = "/kaniko/.config/gcloud", "config.json"
			container.Env = append(container.Env, kubecore.EnvVar{
				Name: "GOOGLE_APPLICATION_CREDENTIALS", Value: "/kaniko/.config/gcloud/config.json",
			})
		default:
			k.logger.Warn(
				"automatic credential handling is not supported for the registry type",
				zap.String("registry", string(k.registry.Type())),
			)
		}
		if mountPath != "" {
			pod.Volumes = append(pod.Volumes, kubecore.Volume{
				Name: k.config.SecretName,
				VolumeSource: kubecore.VolumeSource{Secret: &kubecore.SecretVolumeSource{
					SecretName: k.config.SecretName,
					Items:      []kubecore.KeyToPath{{Key: k.config.SecretKey, Path: key}},
				}},
			})
			container.VolumeMounts = append(container.VolumeMounts, kubecore.VolumeMount{
				Name: k.config.SecretName, MountPath: mountPath, ReadOnly: true,
			})
		}
	}

	container.Args = KanikoArgs(buildContext, repo, image, container.Args)
	if container.Name == "" {
		container.Name = kanikoContainerName
	}
	if container.Image == "" {
		container.Image = k.config.Image
	}

	if pod.RestartPolicy == "" {
		pod.RestartPolicy = kubecore.RestartPolicyNever
	}
	if pod.ActiveDeadlineSeconds == nil {
		deadline := int64(k.config.Timeout / time.Second)
		pod.ActiveDeadlineSeconds = &deadline
	}
	if pod.ServiceAccountName == "" {
		pod.ServiceAccountName = k.config.ServiceAccount
	}
	if job.Spec.BackoffLimit == nil {
		zero := int32(0)
		job.Spec.BackoffLimit = &zero
	}
	if job.Spec.Template.Labels == nil {
		job.Spec.Template.Labels = map[string]string{}
	}
	job.Spec.Template.Labels["wandb"] = "launch"
	if job.Labels == nil {
		job.Labels = map[string]string{}
	}
	job.Labels["wandb"] = "launch"
	if job.Name == "" {
		job.Name = jobName
	}
	job.Namespace = k.cluster.Namespace()
	job.APIVersion = "batch/v1"
	job.Kind = "Job"
	return job, nil
}

// KanikoArgs renders arguments of the kaniko executor.
//
// custom are "--name=value" arguments which override defaults or add more.
func KanikoArgs(buildContext string, repo string, image string, custom []string) []string {
	type kv struct{ k, v string }
	args := []kv{
		{"--context", buildContext},
		{"--dockerfile", DockerfileName},
		{"--destination", strings.TrimPrefix(image, "https://")},
		{"--cache", "true"},
		{"--cache-repo", strings.ReplaceAll(repo, "https://", "")},
		{"--snapshot-mode", "redo"},
		{"--compressed-caching", "false"},
	}
	for _, c := range custom {
		name, value, _ := strings.Cut(c, "=")
		replaced := false
		for i := range args {
			if args[i].k == name {
				args[i].v = value
				replaced = true
				break
			}
		}
		if !replaced {
			args = append(args, kv{name, value})
		}
	}
	rendered := make([]string, 0, len(args))
	for _, a := range args {
		rendered = append(rendered, a.k+"="+a.v)
	}
	return rendered
}
