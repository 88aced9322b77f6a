package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/loop"
	ptr "github.com/opst/knitlaunch/pkg/utils/pointer"
	"github.com/opst/knitlaunch/pkg/workloads/k8s"
	"github.com/opst/knitlaunch/pkg/workloads/worker"
	"go.uber.org/zap"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	// DefaultStartRetries is how many times a run can be seen not started before giving up.
	DefaultStartRetries = 60

	// ResourceRunIDLabel is put on pods of custom resources.
	ResourceRunIDLabel = "wandb/run-id"

	defaultTTLSecondsAfterFinished = 60
)

type KubernetesConfig struct {
	// Namespace is used when resource args do not say.
	Namespace string

	// AgentID labels jobs so that the monitor finds them.
	AgentID string

	// StartRetries overrides DefaultStartRetries.
	StartRetries int
}

// Kubernetes runs projects as kubernetes jobs, or as custom resources
// when resource args have an apiVersion other than batch.
type Kubernetes struct {
	Backend
	client   k8s.K8sClient
	registry registry.Registry
	monitor  *Monitor
	config   KubernetesConfig
}

var _ Runner = &Kubernetes{}

// NewKubernetes makes a kubernetes runner.
//
// reg and monitor can be nil. Without monitor, runs ask the cluster for their statuses.
func NewKubernetes(b Backend, client k8s.K8sClient, reg registry.Registry, monitor *Monitor, c KubernetesConfig) *Kubernetes {
	if c.StartRetries <= 0 {
		c.StartRetries = DefaultStartRetries
	}
	return &Kubernetes{Backend: b, client: client, registry: reg, monitor: monitor, config: c}
}

func (k *Kubernetes) Type() Type {
	return TypeKubernetes
}

func (k *Kubernetes) Verify(ctx context.Context) error {
	ns := k.config.Namespace
	if ns == "" {
		ns = "default"
	}
	if _, err := k.client.ListJobs(ctx, ns, k8s.LabelsToSelector(map[string]string{worker.MonitorLabel: "true"})); err != nil {
		return xe.NewLaunchError("cannot reach kubernetes cluster: %w", err)
	}
	return nil
}

// namespace to launch into.
//
// metadata.namespace > namespace > the runner config > "default".
func (k *Kubernetes) namespace(args map[string]any) string {
	if md, ok := args["metadata"].(map[string]any); ok {
		if ns, ok := md["namespace"].(string); ok && ns != "" {
			return ns
		}
	}
	if ns, ok := args["namespace"].(string); ok && ns != "" {
		return ns
	}
	if k.config.Namespace != "" {
		return k.config.Namespace
	}
	return "default"
}

func isBatchAPI(apiVersion string) bool {
	switch apiVersion {
	case "", "batch/v1", "batch/v1beta1":
		return true
	}
	return false
}

func (k *Kubernetes) Run(ctx context.Context, p *project.LaunchProject, image string) (SubmittedRun, error) {
	args := project.ResourceArgsFor(p.FillMacros(image), "kubernetes")
	if len(args) == 0 {
		k.logger().Info(
			"no resource args specified. the job is launched with default settings",
			zap.String("run_id", p.RunID),
		)
	}
	namespace := k.namespace(args)

	env, err := p.EnvVars(k.API, project.MaxEnvLength(string(TypeKubernetes)))
	if err != nil {
		return nil, xe.Wrap(err)
	}

	if apiVersion, _ := args["apiVersion"].(string); !isBatchAPI(apiVersion) {
		return k.runResource(ctx, p, args, namespace, apiVersion, env)
	}

	job, err := JobSpec(args, p, image, env, k.config.AgentID)
	if err != nil {
		return nil, err
	}
	job.Namespace = namespace

	if ok, err := k.ack(ctx, p.RunID); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}

	secret, err := k.pullSecret(ctx, namespace, p.RunID)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		spec := &job.Spec.Template.Spec
		spec.ImagePullSecrets = append(spec.ImagePullSecrets, kubecore.LocalObjectReference{Name: secret})
	}

	cluster := k8s.AttachCluster(k.client, namespace)
	w, err := worker.Spawn(ctx, cluster, job)
	if err != nil {
		if secret != "" {
			if derr := k.client.DeleteSecret(context.Background(), namespace, secret); derr != nil && !kubeerr.IsNotFound(derr) {
				k.logger().Warn(
					"failed to delete secret", zap.String("run_id", p.RunID), zap.String("secret", secret), zap.Error(derr),
				)
			}
		}
		return nil, xe.NewLaunchError(
			"failed to create kubernetes job %s in namespace %s: %w", job.Name, namespace, err,
		)
	}
	k.logger().Info(
		"kubernetes job is created",
		zap.String("run_id", p.RunID), zap.String("namespace", namespace), zap.String("job", w.Name()),
	)
	if k.monitor != nil {
		k.monitor.Watch(namespace, nil)
	}

	return k.settle(ctx, &jobRun{
		client:    k.client,
		cluster:   cluster,
		name:      w.Name(),
		namespace: namespace,
		secret:    secret,
		monitor:   k.monitor,
		interval:  k.interval(),
		budget:    k.config.StartRetries,
		logger:    k.logger().With(zap.String("run_id", p.RunID)),
	})
}

// pullSecret creates `regcred-<run id>` secret to pull images from the registry.
//
// It returns "" when the registry needs no credentials.
func (k *Kubernetes) pullSecret(ctx context.Context, namespace string, runID string) (string, error) {
	if k.registry == nil || k.registry.Type() == registry.TypeLocal {
		return "", nil
	}
	uri, err := k.registry.URI(ctx)
	if err != nil {
		return "", xe.Wrap(err)
	}
	user, password, err := k.registry.Credentials(ctx)
	if err != nil {
		return "", xe.Wrap(err)
	}
	if user == "" && password == "" {
		return "", nil
	}
	config, err := builder.DockerConfigJSON(registry.Host(uri), user, password)
	if err != nil {
		return "", err
	}

	name := "regcred-" + runID
	secret := &kubecore.Secret{
		ObjectMeta: kubeapimeta.ObjectMeta{Name: name, Namespace: namespace},
		Type:       kubecore.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{kubecore.DockerConfigJsonKey: config},
	}
	if _, err := k.client.CreateSecret(ctx, namespace, secret); err != nil {
		if !kubeerr.IsAlreadyExists(err) {
			return "", xe.NewLaunchError("exception when creating kubernetes secret: %w", err)
		}
		if _, err := k.client.GetSecret(ctx, namespace, name); err != nil {
			return "", xe.NewLaunchError("exception when creating kubernetes secret: %w", err)
		}
	}
	return name, nil
}

// JobSpec makes a job from resource args, with launch defaults.
//
// The job has the image in its only container without image, the entry point
// as command of containers without command, override args and env in all containers.
func JobSpec(args map[string]any, p *project.LaunchProject, image string, env map[string]string, agentID string) (*kubebatch.Job, error) {
	job := new(kubebatch.Job)
	if err := roundTrip(args, job); err != nil {
		return nil, xe.NewLaunchError("kubernetes resource args is not a job: %w", err)
	}
	job.APIVersion = "batch/v1"
	job.Kind = "Job"

	if job.Name == "" && job.GenerateName == "" {
		job.Name = dnsSafeName(fmt.Sprintf("launch-%s-%s-%s", p.TargetEntity, p.TargetProject, p.RunID))
	}
	if job.Labels == nil {
		job.Labels = map[string]string{}
	}
	job.Labels[worker.MonitorLabel] = "true"
	job.Labels[worker.RunIDLabel] = p.RunID
	if agentID != "" {
		job.Labels[worker.AgentLabel] = agentID
	}

	spec := &job.Spec
	if spec.BackoffLimit == nil {
		spec.BackoffLimit = ptr.Ref[int32](0)
	}
	if spec.TTLSecondsAfterFinished == nil {
		spec.TTLSecondsAfterFinished = ptr.Ref[int32](defaultTTLSecondsAfterFinished)
	}
	if spec.Template.Labels == nil {
		spec.Template.Labels = map[string]string{}
	}
	spec.Template.Labels[worker.RunIDLabel] = p.RunID

	pod := &spec.Template.Spec
	if pod.RestartPolicy == "" {
		pod.RestartPolicy = kubecore.RestartPolicyNever
	}
	if len(pod.Containers) == 0 {
		pod.Containers = []kubecore.Container{{}}
	}

	imageless := []int{}
	for i := range pod.Containers {
		if pod.Containers[i].Image == "" {
			imageless = append(imageless, i)
		}
	}
	switch {
	case 1 < len(imageless):
		return nil, xe.NewLaunchError(
			"launch can only inject an image into one container at a time, but %d containers have no image",
			len(imageless),
		)
	case len(imageless) == 1:
		if image == "" {
			return nil, xe.NewLaunchError("no image to run in container %d", imageless[0])
		}
		pod.Containers[imageless[0]].Image = image
	case p.DockerImage != "" && image != "":
		pod.Containers[0].Image = image
	}

	ep := p.EntryPoint()
	envVars := envVarList(env)
	for i := range pod.Containers {
		c := &pod.Containers[i]
		if c.Name == "" {
			c.Name = fmt.Sprintf("launch%d", i)
		}
		if c.SecurityContext == nil {
			c.SecurityContext = defaultSecurityContext()
		}
		if 0 < len(p.OverrideArgs) {
			c.Args = p.OverrideArgs.Flags()
		}
		if ep != nil && len(c.Command) == 0 {
			c.Command = append([]string{}, ep.Command...)
		}
		c.Env = append(c.Env, envVars...)
	}
	return job, nil
}

func defaultSecurityContext() *kubecore.SecurityContext {
	return &kubecore.SecurityContext{
		AllowPrivilegeEscalation: ptr.Ref(false),
		Capabilities:             &kubecore.Capabilities{Drop: []kubecore.Capability{"ALL"}},
		SeccompProfile:           &kubecore.SeccompProfile{Type: kubecore.SeccompProfileTypeRuntimeDefault},
	}
}

func envVarList(env map[string]string) []kubecore.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]kubecore.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, kubecore.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}

func roundTrip(src any, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(dst)
}

// dnsSafeName makes s a valid name of kubernetes resources (RFC 1123 label).
func dnsSafeName(s string) string {
	b := new(strings.Builder)
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash {
				b.WriteRune('-')
			}
			dash = true
		}
	}
	name := b.String()
	if 63 < len(name) {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

type jobRun struct {
	client    k8s.K8sClient
	cluster   k8s.Cluster
	name      string
	namespace string
	secret    string
	monitor   *Monitor
	interval  time.Duration
	budget    int
	logger    *zap.Logger

	mu      sync.Mutex
	pending int
	final   *Status

	secretOnce sync.Once
}

var _ SubmittedRun = &jobRun{}

func (r *jobRun) ID() string {
	return r.name
}

func (r *jobRun) observe(ctx context.Context) (Status, error) {
	if r.monitor != nil {
		if st := r.monitor.Status(r.name); st.State != Unknown {
			return st, nil
		}
	}
	w, err := worker.Find(ctx, r.cluster, r.name)
	if err != nil {
		if xe.Is(err, k8s.ErrMissing) {
			return Status{State: Unknown}, nil
		}
		return Status{State: Unknown}, err
	}
	return Status{State: workerState(w)}, nil
}

func (r *jobRun) Poll(ctx context.Context) (Status, error) {
	r.mu.Lock()
	if r.final != nil {
		defer r.mu.Unlock()
		return *r.final, nil
	}
	r.mu.Unlock()

	st, err := r.observe(ctx)
	if err != nil {
		return st, err
	}

	r.mu.Lock()
	switch st.State {
	case Starting, Unknown:
		r.pending += 1
	default:
		r.pending = 0
	}
	pending := r.pending
	if st.State.Terminal() {
		r.final = &st
	}
	r.mu.Unlock()

	if st.State.Terminal() {
		r.deleteSecret(ctx)
	}
	if r.budget < pending {
		giveUp := xe.NewLaunchError(
			"kubernetes job %s in namespace %s has not started after %d status checks",
			r.name, r.namespace, pending,
		)
		if err := r.Cancel(ctx); err != nil {
			r.logger.Warn("failed to clean up the job which has not started", zap.String("job", r.name), zap.Error(err))
		}
		failed := Status{State: Failed}
		r.mu.Lock()
		r.final = &failed
		r.mu.Unlock()
		return failed, giveUp
	}
	return st, nil
}

func (r *jobRun) deleteSecret(ctx context.Context) {
	if r.secret == "" {
		return
	}
	r.secretOnce.Do(func() {
		if err := r.client.DeleteSecret(ctx, r.namespace, r.secret); err != nil && !kubeerr.IsNotFound(err) {
			r.logger.Warn("failed to delete secret", zap.String("secret", r.secret), zap.Error(err))
		}
	})
}

func (r *jobRun) Wait(ctx context.Context) (bool, error) {
	return wait(ctx, r, r.interval)
}

// Cancel suspends and deletes the job, then waits for it to disappear.
func (r *jobRun) Cancel(ctx context.Context) error {
	r.mu.Lock()
	final := r.final
	r.mu.Unlock()
	if final != nil {
		r.deleteSecret(ctx)
		return nil
	}

	if err := r.client.SuspendJob(ctx, r.namespace, r.name); err != nil && !kubeerr.IsNotFound(err) {
		r.logger.Warn("failed to suspend job", zap.String("job", r.name), zap.Error(err))
	}
	if err := r.client.DeleteJob(ctx, r.namespace, r.name); err != nil && !kubeerr.IsNotFound(err) {
		return xe.NewLaunchError(
			"failed to delete kubernetes job %s in namespace %s: %w", r.name, r.namespace, err,
		)
	}

	_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, _ struct{}) (struct{}, loop.Next) {
		_, err := worker.Find(ctx, r.cluster, r.name)
		if xe.Is(err, k8s.ErrMissing) {
			return struct{}{}, loop.Break(nil)
		}
		if err != nil {
			return struct{}{}, loop.Break(err)
		}
		return struct{}{}, loop.Continue(r.interval)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.final = &Status{State: Stopped}
	r.mu.Unlock()
	r.deleteSecret(ctx)
	return nil
}

func (r *jobRun) Logs(ctx context.Context) (string, error) {
	w, err := worker.Find(ctx, r.cluster, r.name)
	if err != nil {
		return "", err
	}
	rc, err := w.Log(ctx, "")
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	return string(b), err
}

// runResource submits a custom resource.
//
// Env, the run id label on pods and override args are put into every pod spec found in args.
func (k *Kubernetes) runResource(
	ctx context.Context, p *project.LaunchProject,
	args map[string]any, namespace string, apiVersion string, env map[string]string,
) (SubmittedRun, error) {
	manifest := map[string]any{}
	if err := roundTrip(args, &manifest); err != nil {
		return nil, xe.WrapWithNote("resource args", err)
	}

	group, version, ok := strings.Cut(apiVersion, "/")
	if !ok {
		return nil, xe.NewLaunchError("apiVersion should be <group>/<version>, but %q", apiVersion)
	}
	if g, ok := manifest["group"].(string); ok && g != "" {
		group = g
	}
	kind, _ := manifest["kind"].(string)
	if kind == "" {
		return nil, xe.NewLaunchError("kind is required to launch a custom resource of %s", apiVersion)
	}
	gvr := schema.GroupVersionResource{Group: group, Version: version, Resource: strings.ToLower(kind) + "s"}
	delete(manifest, "group")
	if _, ok := manifest["namespace"].(string); ok {
		delete(manifest, "namespace")
	}

	obj := &unstructured.Unstructured{Object: manifest}
	obj.SetNamespace(namespace)
	if obj.GetName() == "" && obj.GetGenerateName() == "" {
		obj.SetName(dnsSafeName(fmt.Sprintf("launch-%s-%s-%s", p.TargetEntity, p.TargetProject, p.RunID)))
	}
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[worker.MonitorLabel] = "true"
	labels[worker.RunIDLabel] = p.RunID
	if k.config.AgentID != "" {
		labels[worker.AgentLabel] = k.config.AgentID
	}
	obj.SetLabels(labels)

	addEnvToContainers(obj.Object, env)
	addLabelToPods(obj.Object, ResourceRunIDLabel, p.RunID)
	var command []string
	if ep := p.EntryPoint(); ep != nil {
		command = ep.Command
	}
	var cargs []string
	if 0 < len(p.OverrideArgs) {
		cargs = p.OverrideArgs.Flags()
	}
	overrideContainers(obj.Object, command, cargs)

	if ok, err := k.ack(ctx, p.RunID); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil
	}

	created, err := k.client.CreateResource(ctx, gvr, namespace, obj)
	if err != nil {
		return nil, xe.NewLaunchError("error creating custom resource of kind %s: %w", kind, err)
	}
	k.logger().Info(
		"custom resource is created",
		zap.String("run_id", p.RunID), zap.String("kind", kind), zap.String("name", created.GetName()),
	)
	if k.monitor != nil {
		k.monitor.Watch(namespace, &gvr)
	}
	return k.settle(ctx, &resourceRun{
		client:    k.client,
		gvr:       gvr,
		kind:      kind,
		name:      created.GetName(),
		namespace: namespace,
		runID:     p.RunID,
		monitor:   k.monitor,
		interval:  k.interval(),
	})
}

// yields container specs, found as items of "containers" lists.
func eachContainer(root any, f func(map[string]any)) {
	switch v := root.(type) {
	case map[string]any:
		for k, child := range v {
			if k == "containers" {
				if list, ok := child.([]any); ok {
					for _, c := range list {
						if cm, ok := c.(map[string]any); ok {
							f(cm)
						}
					}
				}
				continue
			}
			eachContainer(child, f)
		}
	case []any:
		for _, item := range v {
			eachContainer(item, f)
		}
	}
}

// yields pod templates: maps whose "spec" has "containers".
func eachPod(root any, f func(map[string]any)) {
	switch v := root.(type) {
	case map[string]any:
		if spec, ok := v["spec"].(map[string]any); ok {
			if _, ok := spec["containers"]; ok {
				f(v)
			}
		}
		for _, child := range v {
			eachPod(child, f)
		}
	case []any:
		for _, item := range v {
			eachPod(item, f)
		}
	}
}

// addEnvToContainers appends env to all containers. WANDB_RUN_ID goes only to the first one found.
func addEnvToContainers(root map[string]any, env map[string]string) {
	vars := envVarList(env)
	first := true
	eachContainer(root, func(c map[string]any) {
		list, _ := c["env"].([]any)
		for _, v := range vars {
			if v.Name == "WANDB_RUN_ID" && !first {
				continue
			}
			list = append(list, map[string]any{"name": v.Name, "value": v.Value})
		}
		c["env"] = list
		first = false
	})
}

func addLabelToPods(root map[string]any, key string, value string) {
	eachPod(root, func(pod map[string]any) {
		md, ok := pod["metadata"].(map[string]any)
		if !ok {
			md = map[string]any{}
			pod["metadata"] = md
		}
		labels, ok := md["labels"].(map[string]any)
		if !ok {
			labels = map[string]any{}
			md["labels"] = labels
		}
		labels[key] = value
	})
}

// overrideContainers sets args of all containers, and command of containers without command.
func overrideContainers(root map[string]any, command []string, args []string) {
	eachPod(root, func(pod map[string]any) {
		spec := pod["spec"].(map[string]any)
		containers, _ := spec["containers"].([]any)
		for _, c := range containers {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if 0 < len(command) {
				if _, ok := cm["command"]; !ok {
					cm["command"] = toAnyList(command)
				}
			}
			if 0 < len(args) {
				cm["args"] = toAnyList(args)
			}
		}
	})
}

func toAnyList(s []string) []any {
	l := make([]any, len(s))
	for i := range s {
		l[i] = s[i]
	}
	return l
}

type resourceRun struct {
	client    k8s.K8sClient
	gvr       schema.GroupVersionResource
	kind      string
	name      string
	namespace string
	runID     string
	monitor   *Monitor
	interval  time.Duration

	mu    sync.Mutex
	final *Status
}

var _ SubmittedRun = &resourceRun{}

func (r *resourceRun) ID() string {
	return r.name
}

func (r *resourceRun) Poll(ctx context.Context) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return *r.final, nil
	}

	st := Status{State: Unknown}
	if r.monitor != nil {
		st = r.monitor.Status(r.name)
	}
	if st.State == Unknown {
		obj, err := r.client.GetResource(ctx, r.gvr, r.namespace, r.name)
		if err != nil {
			if kubeerr.IsNotFound(err) {
				return st, nil
			}
			return st, err
		}
		if s, ok := resourceState(obj); ok {
			st = Status{State: s}
		} else {
			st = Status{State: Starting}
		}
	}
	if st.State.Terminal() {
		r.final = &st
	}
	return st, nil
}

func (r *resourceRun) Wait(ctx context.Context) (bool, error) {
	return wait(ctx, r, r.interval)
}

func (r *resourceRun) Cancel(ctx context.Context) error {
	r.mu.Lock()
	done := r.final != nil
	r.mu.Unlock()
	if done {
		return nil
	}

	if err := r.client.DeleteResource(ctx, r.gvr, r.namespace, r.name); err != nil && !kubeerr.IsNotFound(err) {
		return xe.NewLaunchError(
			"failed to delete %s %s in namespace %s: %w", r.kind, r.name, r.namespace, err,
		)
	}
	_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, _ struct{}) (struct{}, loop.Next) {
		_, err := r.client.GetResource(ctx, r.gvr, r.namespace, r.name)
		if kubeerr.IsNotFound(err) {
			return struct{}{}, loop.Break(nil)
		}
		if err != nil {
			return struct{}{}, loop.Break(err)
		}
		return struct{}{}, loop.Continue(r.interval)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.final = &Status{State: Stopped}
	r.mu.Unlock()
	return nil
}

// Logs of the first pod labeled with the run id.
func (r *resourceRun) Logs(ctx context.Context) (string, error) {
	pods, err := r.client.FindPods(ctx, r.namespace, k8s.LabelsToSelector(map[string]string{ResourceRunIDLabel: r.runID}))
	if err != nil {
		return "", err
	}
	if len(pods) == 0 {
		return "", nil
	}
	rc, err := r.client.Log(ctx, r.namespace, pods[0].Name, "", false)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	return string(b), err
}
