package k8s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/opst/knitlaunch/pkg/utils/retry"
)

var (
	// ErrConflict is returned when the resource to be created exists already.
	ErrConflict = errors.New("resource conflicted")

	// ErrMissing is returned when the resource is not found.
	ErrMissing = errors.New("resource missing")

	// ErrDeadlineExceeded is returned by requirements made with WithCheckpoint after their deadline.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// subset of k8s.Clientset and dynamic.Interface
type K8sClient interface {
	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
	CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error
	ListJobs(ctx context.Context, namespace string, labelSelector LabelSelector) ([]kubebatch.Job, error)

	// SuspendJob sets `.spec.suspend = true` to the job.
	SuspendJob(ctx context.Context, namespace string, name string) error

	GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error)
	FindPods(ctx context.Context, namespace string, labelSelector LabelSelector) ([]kubecore.Pod, error)

	GetSecret(ctx context.Context, namespace string, name string) (*kubecore.Secret, error)
	CreateSecret(ctx context.Context, namespace string, secret *kubecore.Secret) (*kubecore.Secret, error)
	DeleteSecret(ctx context.Context, namespace string, name string) error

	GetResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, name string) (*unstructured.Unstructured, error)
	CreateResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	DeleteResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, name string) error
	ListResources(ctx context.Context, gvr schema.GroupVersionResource, namespace string, labelSelector LabelSelector) ([]unstructured.Unstructured, error)

	Log(ctx context.Context, namespace string, podname string, container string, follow bool) (io.ReadCloser, error)
}

// A wrapper for clientsets; because it does not prefer method chain-style invocations of that type.
type k8sClient struct {
	client  k8s.Interface
	dynamic dynamic.Interface
}

// type check: k8sClient implements K8sClient
var _ K8sClient = &k8sClient{}

func foreground() kubeapimeta.DeleteOptions {
	fg := kubeapimeta.DeletePropagationForeground
	return kubeapimeta.DeleteOptions{PropagationPolicy: &fg}
}

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	return k.client.BatchV1().Jobs(namespace).Delete(ctx, name, foreground())
}

func (k *k8sClient) ListJobs(ctx context.Context, namespace string, labels LabelSelector) ([]kubebatch.Job, error) {
	resp, err := k.client.BatchV1().Jobs(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labels.QueryString(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) SuspendJob(ctx context.Context, namespace string, name string) error {
	_, err := k.client.BatchV1().Jobs(namespace).Patch(
		ctx, name, types.MergePatchType,
		[]byte(`{"spec":{"suspend":true}}`),
		kubeapimeta.PatchOptions{},
	)
	return err
}

func (k *k8sClient) GetPod(ctx context.Context, namespace string, name string) (*kubecore.Pod, error) {
	return k.client.CoreV1().Pods(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) FindPods(ctx context.Context, namespace string, labels LabelSelector) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labels.QueryString(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) GetSecret(ctx context.Context, namespace string, name string) (*kubecore.Secret, error) {
	return k.client.CoreV1().Secrets(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) CreateSecret(ctx context.Context, namespace string, secret *kubecore.Secret) (*kubecore.Secret, error) {
	return k.client.CoreV1().Secrets(namespace).Create(ctx, secret, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) DeleteSecret(ctx context.Context, namespace string, name string) error {
	return k.client.CoreV1().Secrets(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
}

func (k *k8sClient) GetResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, name string) (*unstructured.Unstructured, error) {
	if k.dynamic == nil {
		return nil, errors.New("dynamic client is not configured")
	}
	return k.dynamic.Resource(gvr).Namespace(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) CreateResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if k.dynamic == nil {
		return nil, errors.New("dynamic client is not configured")
	}
	return k.dynamic.Resource(gvr).Namespace(namespace).Create(ctx, obj, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) DeleteResource(ctx context.Context, gvr schema.GroupVersionResource, namespace string, name string) error {
	if k.dynamic == nil {
		return errors.New("dynamic client is not configured")
	}
	return k.dynamic.Resource(gvr).Namespace(namespace).Delete(ctx, name, foreground())
}

func (k *k8sClient) ListResources(ctx context.Context, gvr schema.GroupVersionResource, namespace string, labels LabelSelector) ([]unstructured.Unstructured, error) {
	if k.dynamic == nil {
		return nil, errors.New("dynamic client is not configured")
	}
	resp, err := k.dynamic.Resource(gvr).Namespace(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labels.QueryString(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) Log(ctx context.Context, namespace string, podname string, container string, follow bool) (io.ReadCloser, error) {
	return k.client.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, &kubecore.PodLogOptions{Container: container, Follow: follow}).
		Stream(ctx)
}

// WrapK8sClient wraps clientsets. d can be nil when custom resources are not used.
func WrapK8sClient(c k8s.Interface, d dynamic.Interface) K8sClient {
	return &k8sClient{client: c, dynamic: d}
}

type JobStatus string

const (
	// no pods have been started.
	Pending JobStatus = "Pending"

	// at least one pod has started, and the job has not completed.
	Running JobStatus = "Running"

	// the job is succeeded.
	Succeeded JobStatus = "Succeeded"

	// the job is failed.
	Failed JobStatus = "Failed"

	// the job is suspended.
	Suspended JobStatus = "Suspended"
)

// abstraction of k8s job.
type Job interface {
	// the name of the job
	Name() string

	// the namespace where the job is placed in
	Namespace() string

	// how does the job progress, at least
	//
	// This value is just a SNAPSHOT of the job when you get the instance.
	// To refresh, you should get a new instance of `Job` with `Cluster.GetJob`.
	//
	// # return
	//
	// - Succeeded, Failed : it is succeeded or failed as a job.
	//
	// - Suspended : the job has Suspended condition.
	//
	// - Running : (At least) one pod has been started.
	//
	// - Pending : no pods have been started.
	Status() JobStatus

	// Raw is the snapshot of the job resource.
	Raw() *kubebatch.Job

	// Pods of the job at the moment of the snapshot.
	Pods() []kubecore.Pod

	//	ExitCode returns the exit code of the container of job
	//
	// # Return
	//
	// - exitCode : the exit code of the container.
	//
	// - reason: the reason of the termination.
	//
	// - ok : true if the container has been stopped, false otherwise.
	ExitCode(container string) (uint8, string, bool)

	// Log get log stream of a container of the first pod.
	Log(ctx context.Context, containerName string, follow bool) (io.ReadCloser, error)

	// destroy the job. If the job is running or pending, it can be aborted.
	Close() error
}

type job struct {
	job    *kubebatch.Job
	pods   []kubecore.Pod
	client K8sClient
	close  func() error
}

var _ Job = &job{}

func (j *job) Name() string {
	return j.job.Name
}

func (j *job) Namespace() string {
	return j.job.Namespace
}

func (j *job) Raw() *kubebatch.Job {
	return j.job
}

func (j *job) Pods() []kubecore.Pod {
	return j.pods
}

func (j *job) Status() JobStatus {
	for _, sc := range j.job.Status.Conditions {
		if sc.Status != kubecore.ConditionTrue {
			continue
		}
		switch sc.Type {
		case kubebatch.JobComplete:
			return Succeeded
		case kubebatch.JobFailed:
			return Failed
		case kubebatch.JobSuspended:
			return Suspended
		}
	}
	if 0 < j.job.Status.Succeeded {
		return Succeeded
	}
	if 0 < j.job.Status.Failed {
		return Failed
	}

	for _, p := range j.pods {
		// if at least one pod has been run, the job has been run.
		switch p.Status.Phase {
		case kubecore.PodRunning, kubecore.PodSucceeded, kubecore.PodFailed:
			return Running
		}
	}

	return Pending
}

func (j *job) Log(ctx context.Context, containerName string, follow bool) (io.ReadCloser, error) {
	if len(j.pods) == 0 {
		return nil, errors.New("no pods")
	}
	pod := j.pods[0]
	return j.client.Log(ctx, pod.Namespace, pod.Name, containerName, follow)
}

func (j *job) ExitCode(container string) (uint8, string, bool) {
	for _, p := range j.pods {
		for _, c := range p.Status.ContainerStatuses {
			if c.Name != container {
				continue
			}
			if term := c.State.Terminated; term != nil {
				return uint8(term.ExitCode), term.Reason, true
			}
			break
		}
	}
	return 0, "", false
}

func (j *job) Close() error {
	if j.close == nil {
		return nil
	}
	return j.close()
}

type Cluster interface {
	Namespace() string

	// Client is the client this cluster is attached with.
	Client() K8sClient

	// NewJob creates a job and waits until it satisfies requirements.
	//
	// # Returns
	//
	// - retry.Promise[Job]: settled with the job, or
	// an error wrapping ErrConflict when the job exists already.
	NewJob(
		ctx context.Context, backoff retry.Backoff, j *kubebatch.Job,
		requirements ...Requirement[*kubebatch.Job],
	) retry.Promise[Job]

	// GetJob waits until the job satisfies requirements.
	//
	// # Returns
	//
	// - retry.Promise[Job]: settled with the job, or
	// an error wrapping ErrMissing when the job is not found.
	GetJob(
		ctx context.Context, backoff retry.Backoff, name string,
		requirements ...Requirement[*kubebatch.Job],
	) retry.Promise[Job]
}

type k8sCluster struct {
	client    K8sClient
	namespace string
}

// Requirement is a function that checks if creating k8s resource satisfies the requirement.
//
// # Return
//
// - error: When the value satisfies the requirement, return nil.
// If it is waiting to satisfy the requirement, return `retry.ErrRetry`.
// Otherwise, return error.
type Requirement[T any] func(value T) error

func WithCheckpoint[T any](requirement Requirement[T], deadline time.Time) Requirement[T] {
	satisfied := false
	return func(value T) error {
		if satisfied {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDeadlineExceeded
		}

		err := requirement(value)
		if err != nil {
			return err
		}

		satisfied = true
		return nil
	}
}

func satisfyAll[T any](value T, req []Requirement[T]) error {
	for _, r := range req {
		if err := r(value); err != nil {
			return err
		}
	}
	return nil
}

// type check: k8scluster implements Cluster
var _ Cluster = &k8sCluster{}

// Attach kubernetes cluster.
//
// args:
//   - client: k8s clientset
//   - namespace: k8s namespace
func AttachCluster(client K8sClient, namespace string) Cluster {
	return &k8sCluster{client: client, namespace: namespace}
}

func (c *k8sCluster) Namespace() string {
	return c.namespace
}

func (c *k8sCluster) Client() K8sClient {
	return c.client
}

var JobHaveBeenCreated Requirement[*kubebatch.Job] = func(value *kubebatch.Job) error {
	return nil
}

// JobHasFinished is satisfied when the job is completed or failed.
var JobHasFinished Requirement[*kubebatch.Job] = func(value *kubebatch.Job) error {
	switch (&job{job: value}).Status() {
	case Succeeded, Failed:
		return nil
	default:
		return retry.ErrRetry
	}
}

func (c *k8sCluster) NewJob(
	ctx context.Context, p retry.Backoff, j *kubebatch.Job,
	requirements ...Requirement[*kubebatch.Job],
) retry.Promise[Job] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubebatch.Job]{JobHaveBeenCreated}
	}

	select {
	case <-ctx.Done():
		return retry.Failed[Job](ctx.Err())
	default:
	}
	_job, err := c.client.CreateJob(ctx, c.namespace, j)
	if err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return retry.Failed[Job](fmt.Errorf("%w: %w", ErrConflict, err))
		}
		return retry.Failed[Job](err)
	}
	_close := func() error {
		return c.client.DeleteJob(context.Background(), c.namespace, _job.Name)
	}

	if err := satisfyAll(_job, requirements); err == nil {
		ret := &job{job: _job, close: _close, client: c.client}
		if _job.Spec.Selector != nil {
			if pods, err := c.client.FindPods(
				ctx, c.namespace, LabelsToSelector(_job.Spec.Selector.MatchLabels),
			); err == nil {
				ret.pods = pods
			}
		}
		return retry.Ok[Job](ret)
	} else if !errors.Is(err, retry.ErrRetry) {
		return retry.Failed[Job](err)
	}

	return c.GetJob(ctx, p, _job.Name, requirements...)
}

func (c *k8sCluster) GetJob(
	ctx context.Context, p retry.Backoff, name string,
	requirements ...Requirement[*kubebatch.Job],
) retry.Promise[Job] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubebatch.Job]{JobHaveBeenCreated}
	}
	_close := func() error {
		return c.client.DeleteJob(context.Background(), c.namespace, name)
	}

	return retry.Go(ctx, p, func() (Job, error) {
		_job, err := c.client.GetJob(ctx, c.namespace, name)
		if err != nil {
			if kubeerr.IsNotFound(err) {
				return nil, fmt.Errorf("%w: %w", ErrMissing, err)
			}
			return nil, err
		}
		ret := &job{job: _job, close: _close, client: c.client}

		if err := satisfyAll(_job, requirements); err != nil {
			return ret, err
		}

		selector := map[string]string{"job-name": _job.Name}
		if _job.Spec.Selector != nil && len(_job.Spec.Selector.MatchLabels) != 0 {
			selector = _job.Spec.Selector.MatchLabels
		}
		if pods, err := c.client.FindPods(ctx, c.namespace, LabelsToSelector(selector)); err == nil {
			ret.pods = pods
		}
		return ret, nil
	})
}
