// Package worker is kubernetes jobs running launched runs.
package worker

import (
	"context"
	"io"
	"time"

	"github.com/opst/knitlaunch/pkg/utils/retry"
	k8s "github.com/opst/knitlaunch/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
)

const (
	// RunIDLabel is put on jobs and pods of launched runs.
	RunIDLabel = "wandb.ai/run-id"

	// MonitorLabel marks jobs which the agent monitors.
	MonitorLabel = "wandb.ai/monitor"

	// AgentLabel is the id of the agent which launched the job.
	AgentLabel = "wandb.ai/agent"
)

type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Done      Status = "done"
	Failed    Status = "failed"
	Suspended Status = "suspended"
)

type Worker interface {
	// RunID returns the run id which the job is labeled with.
	RunID() string

	// Name is the name of the job.
	Name() string

	Namespace() string

	// JobStatus returns the status of the job.
	JobStatus() Status

	// Preempted reports that a pod of the job has been disrupted
	// by eviction, preemption or kubelet.
	Preempted() bool

	// Creating reports that a container of the job is being created.
	Creating() bool

	// ExitCode returns the exit code of the container.
	//
	// # Returns
	//
	// - exitCode : the exit code of the container.
	//
	// - reason: the reason of the exit.
	//
	// - ok : true if the container has been stopped, false otherwise.
	ExitCode(container string) (uint8, string, bool)

	// Log returns the log of the container in the first pod.
	Log(ctx context.Context, container string) (io.ReadCloser, error)

	// Close deletes the job.
	Close() error
}

type worker struct {
	job k8s.Job
}

func (w *worker) RunID() string {
	return w.job.Raw().Labels[RunIDLabel]
}

func (w *worker) Name() string {
	return w.job.Name()
}

func (w *worker) Namespace() string {
	return w.job.Namespace()
}

func (w *worker) JobStatus() Status {
	switch w.job.Status() {
	case k8s.Succeeded:
		return Done
	case k8s.Failed:
		return Failed
	case k8s.Suspended:
		return Suspended
	case k8s.Pending:
		return Pending
	default:
		return Running
	}
}

func (w *worker) Preempted() bool {
	for _, p := range w.job.Pods() {
		if IsPreempted(&p) {
			return true
		}
	}
	return false
}

func (w *worker) Creating() bool {
	for _, p := range w.job.Pods() {
		if IsContainerCreating(&p) {
			return true
		}
	}
	return false
}

func (w *worker) ExitCode(container string) (uint8, string, bool) {
	return w.job.ExitCode(container)
}

func (w *worker) Log(ctx context.Context, container string) (io.ReadCloser, error) {
	return w.job.Log(ctx, container, false)
}

func (w *worker) Close() error {
	return w.job.Close()
}

// reasons of DisruptionTarget conditions which mean the pod was taken away.
var preemptionReasons = map[string]struct{}{
	"EvictionByEvictionAPI": {},
	"PreemptionByScheduler": {},
	"TerminationByKubelet":  {},
}

// IsPreempted reports the pod has been disrupted by eviction, preemption or kubelet.
func IsPreempted(pod *kubecore.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type != kubecore.DisruptionTarget {
			continue
		}
		if _, ok := preemptionReasons[c.Reason]; ok {
			return true
		}
	}
	return false
}

// IsContainerCreating reports a container of the pod is being created.
func IsContainerCreating(pod *kubecore.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && w.Reason == "ContainerCreating" {
			return true
		}
	}
	return false
}

// spawn new Worker
//
// # params:
//
// - ctx
//
// - cluster : where the Worker is spawned into
//
//   - job : the job to be created "as-is basis".
//     The job can have generateName instead of name.
func Spawn(ctx context.Context, cluster k8s.Cluster, job *kubebatch.Job) (Worker, error) {
	prom := <-cluster.NewJob(ctx, retry.StaticBackoff(3*time.Second), job)
	if prom.Err != nil {
		return nil, prom.Err
	}
	return &worker{job: prom.Value}, nil
}

// Find the Worker of the job named so.
//
// # Returns
//
// - error : wrapping k8s.ErrMissing when the job is not found.
func Find(ctx context.Context, cluster k8s.Cluster, name string) (Worker, error) {
	// one-shot. missing jobs are not waited for.
	prom := <-cluster.GetJob(ctx, retry.Limited(retry.Immediate, 1), name)
	if prom.Err != nil {
		return nil, prom.Err
	}
	return &worker{job: prom.Value}, nil
}
