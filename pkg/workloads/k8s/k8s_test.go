package k8s_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/knitlaunch/pkg/utils/retry"
	"github.com/opst/knitlaunch/pkg/utils/try"
	k8s "github.com/opst/knitlaunch/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
)

const namespace = "launch-test"

func newJob(name string) *kubebatch.Job {
	return &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{Name: name, Namespace: namespace},
		Spec: kubebatch.JobSpec{
			Selector: &kubeapimeta.LabelSelector{
				MatchLabels: map[string]string{"wandb/run-id": name},
			},
			Template: kubecore.PodTemplateSpec{
				Spec: kubecore.PodSpec{
					Containers: []kubecore.Container{{Name: "main", Image: "busybox"}},
				},
			},
		},
	}
}

func newPod(name string, runID string, phase kubecore.PodPhase, terminated *kubecore.ContainerStateTerminated) *kubecore.Pod {
	return &kubecore.Pod{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name: name, Namespace: namespace,
			Labels: map[string]string{"wandb/run-id": runID},
		},
		Status: kubecore.PodStatus{
			Phase: phase,
			ContainerStatuses: []kubecore.ContainerStatus{
				{Name: "main", State: kubecore.ContainerState{Terminated: terminated}},
			},
		},
	}
}

func TestCluster_NewJob(t *testing.T) {
	t.Run("it creates a job", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		clientset := fake.NewSimpleClientset()
		cluster := k8s.AttachCluster(k8s.WrapK8sClient(clientset, nil), namespace)

		job := try.To(retry.Await(
			ctx, cluster.NewJob(ctx, retry.StaticBackoff(10*time.Millisecond), newJob("job-1")),
		)).OrFatal(t)

		if job.Name() != "job-1" || job.Namespace() != namespace {
			t.Errorf("unexpected job: %s/%s", job.Namespace(), job.Name())
		}
		if job.Status() != k8s.Pending {
			t.Errorf("status: (actual, expected) = (%s, %s)", job.Status(), k8s.Pending)
		}

		if err := job.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := clientset.BatchV1().Jobs(namespace).Get(ctx, "job-1", kubeapimeta.GetOptions{}); err == nil {
			t.Errorf("job is not deleted")
		}
	})

	t.Run("it reports conflict when the job exists", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		clientset := fake.NewSimpleClientset(newJob("job-1"))
		cluster := k8s.AttachCluster(k8s.WrapK8sClient(clientset, nil), namespace)

		_, err := retry.Await(ctx, cluster.NewJob(ctx, retry.Immediate, newJob("job-1")))
		if !errors.Is(err, k8s.ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestCluster_GetJob(t *testing.T) {
	type When struct {
		job  *kubebatch.Job
		pods []runtime.Object
	}
	type Then struct {
		status   k8s.JobStatus
		exitCode uint8
		reason   string
		exited   bool
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			objs := append([]runtime.Object{when.job}, when.pods...)
			clientset := fake.NewSimpleClientset(objs...)
			cluster := k8s.AttachCluster(k8s.WrapK8sClient(clientset, nil), namespace)

			job := try.To(retry.Await(
				ctx, cluster.GetJob(ctx, retry.StaticBackoff(10*time.Millisecond), when.job.Name),
			)).OrFatal(t)

			if job.Status() != then.status {
				t.Errorf("status: (actual, expected) = (%s, %s)", job.Status(), then.status)
			}
			code, reason, ok := job.ExitCode("main")
			if code != then.exitCode || reason != then.reason || ok != then.exited {
				t.Errorf(
					"exit code: (actual, expected) = (%d/%s/%v, %d/%s/%v)",
					code, reason, ok, then.exitCode, then.reason, then.exited,
				)
			}
		}
	}

	t.Run("pending job without pods", theory(
		When{job: newJob("job-1")},
		Then{status: k8s.Pending},
	))

	t.Run("job with a running pod", theory(
		When{
			job:  newJob("job-1"),
			pods: []runtime.Object{newPod("job-1-abcde", "job-1", kubecore.PodRunning, nil)},
		},
		Then{status: k8s.Running},
	))

	t.Run("pods of other jobs are ignored", theory(
		When{
			job:  newJob("job-1"),
			pods: []runtime.Object{newPod("job-2-abcde", "job-2", kubecore.PodRunning, nil)},
		},
		Then{status: k8s.Pending},
	))

	{
		j := newJob("job-1")
		j.Status.Conditions = []kubebatch.JobCondition{
			{Type: kubebatch.JobComplete, Status: kubecore.ConditionTrue},
		}
		t.Run("completed job", theory(
			When{
				job: j,
				pods: []runtime.Object{newPod(
					"job-1-abcde", "job-1", kubecore.PodSucceeded,
					&kubecore.ContainerStateTerminated{ExitCode: 0, Reason: "Completed"},
				)},
			},
			Then{status: k8s.Succeeded, exitCode: 0, reason: "Completed", exited: true},
		))
	}

	{
		j := newJob("job-1")
		j.Status.Failed = 1
		t.Run("failed job", theory(
			When{
				job: j,
				pods: []runtime.Object{newPod(
					"job-1-abcde", "job-1", kubecore.PodFailed,
					&kubecore.ContainerStateTerminated{ExitCode: 137, Reason: "OOMKilled"},
				)},
			},
			Then{status: k8s.Failed, exitCode: 137, reason: "OOMKilled", exited: true},
		))
	}

	{
		j := newJob("job-1")
		j.Status.Conditions = []kubebatch.JobCondition{
			{Type: kubebatch.JobSuspended, Status: kubecore.ConditionTrue},
		}
		t.Run("suspended job", theory(
			When{job: j},
			Then{status: k8s.Suspended},
		))
	}

	t.Run("missing job", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		cluster := k8s.AttachCluster(k8s.WrapK8sClient(fake.NewSimpleClientset(), nil), namespace)
		_, err := retry.Await(ctx, cluster.GetJob(ctx, retry.Immediate, "no-such-job"))
		if !errors.Is(err, k8s.ErrMissing) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("it waits until the job satisfies requirements", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		clientset := fake.NewSimpleClientset(newJob("job-1"))
		cluster := k8s.AttachCluster(k8s.WrapK8sClient(clientset, nil), namespace)

		promise := cluster.GetJob(
			ctx, retry.StaticBackoff(10*time.Millisecond), "job-1", k8s.JobHasFinished,
		)

		time.Sleep(50 * time.Millisecond)
		j := try.To(clientset.BatchV1().Jobs(namespace).Get(ctx, "job-1", kubeapimeta.GetOptions{})).OrFatal(t)
		j.Status.Succeeded = 1
		try.To(clientset.BatchV1().Jobs(namespace).UpdateStatus(ctx, j, kubeapimeta.UpdateOptions{})).OrFatal(t)

		job := try.To(retry.Await(ctx, promise)).OrFatal(t)
		if job.Status() != k8s.Succeeded {
			t.Errorf("status: (actual, expected) = (%s, %s)", job.Status(), k8s.Succeeded)
		}
	})
}

func TestWithCheckpoint(t *testing.T) {
	t.Run("it fails after deadline", func(t *testing.T) {
		req := k8s.WithCheckpoint(
			k8s.JobHasFinished, time.Now().Add(-time.Second),
		)
		if err := req(newJob("job-1")); !errors.Is(err, k8s.ErrDeadlineExceeded) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("once satisfied, it keeps satisfied", func(t *testing.T) {
		calls := 0
		req := k8s.WithCheckpoint(func(*kubebatch.Job) error {
			calls += 1
			return nil
		}, time.Now().Add(time.Hour))

		for range 3 {
			if err := req(newJob("job-1")); err != nil {
				t.Fatal(err)
			}
		}
		if calls != 1 {
			t.Errorf("calls: (actual, expected) = (%d, %d)", calls, 1)
		}
	})
}

func TestK8sClient(t *testing.T) {
	t.Run("SuspendJob sets suspend", func(t *testing.T) {
		ctx := context.Background()
		clientset := fake.NewSimpleClientset(newJob("job-1"))
		client := k8s.WrapK8sClient(clientset, nil)

		if err := client.SuspendJob(ctx, namespace, "job-1"); err != nil {
			t.Fatal(err)
		}
		j := try.To(client.GetJob(ctx, namespace, "job-1")).OrFatal(t)
		if j.Spec.Suspend == nil || !*j.Spec.Suspend {
			t.Errorf("job is not suspended: %+v", j.Spec.Suspend)
		}
	})

	t.Run("secrets can be created and deleted", func(t *testing.T) {
		ctx := context.Background()
		client := k8s.WrapK8sClient(fake.NewSimpleClientset(), nil)

		try.To(client.CreateSecret(ctx, namespace, &kubecore.Secret{
			ObjectMeta: kubeapimeta.ObjectMeta{Name: "regcred-abc"},
			Type:       kubecore.SecretTypeDockerConfigJson,
			Data:       map[string][]byte{kubecore.DockerConfigJsonKey: []byte(`{"auths":{}}`)},
		})).OrFatal(t)

		s := try.To(client.GetSecret(ctx, namespace, "regcred-abc")).OrFatal(t)
		if s.Type != kubecore.SecretTypeDockerConfigJson {
			t.Errorf("type: (actual, expected) = (%s, %s)", s.Type, kubecore.SecretTypeDockerConfigJson)
		}
		if err := client.DeleteSecret(ctx, namespace, "regcred-abc"); err != nil {
			t.Fatal(err)
		}
		if _, err := client.GetSecret(ctx, namespace, "regcred-abc"); err == nil {
			t.Errorf("secret is not deleted")
		}
	})

	t.Run("custom resources go through dynamic client", func(t *testing.T) {
		ctx := context.Background()
		gvr := schema.GroupVersionResource{Group: "batch.volcano.sh", Version: "v1alpha1", Resource: "jobs"}
		dyn := dynfake.NewSimpleDynamicClientWithCustomListKinds(
			runtime.NewScheme(), map[schema.GroupVersionResource]string{gvr: "JobList"},
		)
		client := k8s.WrapK8sClient(fake.NewSimpleClientset(), dyn)

		obj := &unstructured.Unstructured{Object: map[string]any{
			"apiVersion": "batch.volcano.sh/v1alpha1",
			"kind":       "Job",
			"metadata":   map[string]any{"name": "vc-1", "namespace": namespace},
		}}
		try.To(client.CreateResource(ctx, gvr, namespace, obj)).OrFatal(t)

		got := try.To(client.GetResource(ctx, gvr, namespace, "vc-1")).OrFatal(t)
		if got.GetName() != "vc-1" {
			t.Errorf("name: (actual, expected) = (%s, %s)", got.GetName(), "vc-1")
		}
		if err := client.DeleteResource(ctx, gvr, namespace, "vc-1"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("without dynamic client, custom resources are refused", func(t *testing.T) {
		client := k8s.WrapK8sClient(fake.NewSimpleClientset(), nil)
		gvr := schema.GroupVersionResource{Group: "x", Version: "v1", Resource: "ys"}
		if _, err := client.GetResource(context.Background(), gvr, namespace, "z"); err == nil {
			t.Errorf("expected error")
		}
	})
}
