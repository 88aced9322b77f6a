package runner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/launch/runner"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"github.com/opst/knitlaunch/pkg/utils/try"
	"github.com/opst/knitlaunch/pkg/workloads/k8s"
	"github.com/opst/knitlaunch/pkg/workloads/worker"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
)

const namespace = "launch-test"

type fakeRegistry struct {
	typ      registry.Type
	uri      string
	user     string
	password string
}

func (r fakeRegistry) Type() registry.Type {
	return r.typ
}

func (r fakeRegistry) URI(context.Context) (string, error) {
	return r.uri, nil
}

func (r fakeRegistry) Credentials(context.Context) (string, string, error) {
	return r.user, r.password, nil
}

func (r fakeRegistry) ImageExists(context.Context, string) (bool, error) {
	return true, nil
}

var remoteRegistry = fakeRegistry{
	typ: registry.TypeRemote, uri: "registry.example.com/launch", user: "user", password: "pw",
}

func kubernetesProject(t *testing.T, args map[string]any) *project.LaunchProject {
	t.Helper()
	extra := map[string]any{"resource": "kubernetes"}
	if args != nil {
		extra["resource_args"] = map[string]any{"kubernetes": args}
	}
	return newProject(t, extra)
}

func TestJobSpec(t *testing.T) {
	env := map[string]string{"WANDB_RUN_ID": "abc123", "WANDB_API_KEY": "key"}

	t.Run("without resource args, it makes a job with launch defaults", func(t *testing.T) {
		p := kubernetesProject(t, nil)
		job := try.To(runner.JobSpec(map[string]any{}, p, "python:3.10", env, "agent-1")).OrFatal(t)

		if job.Name != "launch-ent-proj-abc123" {
			t.Errorf("name: (actual, expected) = (%s, %s)", job.Name, "launch-ent-proj-abc123")
		}
		for k, v := range map[string]string{
			worker.MonitorLabel: "true",
			worker.RunIDLabel:   "abc123",
			worker.AgentLabel:   "agent-1",
		} {
			if job.Labels[k] != v {
				t.Errorf("label %s: (actual, expected) = (%s, %s)", k, job.Labels[k], v)
			}
		}
		if job.Spec.Template.Labels[worker.RunIDLabel] != "abc123" {
			t.Errorf("pod template is not labeled: %v", job.Spec.Template.Labels)
		}
		if *job.Spec.BackoffLimit != 0 {
			t.Errorf("backoffLimit: %d", *job.Spec.BackoffLimit)
		}
		if *job.Spec.TTLSecondsAfterFinished != 60 {
			t.Errorf("ttlSecondsAfterFinished: %d", *job.Spec.TTLSecondsAfterFinished)
		}
		pod := job.Spec.Template.Spec
		if pod.RestartPolicy != kubecore.RestartPolicyNever {
			t.Errorf("restartPolicy: %s", pod.RestartPolicy)
		}
		if len(pod.Containers) != 1 {
			t.Fatalf("containers: %+v", pod.Containers)
		}
		c := pod.Containers[0]
		if c.Name != "launch0" || c.Image != "python:3.10" {
			t.Errorf("container: (name, image) = (%s, %s)", c.Name, c.Image)
		}
		if !slices.Equal(c.Command, []string{"python", "train.py"}) {
			t.Errorf("command: %v", c.Command)
		}
		if !slices.Equal(c.Args, []string{"--lr", "0.1"}) {
			t.Errorf("args: %v", c.Args)
		}
		expectedEnv := []kubecore.EnvVar{
			{Name: "WANDB_API_KEY", Value: "key"},
			{Name: "WANDB_RUN_ID", Value: "abc123"},
		}
		if !slices.Equal(c.Env, expectedEnv) {
			t.Errorf("env: (actual, expected) = (%v, %v)", c.Env, expectedEnv)
		}
		if c.SecurityContext == nil || *c.SecurityContext.AllowPrivilegeEscalation {
			t.Errorf("security context: %+v", c.SecurityContext)
		}
	})

	t.Run("the image goes into the only container without image", func(t *testing.T) {
		p := kubernetesProject(t, nil)
		args := map[string]any{
			"metadata": map[string]any{"name": "my-job"},
			"spec": map[string]any{"template": map[string]any{"spec": map[string]any{
				"containers": []any{
					map[string]any{"name": "sidecar", "image": "busybox", "command": []any{"sleep"}},
					map[string]any{"name": "main"},
				},
			}}},
		}
		job := try.To(runner.JobSpec(args, p, "python:3.10", env, "")).OrFatal(t)

		if job.Name != "my-job" {
			t.Errorf("name: (actual, expected) = (%s, %s)", job.Name, "my-job")
		}
		if _, ok := job.Labels[worker.AgentLabel]; ok {
			t.Errorf("agent label should not be set: %v", job.Labels)
		}
		containers := job.Spec.Template.Spec.Containers
		if containers[0].Image != "busybox" || containers[1].Image != "python:3.10" {
			t.Errorf("images: (%s, %s)", containers[0].Image, containers[1].Image)
		}
		if !slices.Equal(containers[0].Command, []string{"sleep"}) {
			t.Errorf("command should be kept: %v", containers[0].Command)
		}
		if !slices.Equal(containers[1].Command, []string{"python", "train.py"}) {
			t.Errorf("command: %v", containers[1].Command)
		}
	})

	t.Run("two containers without image is an error", func(t *testing.T) {
		p := kubernetesProject(t, nil)
		args := map[string]any{
			"spec": map[string]any{"template": map[string]any{"spec": map[string]any{
				"containers": []any{
					map[string]any{"name": "a"},
					map[string]any{"name": "b"},
				},
			}}},
		}
		_, err := runner.JobSpec(args, p, "python:3.10", env, "")
		if !xe.IsLaunchError(err) || !strings.Contains(err.Error(), "one container at a time") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("long names are made dns-safe", func(t *testing.T) {
		p := kubernetesProject(t, nil)
		p.TargetEntity = "My_Entity"
		p.TargetProject = strings.Repeat("project", 10)
		job := try.To(runner.JobSpec(map[string]any{}, p, "python:3.10", env, "")).OrFatal(t)
		if 63 < len(job.Name) || strings.ToLower(job.Name) != job.Name || strings.Contains(job.Name, "_") {
			t.Errorf("name is not dns safe: %s", job.Name)
		}
	})
}

func newKubernetes(t *testing.T, b runner.Backend, reg registry.Registry, c runner.KubernetesConfig) (*runner.Kubernetes, *fake.Clientset, k8s.K8sClient) {
	t.Helper()
	clientset := fake.NewSimpleClientset()
	client := k8s.WrapK8sClient(clientset, nil)
	if b.PollInterval == 0 {
		b.PollInterval = 10 * time.Millisecond
	}
	if c.Namespace == "" {
		c.Namespace = namespace
	}
	b.API = api
	return runner.NewKubernetes(b, client, reg, nil, c), clientset, client
}

func TestKubernetes_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("it creates a job with pull secret, and follows its status", func(t *testing.T) {
		testee, clientset, client := newKubernetes(t, runner.Backend{}, remoteRegistry, runner.KubernetesConfig{})
		p := kubernetesProject(t, nil)

		run := try.To(testee.Run(ctx, p, "registry.example.com/launch:abc")).OrFatal(t)
		if run.ID() != "launch-ent-proj-abc123" {
			t.Errorf("id: (actual, expected) = (%s, %s)", run.ID(), "launch-ent-proj-abc123")
		}

		job := try.To(client.GetJob(ctx, namespace, run.ID())).OrFatal(t)
		if !slices.Equal(
			job.Spec.Template.Spec.ImagePullSecrets,
			[]kubecore.LocalObjectReference{{Name: "regcred-abc123"}},
		) {
			t.Errorf("imagePullSecrets: %v", job.Spec.Template.Spec.ImagePullSecrets)
		}

		secret := try.To(client.GetSecret(ctx, namespace, "regcred-abc123")).OrFatal(t)
		if secret.Type != kubecore.SecretTypeDockerConfigJson {
			t.Errorf("secret type: %s", secret.Type)
		}
		config := map[string]map[string]map[string]string{}
		try.To(0, json.Unmarshal(secret.Data[kubecore.DockerConfigJsonKey], &config)).OrFatal(t)
		if auth := config["auths"]["registry.example.com"]; auth["username"] != "user" || auth["password"] != "pw" {
			t.Errorf("unexpected docker config: %v", config)
		}

		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Starting {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Starting)
		}

		try.To(clientset.CoreV1().Pods(namespace).Create(ctx, &kubecore.Pod{
			ObjectMeta: kubeapimeta.ObjectMeta{
				Name: run.ID() + "-pod", Namespace: namespace,
				Labels: map[string]string{"job-name": run.ID()},
			},
			Status: kubecore.PodStatus{Phase: kubecore.PodRunning},
		}, kubeapimeta.CreateOptions{})).OrFatal(t)
		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Running {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Running)
		}

		job.Status.Succeeded = 1
		try.To(clientset.BatchV1().Jobs(namespace).UpdateStatus(ctx, job, kubeapimeta.UpdateOptions{})).OrFatal(t)
		if ok := try.To(run.Wait(ctx)).OrFatal(t); !ok {
			t.Error("run should be finished")
		}
		if _, err := client.GetSecret(ctx, namespace, "regcred-abc123"); !kubeerr.IsNotFound(err) {
			t.Errorf("secret should be deleted after the run: %v", err)
		}

		// finished run stays finished even after the job is gone.
		try.To(0, client.DeleteJob(ctx, namespace, run.ID())).OrFatal(t)
		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Finished {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Finished)
		}
	})

	t.Run("local registry needs no pull secret", func(t *testing.T) {
		testee, _, client := newKubernetes(
			t, runner.Backend{}, fakeRegistry{typ: registry.TypeLocal}, runner.KubernetesConfig{},
		)
		p := kubernetesProject(t, nil)
		run := try.To(testee.Run(ctx, p, "python:3.10")).OrFatal(t)

		job := try.To(client.GetJob(ctx, namespace, run.ID())).OrFatal(t)
		if 0 < len(job.Spec.Template.Spec.ImagePullSecrets) {
			t.Errorf("unexpected imagePullSecrets: %v", job.Spec.Template.Spec.ImagePullSecrets)
		}
	})

	t.Run("namespace in resource args wins", func(t *testing.T) {
		testee, _, client := newKubernetes(t, runner.Backend{}, nil, runner.KubernetesConfig{})
		p := kubernetesProject(t, map[string]any{"namespace": "other"})
		run := try.To(testee.Run(ctx, p, "python:3.10")).OrFatal(t)

		try.To(client.GetJob(ctx, "other", run.ID())).OrFatal(t)
	})

	t.Run("a run which does not start is given up, and its job and secret are deleted", func(t *testing.T) {
		testee, _, client := newKubernetes(t, runner.Backend{}, remoteRegistry, runner.KubernetesConfig{StartRetries: 2})
		p := kubernetesProject(t, nil)
		run := try.To(testee.Run(ctx, p, "python:3.10")).OrFatal(t)
		try.To(client.GetSecret(ctx, namespace, "regcred-abc123")).OrFatal(t)

		for i := range 2 {
			if _, err := run.Poll(ctx); err != nil {
				t.Fatalf("poll #%d: unexpected error: %v", i, err)
			}
		}
		st, err := run.Poll(ctx)
		if !xe.IsLaunchError(err) || !strings.Contains(err.Error(), "has not started after 3 status checks") {
			t.Errorf("unexpected error: %v", err)
		}
		if st.State != runner.Failed {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Failed)
		}

		if _, err := client.GetJob(ctx, namespace, run.ID()); !kubeerr.IsNotFound(err) {
			t.Errorf("job should be deleted: %v", err)
		}
		if _, err := client.GetSecret(ctx, namespace, "regcred-abc123"); !kubeerr.IsNotFound(err) {
			t.Errorf("secret should be deleted: %v", err)
		}
		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Failed {
			t.Errorf("state after giving up: (actual, expected) = (%s, %s)", st.State, runner.Failed)
		}
	})

	t.Run("cancel deletes the job", func(t *testing.T) {
		testee, _, client := newKubernetes(t, runner.Backend{}, remoteRegistry, runner.KubernetesConfig{})
		p := kubernetesProject(t, nil)
		run := try.To(testee.Run(ctx, p, "python:3.10")).OrFatal(t)

		try.To(0, run.Cancel(ctx)).OrFatal(t)
		if _, err := client.GetJob(ctx, namespace, run.ID()); !kubeerr.IsNotFound(err) {
			t.Errorf("job should be deleted: %v", err)
		}
		if _, err := client.GetSecret(ctx, namespace, "regcred-abc123"); !kubeerr.IsNotFound(err) {
			t.Errorf("secret should be deleted: %v", err)
		}
		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Stopped {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Stopped)
		}
		try.To(0, run.Cancel(ctx)).OrFatal(t)
	})

	t.Run("when the lease is lost, no jobs are created", func(t *testing.T) {
		testee, _, client := newKubernetes(t, runner.Backend{
			Ack: func(context.Context, string) error { return runqueue.ErrLeaseLost },
		}, remoteRegistry, runner.KubernetesConfig{})
		p := kubernetesProject(t, nil)

		run, err := testee.Run(ctx, p, "python:3.10")
		if run != nil || err != nil {
			t.Fatalf("(run, err) = (%v, %v)", run, err)
		}
		jobs := try.To(client.ListJobs(ctx, namespace, k8s.LabelSelector{})).OrFatal(t)
		if len(jobs) != 0 {
			t.Errorf("unexpected jobs: %v", jobs)
		}
		if _, err := client.GetSecret(ctx, namespace, "regcred-abc123"); !kubeerr.IsNotFound(err) {
			t.Errorf("secret should not be created: %v", err)
		}
	})

	t.Run("job with the same name is an error", func(t *testing.T) {
		testee, _, _ := newKubernetes(t, runner.Backend{}, nil, runner.KubernetesConfig{})
		p := kubernetesProject(t, nil)
		try.To(testee.Run(ctx, p, "python:3.10")).OrFatal(t)
		if _, err := testee.Run(ctx, p, "python:3.10"); !xe.IsLaunchError(err) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

var volcanoJobs = schema.GroupVersionResource{Group: "batch.volcano.sh", Version: "v1alpha1", Resource: "jobs"}

func newDynamicClient() (*dynfake.FakeDynamicClient, k8s.K8sClient) {
	dyn := dynfake.NewSimpleDynamicClientWithCustomListKinds(
		runtime.NewScheme(), map[schema.GroupVersionResource]string{volcanoJobs: "JobList"},
	)
	return dyn, k8s.WrapK8sClient(fake.NewSimpleClientset(), dyn)
}

func TestKubernetes_RunResource(t *testing.T) {
	ctx := context.Background()

	args := func() map[string]any {
		return map[string]any{
			"apiVersion": "batch.volcano.sh/v1alpha1",
			"kind":       "Job",
			"spec": map[string]any{
				"tasks": []any{
					map[string]any{
						"name": "master",
						"template": map[string]any{"spec": map[string]any{
							"containers": []any{map[string]any{"name": "main", "image": "python:3.10"}},
						}},
					},
					map[string]any{
						"name": "worker",
						"template": map[string]any{"spec": map[string]any{
							"containers": []any{map[string]any{"name": "main", "image": "python:3.10"}},
						}},
					},
				},
			},
		}
	}

	t.Run("it creates the custom resource with launch env and labels", func(t *testing.T) {
		dyn, client := newDynamicClient()
		testee := runner.NewKubernetes(
			runner.Backend{API: api, PollInterval: 10 * time.Millisecond},
			client, nil, nil, runner.KubernetesConfig{Namespace: namespace},
		)
		p := kubernetesProject(t, args())

		run := try.To(testee.Run(ctx, p, "python:3.10")).OrFatal(t)

		obj := try.To(client.GetResource(ctx, volcanoJobs, namespace, run.ID())).OrFatal(t)
		if obj.GetLabels()[worker.RunIDLabel] != "abc123" || obj.GetLabels()[worker.MonitorLabel] != "true" {
			t.Errorf("labels: %v", obj.GetLabels())
		}

		tasks, _, _ := unstructured.NestedSlice(obj.Object, "spec", "tasks")
		for i, task := range tasks {
			task := task.(map[string]any)
			label, _, _ := unstructured.NestedString(task, "template", "metadata", "labels", runner.ResourceRunIDLabel)
			if label != "abc123" {
				t.Errorf("task #%d: pod label: %q", i, label)
			}
			containers, _, _ := unstructured.NestedSlice(task, "template", "spec", "containers")
			c := containers[0].(map[string]any)
			if fmt.Sprint(c["command"]) != "[python train.py]" || fmt.Sprint(c["args"]) != "[--lr 0.1]" {
				t.Errorf("task #%d: (command, args) = (%v, %v)", i, c["command"], c["args"])
			}
			runIDs := 0
			for _, e := range c["env"].([]any) {
				if e.(map[string]any)["name"] == "WANDB_RUN_ID" {
					runIDs += 1
				}
			}
			if runIDs+i != 1 {
				t.Errorf("task #%d: WANDB_RUN_ID should be only in the first container: %v", i, c["env"])
			}
		}

		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Starting {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Starting)
		}

		obj.Object["status"] = map[string]any{"state": map[string]any{"phase": "Running"}}
		try.To(dyn.Resource(volcanoJobs).Namespace(namespace).Update(ctx, obj, kubeapimeta.UpdateOptions{})).OrFatal(t)
		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Running {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Running)
		}

		try.To(0, run.Cancel(ctx)).OrFatal(t)
		if _, err := client.GetResource(ctx, volcanoJobs, namespace, run.ID()); !kubeerr.IsNotFound(err) {
			t.Errorf("resource should be deleted: %v", err)
		}
		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Stopped {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Stopped)
		}
	})

	t.Run("kind is required", func(t *testing.T) {
		_, client := newDynamicClient()
		testee := runner.NewKubernetes(runner.Backend{API: api}, client, nil, nil, runner.KubernetesConfig{})
		a := args()
		delete(a, "kind")
		_, err := testee.Run(ctx, kubernetesProject(t, a), "python:3.10")
		if !xe.IsLaunchError(err) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestMonitor(t *testing.T) {
	ctx := context.Background()

	t.Run("it tracks jobs of the agent", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		client := k8s.WrapK8sClient(clientset, nil)
		env := map[string]string{}

		create := func(runID string, agentID string, status kubebatch.JobStatus) {
			p := kubernetesProject(t, nil)
			p.RunID = runID
			job := try.To(runner.JobSpec(map[string]any{}, p, "python:3.10", env, agentID)).OrFatal(t)
			job.Namespace = namespace
			job.Status = status
			try.To(clientset.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})).OrFatal(t)
		}
		create("pending", "agent-1", kubebatch.JobStatus{})
		create("done", "agent-1", kubebatch.JobStatus{Succeeded: 1})
		create("failed", "agent-1", kubebatch.JobStatus{Failed: 1})
		create("others", "agent-2", kubebatch.JobStatus{Succeeded: 1})

		testee := runner.NewMonitor(client, "agent-1", time.Second, nil)
		try.To(0, testee.RefreshJobs(ctx, namespace)).OrFatal(t)

		for name, expected := range map[string]runner.State{
			"launch-ent-proj-pending": runner.Starting,
			"launch-ent-proj-done":    runner.Finished,
			"launch-ent-proj-failed":  runner.Failed,
			"launch-ent-proj-others":  runner.Unknown,
		} {
			if actual := testee.Status(name).State; actual != expected {
				t.Errorf("%s: (actual, expected) = (%s, %s)", name, actual, expected)
			}
		}
		count := testee.StatusCount()
		if count[runner.Finished] != 1 || count[runner.Failed] != 1 || count[runner.Starting] != 1 {
			t.Errorf("unexpected count: %v", count)
		}
	})

	t.Run("it reads states of custom resources", func(t *testing.T) {
		_, client := newDynamicClient()
		create := func(name string, status map[string]any) {
			obj := &unstructured.Unstructured{Object: map[string]any{
				"apiVersion": "batch.volcano.sh/v1alpha1",
				"kind":       "Job",
				"metadata": map[string]any{
					"name":      name,
					"namespace": namespace,
					"labels":    map[string]any{worker.MonitorLabel: "true"},
				},
			}}
			if status != nil {
				obj.Object["status"] = status
			}
			try.To(client.CreateResource(ctx, volcanoJobs, namespace, obj)).OrFatal(t)
		}

		cond := func(typ string, status string) map[string]any {
			return map[string]any{"type": typ, "status": status}
		}
		create("no-status", nil)
		create("phase", map[string]any{"state": map[string]any{"phase": "Completed"}})
		create("phase-wins", map[string]any{
			"state":      map[string]any{"phase": "Aborted"},
			"conditions": []any{cond("Running", "True")},
		})
		create("conditions", map[string]any{
			"conditions": []any{cond("Running", "True"), cond("Succeeded", "True")},
		})
		create("false-conditions", map[string]any{
			"conditions": []any{cond("Running", "True"), cond("Failed", "False")},
		})
		create("jobset-ready", map[string]any{
			"ReplicatedJobsStatus": map[string]any{"ready": int64(1), "active": int64(1)},
		})
		create("jobset-active", map[string]any{
			"ReplicatedJobsStatus": map[string]any{"ready": int64(0), "active": int64(2)},
		})
		create("terminating", map[string]any{"state": map[string]any{"phase": "Terminating"}})

		testee := runner.NewMonitor(client, "", time.Second, nil)
		try.To(0, testee.RefreshResources(ctx, namespace, volcanoJobs)).OrFatal(t)

		for name, expected := range map[string]runner.State{
			"no-status":        runner.Unknown,
			"phase":            runner.Finished,
			"phase-wins":       runner.Failed,
			"conditions":       runner.Finished,
			"false-conditions": runner.Running,
			"jobset-ready":     runner.Running,
			"jobset-active":    runner.Starting,
			"terminating":      runner.Stopping,
		} {
			if actual := testee.Status(name).State; actual != expected {
				t.Errorf("%s: (actual, expected) = (%s, %s)", name, actual, expected)
			}
		}
	})

	t.Run("watched namespaces are polled after start", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		client := k8s.WrapK8sClient(clientset, nil)
		p := kubernetesProject(t, nil)
		job := try.To(runner.JobSpec(map[string]any{}, p, "python:3.10", map[string]string{}, "")).OrFatal(t)
		job.Namespace = namespace
		job.Status.Succeeded = 1
		try.To(clientset.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})).OrFatal(t)

		testee := runner.NewMonitor(client, "", 10*time.Millisecond, nil)
		testee.Watch(namespace, nil)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		testee.Start(ctx)

		for testee.Status(job.Name).State != runner.Finished {
			select {
			case <-ctx.Done():
				t.Fatalf("job status is not observed: %s", testee.Status(job.Name))
			case <-time.After(10 * time.Millisecond):
			}
		}
	})

	t.Run("runners read statuses from the monitor", func(t *testing.T) {
		clientset := fake.NewSimpleClientset()
		client := k8s.WrapK8sClient(clientset, nil)
		monitor := runner.NewMonitor(client, "agent-1", time.Second, nil)
		testee := runner.NewKubernetes(
			runner.Backend{API: api, PollInterval: 10 * time.Millisecond},
			client, nil, monitor, runner.KubernetesConfig{Namespace: namespace, AgentID: "agent-1"},
		)
		run := try.To(testee.Run(ctx, kubernetesProject(t, nil), "python:3.10")).OrFatal(t)

		job := try.To(client.GetJob(ctx, namespace, run.ID())).OrFatal(t)
		job.Status.Failed = 1
		try.To(clientset.BatchV1().Jobs(namespace).UpdateStatus(ctx, job, kubeapimeta.UpdateOptions{})).OrFatal(t)
		try.To(0, monitor.RefreshJobs(ctx, namespace)).OrFatal(t)

		if st := try.To(run.Poll(ctx)).OrFatal(t); st.State != runner.Failed {
			t.Errorf("state: (actual, expected) = (%s, %s)", st.State, runner.Failed)
		}
	})
}
