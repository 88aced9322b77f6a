package agent_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	kagent "github.com/opst/knitlaunch/pkg/configs/agent"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/environment"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/launch/runner"
	"github.com/opst/knitlaunch/pkg/utils/try"
)

func TestConfigMarshall(t *testing.T) {
	t.Run("it loads config from yaml: ", func(t *testing.T) {
		agentYml := []byte(`
entity: someone
project: experiments
queues: [gpu, cpu]
max_jobs: -1
max_schedulers: 2
poll_interval: 30s
verbosity: 2
job_store: /var/launch/jobs
runners:
  kubernetes:
    labels: [a100]
    resources:
      gpu: 8
    namespace: ml
    start_retries: 5
  sagemaker:
    role_arn: LaunchRole
    s3_output_path: s3://bucket/out
builder:
  type: kaniko
  build_context_store: s3://bucket/contexts
  secret_name: aws-secret
  secret_key: credentials
  build_timeout: 20m
registry:
  type: ecr
  repository: launch-images
environment:
  type: aws
  region: us-west-2
queue_service:
  url: http://launch-queue:8080
  api_key: queue-key
api:
  base_url: https://wandb.example.com
  api_key: run-key
`)
		result := try.To(kagent.Unmarshal(agentYml)).OrFatal(t)

		t.Run(".entity, .project", func(t *testing.T) {
			if result.Entity() != "someone" || result.Project() != "experiments" {
				t.Errorf("(entity, project) = (%s, %s)", result.Entity(), result.Project())
			}
		})

		t.Run(".queues", func(t *testing.T) {
			expected := []string{"gpu", "cpu"}
			if actual := result.Queues(); !slices.Equal(actual, expected) {
				t.Errorf("mismatch. (actual, expected) = (%v, %v)", actual, expected)
			}
		})

		t.Run(".max_jobs, .max_schedulers", func(t *testing.T) {
			if result.MaxJobs() != -1 || result.MaxSchedulers() != 2 {
				t.Errorf("(max_jobs, max_schedulers) = (%d, %d)", result.MaxJobs(), result.MaxSchedulers())
			}
		})

		t.Run(".verbosity, .job_store", func(t *testing.T) {
			if result.Verbosity() != 2 || result.JobStore() != "/var/launch/jobs" {
				t.Errorf("(verbosity, job_store) = (%d, %s)", result.Verbosity(), result.JobStore())
			}
		})

		t.Run(".poll_interval", func(t *testing.T) {
			if actual := result.PollInterval(); actual != 30*time.Second {
				t.Errorf("mismatch. (actual, expected) = (%s, %s)", actual, 30*time.Second)
			}
		})

		t.Run(".runners.kubernetes", func(t *testing.T) {
			k, ok := result.Runners()[runner.TypeKubernetes]
			if !ok {
				t.Fatal("kubernetes runner is missing")
			}
			if !slices.Equal(k.Labels(), []string{"a100"}) {
				t.Errorf("labels: %v", k.Labels())
			}
			if k.Resources()["gpu"] != 8 {
				t.Errorf("resources: %v", k.Resources())
			}
			if k.Namespace() != "ml" || k.StartRetries() != 5 {
				t.Errorf("(namespace, start_retries) = (%s, %d)", k.Namespace(), k.StartRetries())
			}
		})

		t.Run(".runners.sagemaker", func(t *testing.T) {
			s := result.Runners()[runner.TypeSagemaker]
			if s.RoleARN() != "LaunchRole" || s.S3OutputPath() != "s3://bucket/out" {
				t.Errorf("(role_arn, s3_output_path) = (%s, %s)", s.RoleARN(), s.S3OutputPath())
			}
		})

		t.Run(".builder", func(t *testing.T) {
			b := result.Builder()
			if b.Type() != builder.TypeKaniko {
				t.Errorf("type: (actual, expected) = (%s, %s)", b.Type(), builder.TypeKaniko)
			}
			if b.BuildContextStore() != "s3://bucket/contexts" {
				t.Errorf("build_context_store: %s", b.BuildContextStore())
			}
			if b.SecretName() != "aws-secret" || b.SecretKey() != "credentials" {
				t.Errorf("(secret_name, secret_key) = (%s, %s)", b.SecretName(), b.SecretKey())
			}
			if b.BuildTimeout() != 20*time.Minute {
				t.Errorf("build_timeout: %s", b.BuildTimeout())
			}
		})

		t.Run(".registry, .environment", func(t *testing.T) {
			if r := result.Registry(); r.Type() != registry.TypeECR || r.Repository() != "launch-images" {
				t.Errorf("(type, repository) = (%s, %s)", r.Type(), r.Repository())
			}
			if e := result.Environment(); e.Type() != environment.TypeAWS || e.Region() != "us-west-2" {
				t.Errorf("(type, region) = (%s, %s)", e.Type(), e.Region())
			}
		})

		t.Run(".queue_service, .api", func(t *testing.T) {
			q := result.QueueService()
			if q.URL() != "http://launch-queue:8080" || q.APIKey() != "queue-key" {
				t.Errorf("(url, api_key) = (%s, %s)", q.URL(), q.APIKey())
			}
			a := result.API()
			if a.BaseURL() != "https://wandb.example.com" || a.APIKey() != "run-key" {
				t.Errorf("(base_url, api_key) = (%s, %s)", a.BaseURL(), a.APIKey())
			}
		})
	})

	t.Run("it fills defaults", func(t *testing.T) {
		result := try.To(kagent.Unmarshal([]byte(`
entity: someone
queue_service:
  url: http://localhost:8080
`))).OrFatal(t)

		if result.Project() != kagent.DefaultProject {
			t.Errorf("project: (actual, expected) = (%s, %s)", result.Project(), kagent.DefaultProject)
		}
		if !slices.Equal(result.Queues(), []string{kagent.DefaultQueue}) {
			t.Errorf("queues: %v", result.Queues())
		}
		if result.MaxJobs() != 0 || result.PollInterval() != 0 {
			t.Errorf("(max_jobs, poll_interval) = (%d, %s)", result.MaxJobs(), result.PollInterval())
		}
		if len(result.Runners()) != 0 {
			t.Errorf("runners: %v", result.Runners())
		}
		if result.Builder().Type() != builder.TypeDocker {
			t.Errorf("builder: %s", result.Builder().Type())
		}
		if result.Registry().Type() != registry.TypeLocal {
			t.Errorf("registry: %s", result.Registry().Type())
		}
		if result.Environment().Type() != environment.TypeLocal {
			t.Errorf("environment: %s", result.Environment().Type())
		}
		if result.API().BaseURL() != kagent.DefaultBaseURL {
			t.Errorf("base_url: %s", result.API().BaseURL())
		}
	})

	for name, testcase := range map[string]struct {
		yaml     string
		contains string
	}{
		"entity is missing": {
			yaml: `
queue_service: {url: "http://localhost:8080"}
`,
			contains: "(root).entity is required",
		},
		"queue service is missing": {
			yaml: `
entity: someone
`,
			contains: "(root).queue_service is required",
		},
		"unknown runner": {
			yaml: `
entity: someone
queue_service: {url: "http://localhost:8080"}
runners:
  mainframe: {}
`,
			contains: "(root).runners.mainframe is not a known runner",
		},
		"kaniko without build context store": {
			yaml: `
entity: someone
queue_service: {url: "http://localhost:8080"}
builder: {type: kaniko}
`,
			contains: "(root).builder.build_context_store is required",
		},
		"ecr without aws": {
			yaml: `
entity: someone
queue_service: {url: "http://localhost:8080"}
registry: {type: ecr, repository: images}
`,
			contains: "ecr registry needs environment.type aws",
		},
		"broken poll interval": {
			yaml: `
entity: someone
queue_service: {url: "http://localhost:8080"}
poll_interval: soon
`,
			contains: "(root).poll_interval can not be parsed",
		},
		"max jobs below -1": {
			yaml: `
entity: someone
queue_service: {url: "http://localhost:8080"}
max_jobs: -2
`,
			contains: "(root).max_jobs should be",
		},
	} {
		t.Run("it rejects config when "+name, func(t *testing.T) {
			_, err := kagent.Unmarshal([]byte(testcase.yaml))
			if !errors.Is(err, kagent.ErrMisconfigured) {
				t.Fatalf("expected ErrMisconfigured, but: %v", err)
			}
			if !strings.Contains(err.Error(), testcase.contains) {
				t.Errorf("message should contain %q: %s", testcase.contains, err)
			}
		})
	}
}

func TestLoadAgentConfig(t *testing.T) {
	t.Run("it can be loaded from a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "launch-config.yaml")
		try.To(0, os.WriteFile(path, []byte(`
entity: someone
queue_service:
  url: http://localhost:8080
`), 0o644)).OrFatal(t)

		result := try.To(kagent.LoadAgentConfig(path)).OrFatal(t)
		if result.Entity() != "someone" {
			t.Errorf("entity: %s", result.Entity())
		}
	})

	t.Run("it returns the error when the file is missing", func(t *testing.T) {
		_, err := kagent.LoadAgentConfig(filepath.Join(t.TempDir(), "nothing.yaml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected ErrNotExist, but: %v", err)
		}
	})
}

func TestUnmarshalDirect(t *testing.T) {
	t.Run("entity and queue_service can be missing", func(t *testing.T) {
		result := try.To(kagent.UnmarshalDirect([]byte(`
builder:
  type: noop
runners:
  local-process: {}
`))).OrFatal(t)

		if result.Entity() != "" {
			t.Errorf("entity: %s", result.Entity())
		}
		if result.QueueService() != nil {
			t.Errorf("queue_service should be nil")
		}
		if result.Builder().Type() != builder.TypeNoop {
			t.Errorf("builder: %s", result.Builder().Type())
		}
	})

	t.Run("empty config has defaults", func(t *testing.T) {
		result := try.To(kagent.UnmarshalDirect([]byte(``))).OrFatal(t)
		if result.Builder().Type() != builder.TypeDocker || result.Registry().Type() != registry.TypeLocal {
			t.Errorf("(builder, registry) = (%s, %s)", result.Builder().Type(), result.Registry().Type())
		}
	})

	t.Run("other sections are still checked", func(t *testing.T) {
		_, err := kagent.UnmarshalDirect([]byte(`
builder: {type: kaniko}
`))
		if !errors.Is(err, kagent.ErrMisconfigured) {
			t.Errorf("expected ErrMisconfigured, but: %v", err)
		}
	})
}
