package agent

import (
	"context"
	"maps"
	"slices"

	"github.com/opst/knitlaunch/cmd/launch/subcommands/internal/stack"
	"github.com/opst/knitlaunch/pkg/buildtime"
	kagent "github.com/opst/knitlaunch/pkg/configs/agent"
	"github.com/opst/knitlaunch/pkg/launch/agent"
	"github.com/opst/knitlaunch/pkg/launch/process"
	"github.com/opst/knitlaunch/pkg/runqueue"
	rqhttp "github.com/opst/knitlaunch/pkg/runqueue/http"
	"github.com/opst/knitlaunch/pkg/workloads/k8s"
	"go.uber.org/zap"
)

type Options struct {
	// Kubeconfig is used when kubernetes is needed. Empty means the default.
	Kubeconfig string

	// APIKey is used when the config has no api keys.
	APIKey string

	// Client overrides the client of queue_service.
	Client runqueue.Client

	// Process overrides how local commands are run.
	Process process.Runner

	// Kubernetes overrides the cluster connection.
	Kubernetes k8s.K8sClient

	Logger *zap.Logger
}

// Setup builds a launch agent as the config says.
func Setup(ctx context.Context, conf *kagent.AgentConfig, o Options) (*agent.Agent, error) {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := o.Client
	if client == nil {
		key := conf.QueueService().APIKey()
		if key == "" {
			key = o.APIKey
		}
		opts := []rqhttp.ClientOption{}
		if key != "" {
			opts = append(opts, rqhttp.WithAPIKey(key))
		}
		client = rqhttp.NewClient(conf.QueueService().URL(), opts...)
	}

	st, err := stack.Load(ctx, conf, stack.Options{
		Kubeconfig: o.Kubeconfig,
		APIKey:     o.APIKey,
		Process:    o.Process,
		Kubernetes: o.Kubernetes,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	runners := map[string]agent.RunnerConfig{}
	for t, r := range conf.Runners() {
		runners[string(t)] = agent.RunnerConfig{Labels: r.Labels(), Resources: r.Resources()}
	}

	return agent.New(
		agent.Config{
			Entity:        conf.Entity(),
			Project:       conf.Project(),
			Queues:        conf.Queues(),
			MaxJobs:       conf.MaxJobs(),
			MaxSchedulers: conf.MaxSchedulers(),
			PollInterval:  conf.PollInterval(),
			Runners:       runners,
			API:           st.API,
			AgentConfig:   reported(conf),
		},
		agent.Deps{
			Client:         client,
			Builder:        st.Builder,
			Runners:        st.Runners,
			Monitor:        st.Monitor,
			ProjectOptions: st.ProjectOptions,
			Logger:         logger,
		},
	), nil
}

// reported is what the queue service is told about this agent. It has no secrets.
func reported(conf *kagent.AgentConfig) map[string]any {
	runners := slices.Sorted(maps.Keys(conf.Runners()))
	names := make([]string, 0, len(runners))
	for _, r := range runners {
		names = append(names, string(r))
	}
	return map[string]any{
		"entity":         conf.Entity(),
		"project":        conf.Project(),
		"queues":         conf.Queues(),
		"max_jobs":       conf.MaxJobs(),
		"max_schedulers": conf.MaxSchedulers(),
		"runners":        names,
		"builder":        string(conf.Builder().Type()),
		"registry":       string(conf.Registry().Type()),
		"environment":    string(conf.Environment().Type()),
		"version":        buildtime.VERSION(),
	}
}
