// Package agent polls run queues and launches the popped items.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync"
	"time"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/project"
	"github.com/opst/knitlaunch/pkg/launch/runner"
	"github.com/opst/knitlaunch/pkg/loop"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultPollInterval = 10 * time.Second

// RunnerConfig is what the agent tells queues about a runner.
type RunnerConfig struct {
	Labels []string

	// Resources the runner can offer, like "cpu" or "gpu".
	Resources map[string]float64
}

type Config struct {
	Entity  string
	Project string
	Queues  []string

	// MaxJobs is the number of jobs running at once. -1 is unlimited, 0 means 1.
	MaxJobs int

	// MaxSchedulers is the number of sweep schedulers running at once.
	// 0 means 1, and -1 is unlimited.
	MaxSchedulers int

	PollInterval time.Duration

	// Runners configured for this agent, by resource.
	//
	// Queues whose default resource config names a runner not here are not polled.
	Runners map[string]RunnerConfig

	API project.APISettings

	// AgentConfig is reported to the queue service on registering the agent.
	AgentConfig map[string]any
}

// RunnerFactory makes the runner of the resource, with the backend settings for a run.
type RunnerFactory func(ctx context.Context, resource string, b runner.Backend) (runner.Runner, error)

// LoadRunners is a RunnerFactory backed by runner.Load.
func LoadRunners(c runner.Config, d runner.Deps) RunnerFactory {
	return func(ctx context.Context, resource string, b runner.Backend) (runner.Runner, error) {
		conf := c
		conf.Backend = b
		return runner.Load(ctx, resource, conf, d)
	}
}

type Deps struct {
	Client  runqueue.Client
	Builder builder.Builder
	Runners RunnerFactory

	// Monitor, if any, is started together with the agent.
	Monitor *runner.Monitor

	ProjectOptions []project.Option
	Logger         *zap.Logger
}

type Agent struct {
	config Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	id     string
	jobs   map[string]*Tracker
	status runqueue.AgentStatus
	wg     sync.WaitGroup
}

func New(c Config, d Deps) *Agent {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxJobs == 0 {
		c.MaxJobs = 1
	}
	if c.MaxSchedulers == 0 {
		c.MaxSchedulers = 1
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		config: c,
		deps:   d,
		logger: logger,
		jobs:   map[string]*Tracker{},
	}
}

// ID is the agent id given by the queue service. It is "" until Loop starts.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

func (a *Agent) Status() runqueue.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Jobs returns trackers of jobs not completed yet.
func (a *Agent) Jobs() []*Tracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	ret := make([]*Tracker, 0, len(a.jobs))
	for _, t := range a.jobs {
		ret = append(ret, t)
	}
	return ret
}

// Loop registers the agent and polls queues until ctx is done.
//
// On shutdown, local runs are killed and the agent is reported KILLED.
// It returns nil when it stops by ctx.
func (a *Agent) Loop(ctx context.Context) error {
	client := a.deps.Client

	agent, err := client.CreateLaunchAgent(ctx, runqueue.Agent{
		Entity:  a.config.Entity,
		Project: a.config.Project,
		Queues:  a.config.Queues,
		Config:  a.config.AgentConfig,
		Status:  runqueue.AgentPolling,
	})
	if err != nil {
		return xe.WrapWithNote("registering launch agent", err)
	}
	a.mu.Lock()
	a.id = agent.ID
	a.status = runqueue.AgentPolling
	a.logger = a.logger.With(zap.String("agent_id", agent.ID))
	a.mu.Unlock()

	queues, err := a.validQueues(ctx)
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		return xe.NewLaunchError(
			"no queues in %v can be served by runners of this agent", a.config.Queues,
		)
	}

	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	if a.deps.Monitor != nil {
		go a.deps.Monitor.Start(ctx)
	}

	a.logger.Info("launch agent started", zap.Strings("queues", queueNames(queues)))
	limiter := rate.NewLimiter(rate.Every(a.config.PollInterval), 1)
	_, err = loop.Start(
		ctx, struct{}{},
		func(ctx context.Context, v struct{}) (struct{}, loop.Next) {
			if err := a.tick(ctx, jobsCtx, queues); err != nil {
				return v, loop.Break(err)
			}
			return v, loop.Continue(0)
		},
		loop.WithLimiter(limiter),
	)

	a.shutdown(context.WithoutCancel(ctx), cancelJobs)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// tick pops an item if the agent has room, and updates the agent status.
func (a *Agent) tick(ctx context.Context, jobsCtx context.Context, queues []*runqueue.Queue) error {
	if a.hasCapacity() {
		item, q, err := a.pop(ctx, queues)
		if err != nil {
			return err
		}
		if item != nil {
			a.startJob(jobsCtx, item, q)
		}
	}

	status := runqueue.AgentPolling
	if 0 < a.running() {
		status = runqueue.AgentRunning
	}
	a.updateStatus(ctx, status)
	return nil
}

func (a *Agent) running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

func (a *Agent) hasCapacity() bool {
	return a.config.MaxJobs < 0 || a.running() < a.config.MaxJobs
}

func (a *Agent) schedulers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, t := range a.jobs {
		if t.IsScheduler() {
			n += 1
		}
	}
	return n
}

func (a *Agent) updateStatus(ctx context.Context, status runqueue.AgentStatus) {
	a.mu.Lock()
	if a.status == status {
		a.mu.Unlock()
		return
	}
	a.status = status
	id := a.id
	a.mu.Unlock()

	if err := a.deps.Client.UpdateLaunchAgentStatus(ctx, id, status); err != nil {
		a.logger.Warn("updating agent status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

// pop takes an item from one of queues, trying them in random order.
//
// It returns nil item when all queues are empty.
func (a *Agent) pop(ctx context.Context, queues []*runqueue.Queue) (*runqueue.Item, *runqueue.Queue, error) {
	order := slices.Clone(queues)
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, q := range order {
		item, err := a.deps.Client.PopFromRunQueue(ctx, q.Entity, a.config.Project, q.Name, a.ID())
		if errors.Is(err, runqueue.ErrEmpty) {
			continue
		} else if xe.IsCommError(err) {
			a.logger.Warn("popping from queue failed", zap.String("queue", q.Name), zap.Error(err))
			continue
		} else if err != nil {
			return nil, nil, xe.WrapWithNote("popping from "+q.Name, err)
		}

		if item.IsScheduler() && 0 <= a.config.MaxSchedulers && a.config.MaxSchedulers <= a.schedulers() {
			// the lease expires and another agent can take it.
			a.logger.Info(
				"too many schedulers are running. the item is left to others",
				zap.String("item_id", item.ID),
			)
			continue
		}
		return item, q, nil
	}
	return nil, nil, nil
}

func (a *Agent) startJob(ctx context.Context, item *runqueue.Item, q *runqueue.Queue) {
	t := NewTracker(a.deps.Client, item, q.Name, a.logger)
	a.mu.Lock()
	a.jobs[item.ID] = t
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.jobs, item.ID)
			a.mu.Unlock()
		}()
		a.runJob(ctx, t, item, q)
	}()
}

// runJob launches the item and follows the run until it terminates.
func (a *Agent) runJob(ctx context.Context, t *Tracker, item *runqueue.Item, q *runqueue.Queue) {
	logger := a.logger.With(zap.String("item_id", item.ID), zap.String("queue", q.Name))

	p, err := a.launch(ctx, t, item, q)
	if p != nil {
		defer func() {
			if err := p.Cleanup(); err != nil {
				logger.Warn("cleaning up project failed", zap.Error(err))
			}
		}()
	}
	if err != nil {
		logger.Error("launching item failed", zap.String("phase", string(t.Phase())), zap.Error(err))
		t.FailToStart()
		if ferr := a.deps.Client.FailRunQueueItem(
			context.WithoutCancel(ctx), item.ID, err.Error(), string(t.Phase()),
		); ferr != nil {
			logger.Warn("failing queue item failed", zap.Error(ferr))
		}
		return
	}
	if t.Run() == nil {
		// claimed by another agent
		t.FailToStart()
		return
	}

	state, ok := a.follow(ctx, t)
	if !ok {
		logger.Info("agent stops following the run", zap.String("run_id", t.RunID()))
		return
	}
	t.Complete(state)
	if err := a.deps.Client.SetRunState(
		context.WithoutCancel(ctx), t.Entity, t.Project, t.RunID(), state,
	); err != nil {
		logger.Warn("reporting run state failed", zap.String("state", string(state)), zap.Error(err))
	}
	logger.Info("run is over", zap.String("run_id", t.RunID()), zap.String("state", string(state)))
}

// launch goes through initialize, build and submit.
//
// The returned project, if any, should be cleaned up.
func (a *Agent) launch(ctx context.Context, t *Tracker, item *runqueue.Item, q *runqueue.Queue) (*project.LaunchProject, error) {
	if err := t.Transition(PhaseInitialize); err != nil {
		return nil, err
	}
	spec := a.fixSpec(item.RunSpec, q)

	options := append(slices.Clone(a.deps.ProjectOptions), project.WithQueue(q.Entity, q.Name, item.ID))
	options = append(options, project.WithLogger(a.logger))
	p, err := project.FromSpec(spec, options...)
	if err != nil {
		return nil, err
	}
	t.SetRunInfo(p.TargetEntity, p.TargetProject, p.RunID)
	if err := p.FetchAndValidate(ctx); err != nil {
		return p, err
	}

	if err := t.Transition(PhaseBuild); err != nil {
		return p, err
	}
	image, _ := p.ImageURI()
	if builder.Required(p, a.deps.Builder) {
		if a.deps.Builder == nil {
			return p, xe.NewLaunchError("project %s needs to be built, but no builder is configured", p.TargetProject)
		}
		built, err := a.deps.Builder.Build(ctx, p, p.EntryPoint(), t)
		if err != nil {
			return p, err
		}
		image = built
	}

	if err := t.Transition(PhaseSubmit); err != nil {
		return p, err
	}
	r, err := a.deps.Runners(ctx, p.Resource, runner.Backend{
		API: a.config.API,
		Ack: func(ctx context.Context, runID string) error {
			return a.deps.Client.AckRunQueueItem(ctx, item.ID, item.Lease, runID)
		},
		PollInterval: a.config.PollInterval,
		Logger:       a.logger,
	})
	if err != nil {
		return p, err
	}
	if err := r.Verify(ctx); err != nil {
		return p, err
	}
	run, err := r.Run(ctx, p, image)
	if err != nil {
		return p, err
	}
	if run == nil {
		return p, nil
	}
	t.SetRun(run)
	return p, t.Transition(PhaseRun)
}

// fixSpec forces the agent's entity and project on the spec, and merges the
// default resource config of the queue under its resource args.
func (a *Agent) fixSpec(runSpec map[string]any, q *runqueue.Queue) map[string]any {
	spec := runqueue.CloneSpec(runSpec)
	if spec == nil {
		spec = map[string]any{}
	}

	entity, _ := spec["entity"].(string)
	proj, _ := spec["project"].(string)
	if (entity != "" && entity != a.config.Entity) || (proj != "" && proj != a.config.Project) {
		a.logger.Warn(fmt.Sprintf(
			"launch agents only send runs to their own project and entity. this run goes to %s/%s",
			a.config.Entity, a.config.Project,
		))
	}
	spec["entity"] = a.config.Entity
	spec["project"] = a.config.Project

	if 0 < len(q.DefaultResourceConfig) {
		args, _ := spec["resource_args"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		spec["resource_args"] = mergeUnder(args, queueResourceArgs(q.DefaultResourceConfig))
	}
	return spec
}

// mergeUnder fills x with keys only in y, recursively. x wins on conflicts.
func mergeUnder(x map[string]any, y map[string]any) map[string]any {
	for k, yv := range y {
		xv, ok := x[k]
		if !ok {
			x[k] = yv
			continue
		}
		xm, xok := xv.(map[string]any)
		ym, yok := yv.(map[string]any)
		if xok && yok {
			x[k] = mergeUnder(xm, ym)
		}
	}
	return x
}

// queueResourceArgs drops the queue matching keys, which are not arguments of runners.
func queueResourceArgs(conf map[string]any) map[string]any {
	ret := runqueue.CloneSpec(conf)
	for _, v := range ret {
		if section, ok := v.(map[string]any); ok {
			delete(section, "labels")
			delete(section, "resources")
		}
	}
	return ret
}

// follow polls the run until it terminates, honouring stop requests.
//
// When ctx is done, local runs are killed and reported so. Other runs are left
// running, and follow returns false.
func (a *Agent) follow(ctx context.Context, t *Tracker) (runqueue.RunState, bool) {
	run := t.Run()
	logger := a.logger.With(zap.String("run_id", t.RunID()))

	state, err := loop.Start(
		ctx, runqueue.RunRunning,
		func(ctx context.Context, current runqueue.RunState) (runqueue.RunState, loop.Next) {
			if t.CheckStopped(ctx) {
				logger.Info("stop is requested")
				if err := run.Cancel(ctx); err != nil {
					logger.Warn("cancelling run failed", zap.Error(err))
					return current, loop.Continue(a.config.PollInterval)
				}
				return runqueue.RunKilled, loop.Break(nil)
			}

			st, err := run.Poll(ctx)
			if err != nil {
				if xe.IsLaunchError(err) {
					logger.Error("run is broken", zap.Error(err))
					return runqueue.RunCrashed, loop.Break(nil)
				}
				logger.Warn("polling run failed", zap.Error(err))
				return current, loop.Continue(a.config.PollInterval)
			}
			if next, ok := terminalState(st.State); ok {
				return next, loop.Break(nil)
			}
			return current, loop.Continue(a.config.PollInterval)
		},
	)
	if err == nil {
		return state, true
	}
	if !isLocal(run) {
		return "", false
	}
	if err := run.Cancel(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("killing local run failed", zap.Error(err))
	}
	return runqueue.RunKilled, true
}

func terminalState(s runner.State) (runqueue.RunState, bool) {
	switch s {
	case runner.Finished:
		return runqueue.RunFinished, true
	case runner.Failed:
		return runqueue.RunFailed, true
	case runner.Stopped:
		return runqueue.RunStopped, true
	case runner.Preempted:
		return runqueue.RunPreempted, true
	}
	return "", false
}

// shutdown stops following runs, and reports the agent killed.
//
// Local runs die with the agent.
func (a *Agent) shutdown(ctx context.Context, cancelJobs context.CancelFunc) {
	active := a.running()
	cancelJobs()
	a.wg.Wait()
	a.updateStatus(ctx, runqueue.AgentKilled)
	a.logger.Info("launch agent stopped", zap.Int("active_jobs", active))
}

// isLocal reports the run is a process of this host, which dies with the agent.
func isLocal(run runner.SubmittedRun) bool {
	l, ok := run.(interface{ Local() bool })
	return ok && l.Local()
}

// validQueues resolves queue names and drops queues which runners of this agent cannot serve.
func (a *Agent) validQueues(ctx context.Context) ([]*runqueue.Queue, error) {
	queues := []*runqueue.Queue{}
	for _, name := range a.config.Queues {
		q, err := a.deps.Client.GetRunQueue(ctx, a.config.Entity, name)
		if errors.Is(err, runqueue.ErrNotFound) {
			a.logger.Warn("queue is not found", zap.String("queue", name))
			continue
		} else if err != nil {
			return nil, xe.WrapWithNote("looking up queue "+name, err)
		}
		if !a.serves(q) {
			a.logger.Warn("runners of this agent do not satisfy the queue", zap.String("queue", name))
			continue
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// serves reports a runner of this agent satisfies the queue.
//
// The runner is the first key of the default resource config. When the queue
// lists labels, the runner should have one of them. Resources the queue
// requires should not exceed what the runner offers.
func (a *Agent) serves(q *runqueue.Queue) bool {
	if len(q.DefaultResourceConfig) == 0 {
		return true
	}

	keys := make([]string, 0, len(q.DefaultResourceConfig))
	for k := range q.DefaultResourceConfig {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	resource := keys[0]

	rc, ok := a.config.Runners[resource]
	if !ok {
		return false
	}
	section, _ := q.DefaultResourceConfig[resource].(map[string]any)
	return labelsSatisfied(rc.Labels, section["labels"]) &&
		resourcesSatisfied(withSystemResources(rc.Resources), section["resources"])
}

func labelsSatisfied(have []string, want any) bool {
	labels := []string{}
	switch w := want.(type) {
	case []string:
		labels = w
	case []any:
		for _, l := range w {
			if s, ok := l.(string); ok {
				labels = append(labels, s)
			}
		}
	}
	if len(labels) == 0 {
		return true
	}
	for _, l := range labels {
		if slices.Contains(have, l) {
			return true
		}
	}
	return false
}

func resourcesSatisfied(have map[string]float64, want any) bool {
	required, _ := want.(map[string]any)
	for name, v := range required {
		need, ok := asFloat(v)
		if !ok {
			continue
		}
		if offered, ok := have[name]; ok && offered < need {
			return false
		}
	}
	return true
}

// withSystemResources fills resources which are not configured with what this host has.
func withSystemResources(r map[string]float64) map[string]float64 {
	ret := map[string]float64{"cpu": float64(runtime.NumCPU())}
	for k, v := range r {
		ret[k] = v
	}
	return ret
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func queueNames(qs []*runqueue.Queue) []string {
	names := make([]string, 0, len(qs))
	for _, q := range qs {
		names = append(names, q.Name)
	}
	return names
}
