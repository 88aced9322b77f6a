package runner

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/opst/knitlaunch/pkg/loop"
	"github.com/opst/knitlaunch/pkg/workloads/k8s"
	"github.com/opst/knitlaunch/pkg/workloads/worker"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// crdStates maps phases and condition types of custom resources, lowercased.
var crdStates = map[string]State{
	"created":     Starting,
	"pending":     Starting,
	"running":     Running,
	"completing":  Running,
	"succeeded":   Finished,
	"completed":   Finished,
	"failed":      Failed,
	"aborted":     Failed,
	"timeout":     Failed,
	"terminated":  Failed,
	"terminating": Stopping,
}

// when conditions say more than one state, the first one in this order wins.
var conditionPriority = []State{Finished, Failed, Stopping, Running, Starting}

// Monitor keeps statuses of jobs and custom resources launched by an agent.
//
// It polls each namespace it is asked to watch, and runners read statuses from it
// instead of asking the cluster by themselves.
type Monitor struct {
	client   k8s.K8sClient
	agentID  string
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	watches  map[watchKey]struct{}
	statuses map[string]Status
}

type watchKey struct {
	namespace string
	gvr       schema.GroupVersionResource
}

func (w watchKey) isJob() bool {
	return w.gvr.Empty()
}

func NewMonitor(client k8s.K8sClient, agentID string, interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		client:   client,
		agentID:  agentID,
		interval: interval,
		logger:   logger,
		watches:  map[watchKey]struct{}{},
		statuses: map[string]Status{},
	}
}

// Start polling namespaces which are, or will be, watched.
//
// Polling stops when ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return
	}
	m.ctx = ctx
	for w := range m.watches {
		go m.watch(ctx, w)
	}
}

// Watch starts monitoring jobs in the namespace, or custom resources when gvr is given.
//
// Watching the same thing again is no-op.
func (m *Monitor) Watch(namespace string, gvr *schema.GroupVersionResource) {
	w := watchKey{namespace: namespace}
	if gvr != nil {
		w.gvr = *gvr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[w]; ok {
		return
	}
	m.watches[w] = struct{}{}
	if m.ctx != nil {
		go m.watch(m.ctx, w)
	}
}

func (m *Monitor) watch(ctx context.Context, w watchKey) {
	loop.Start(ctx, struct{}{}, func(ctx context.Context, _ struct{}) (struct{}, loop.Next) {
		var err error
		if w.isJob() {
			err = m.RefreshJobs(ctx, w.namespace)
		} else {
			err = m.RefreshResources(ctx, w.namespace, w.gvr)
		}
		if err != nil {
			m.logger.Warn(
				"failed to refresh statuses",
				zap.String("namespace", w.namespace), zap.String("resource", w.gvr.String()), zap.Error(err),
			)
		}
		return struct{}{}, loop.Continue(m.interval)
	})
}

func (m *Monitor) selector() k8s.LabelSelector {
	labels := map[string]string{worker.MonitorLabel: "true"}
	if m.agentID != "" {
		labels[worker.AgentLabel] = m.agentID
	}
	return k8s.LabelsToSelector(labels)
}

// RefreshJobs reads statuses of monitored jobs in the namespace once.
func (m *Monitor) RefreshJobs(ctx context.Context, namespace string) error {
	jobs, err := m.client.ListJobs(ctx, namespace, m.selector())
	if err != nil {
		return err
	}
	cluster := k8s.AttachCluster(m.client, namespace)
	for _, j := range jobs {
		w, err := worker.Find(ctx, cluster, j.Name)
		if err != nil {
			// deleted after listed
			continue
		}
		m.set(j.Name, Status{State: workerState(w)})
	}
	return nil
}

// RefreshResources reads statuses of custom resources in the namespace once.
func (m *Monitor) RefreshResources(ctx context.Context, namespace string, gvr schema.GroupVersionResource) error {
	objs, err := m.client.ListResources(ctx, gvr, namespace, m.selector())
	if err != nil {
		return err
	}
	for i := range objs {
		if st, ok := resourceState(&objs[i]); ok {
			m.set(objs[i].GetName(), Status{State: st})
		}
	}
	return nil
}

func (m *Monitor) set(name string, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = st
}

// Status of the job or the custom resource. Unknown names are Unknown.
func (m *Monitor) Status(name string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[name]; ok {
		return st
	}
	return Status{State: Unknown}
}

// StatusCount counts monitored jobs and resources by state.
func (m *Monitor) StatusCount() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := map[State]int{}
	for _, st := range m.statuses {
		count[st.State] += 1
	}
	return count
}

// workerState maps a job to a run state.
func workerState(w worker.Worker) State {
	switch w.JobStatus() {
	case worker.Done:
		return Finished
	case worker.Failed:
		if w.Preempted() {
			return Preempted
		}
		return Failed
	case worker.Suspended:
		return Stopped
	case worker.Running:
		return Running
	}
	if w.Preempted() {
		return Preempted
	}
	if w.Creating() {
		return Running
	}
	return Starting
}

// resourceState reads the state of a custom resource from its status.
//
// `.status.state.phase` takes precedence over `.status.conditions`.
// `.status.ReplicatedJobsStatus` of jobsets is used when neither is there.
func resourceState(obj *unstructured.Unstructured) (State, bool) {
	status, ok := obj.Object["status"].(map[string]any)
	if !ok {
		return Unknown, false
	}

	var state State
	found := false
	if replicated, ok := status["ReplicatedJobsStatus"].(map[string]any); ok {
		state, found = replicatedState(replicated)
	}

	if stateDict, ok := status["state"].(map[string]any); ok {
		if phase, ok := stateDict["phase"].(string); ok && phase != "" {
			state, found = crdStates[strings.ToLower(phase)]
		}
	} else if conditions, ok := status["conditions"].([]any); ok {
		state, found = conditionsState(conditions)
	}
	return state, found
}

func conditionsState(conditions []any) (State, bool) {
	detected := map[State]struct{}{}
	for _, c := range conditions {
		cond, ok := c.(map[string]any)
		if !ok || cond["status"] != "True" {
			continue
		}
		typ, _ := cond["type"].(string)
		if st, ok := crdStates[strings.ToLower(typ)]; ok {
			detected[st] = struct{}{}
		}
	}
	for _, st := range conditionPriority {
		if _, ok := detected[st]; ok {
			return st, true
		}
	}
	return Unknown, false
}

func replicatedState(status map[string]any) (State, bool) {
	if 1 <= asInt(status["ready"]) {
		return Running, true
	}
	if 1 <= asInt(status["active"]) {
		return Starting, true
	}
	return Unknown, false
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
