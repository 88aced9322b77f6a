// Package runqueue is the run-queue surface which launch agents poll.
//
// Clients push launch specs into named queues. An agent pops an item, which
// leases the item to the agent for a while, and acks it right before submitting
// the run. Ack fails with ErrLeaseLost when the lease has expired or the item was
// claimed by someone else; losing the race is not an error for the agent.
package runqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a queue, an item or a run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost is returned by Ack when the caller does not hold the lease anymore.
	ErrLeaseLost = errors.New("lease lost")

	// ErrEmpty is returned by Pop when no items are ready.
	ErrEmpty = errors.New("run queue is empty")

	// ErrConflict is returned on creating a queue which exists already.
	ErrConflict = errors.New("conflict")
)

type Access string

const (
	AccessProject Access = "PROJECT"
	AccessUser    Access = "USER"
)

func (a Access) String() string {
	return string(a)
}

// ParseAccess reads an access, case insensitively.
func ParseAccess(s string) (Access, error) {
	switch a := Access(strings.ToUpper(s)); a {
	case AccessProject, AccessUser:
		return a, nil
	}
	return "", fmt.Errorf("access should be PROJECT or USER: %q", s)
}

type Queue struct {
	ID      string `json:"id"`
	Entity  string `json:"entity"`
	Project string `json:"project"`
	Name    string `json:"name"`
	Access  Access `json:"access"`

	// DefaultResourceConfig is merged under resource_args of items in this queue.
	DefaultResourceConfig map[string]any `json:"default_resource_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type ItemState string

const (
	ItemPending ItemState = "PENDING"
	ItemLeased  ItemState = "LEASED"
	ItemClaimed ItemState = "CLAIMED"
	ItemFailed  ItemState = "FAILED"
)

type Warning struct {
	Message string    `json:"message"`
	Phase   string    `json:"phase"`
	At      time.Time `json:"at"`
}

type Item struct {
	ID      string `json:"id"`
	QueueID string `json:"queue_id"`

	// RunSpec is the launch spec pushed.
	RunSpec map[string]any `json:"run_spec"`

	State ItemState `json:"state"`

	// Lease is the token given to the agent which popped this item.
	//
	// It is set only on items returned by Pop.
	Lease          string    `json:"lease,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	// AssociatedRunID is set when the item is acked.
	AssociatedRunID string `json:"associated_run_id,omitempty"`

	// Error is set when the item is failed.
	Error string `json:"error,omitempty"`

	Warnings  []Warning `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsScheduler reports the item is a sweep scheduler job.
func (i *Item) IsScheduler() bool {
	if i == nil || i.RunSpec == nil {
		return false
	}
	v, ok := i.RunSpec["uri"].(string)
	return ok && v == SchedulerURI
}

// SchedulerURI marks launch specs of sweep schedulers.
const SchedulerURI = "placeholder-uri-scheduler"

type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunFinished  RunState = "finished"
	RunFailed    RunState = "failed"
	RunCrashed   RunState = "crashed"
	RunKilled    RunState = "killed"
	RunStopped   RunState = "stopped"
	RunPreempted RunState = "preempted"
)

type AgentStatus string

const (
	AgentPolling AgentStatus = "POLLING"
	AgentRunning AgentStatus = "RUNNING"
	AgentKilled  AgentStatus = "KILLED"
)

type Agent struct {
	ID      string         `json:"id"`
	Entity  string         `json:"entity"`
	Project string         `json:"project"`
	Queues  []string       `json:"queues"`
	Config  map[string]any `json:"config,omitempty"`
	Status  AgentStatus    `json:"status"`
}

// Features tells which operations the service supports.
type Features struct {
	// PushByName enables PushToRunQueueByName. Without it, clients look up
	// the queue id and use PushToRunQueue.
	PushByName bool `json:"push_by_name"`

	// Warnings enables UpdateRunQueueItemWarning.
	Warnings bool `json:"warnings"`
}

// Client is the operations on run queues.
type Client interface {
	// Features reports what the service supports.
	Features(ctx context.Context) (Features, error)

	// CreateRunQueue creates a queue.
	//
	// # Returns
	//
	// - error: ErrConflict if a queue with same entity and name exists.
	CreateRunQueue(ctx context.Context, q Queue) (*Queue, error)

	// GetRunQueue finds a queue by entity and name.
	GetRunQueue(ctx context.Context, entity string, name string) (*Queue, error)

	// PushToRunQueue pushes a launch spec into the queue identified by id.
	PushToRunQueue(ctx context.Context, queueID string, spec map[string]any) (*Item, error)

	// PushToRunQueueByName pushes a launch spec into the queue named so.
	PushToRunQueueByName(ctx context.Context, entity string, project string, queue string, spec map[string]any) (*Item, error)

	// PopFromRunQueue leases the oldest ready item in the queue to the agent.
	//
	// Items whose lease expired are ready again.
	//
	// # Returns
	//
	// - error: ErrEmpty when nothing is ready.
	PopFromRunQueue(ctx context.Context, entity string, project string, queue string, agentID string) (*Item, error)

	// AckRunQueueItem claims the leased item for the run.
	//
	// # Returns
	//
	// - error: ErrLeaseLost when lease is not valid anymore.
	AckRunQueueItem(ctx context.Context, itemID string, lease string, runID string) error

	// FailRunQueueItem marks the item failed.
	FailRunQueueItem(ctx context.Context, itemID string, message string, phase string) error

	// UpdateRunQueueItemWarning attaches a warning to the item.
	UpdateRunQueueItemWarning(ctx context.Context, itemID string, message string, phase string) error

	// GetRunQueueItem returns the item.
	GetRunQueueItem(ctx context.Context, itemID string) (*Item, error)

	SetRunState(ctx context.Context, entity string, project string, runID string, state RunState) error

	// GetRunState returns the state of the run.
	//
	// Runs whose state is never set are RunPending.
	GetRunState(ctx context.Context, entity string, project string, runID string) (RunState, error)

	// StopRun requests the run to be stopped.
	StopRun(ctx context.Context, entity string, project string, runID string) error

	// CheckStopRequested reports StopRun has been called for the run.
	CheckStopRequested(ctx context.Context, entity string, project string, runID string) (bool, error)

	CreateLaunchAgent(ctx context.Context, a Agent) (*Agent, error)
	UpdateLaunchAgentStatus(ctx context.Context, agentID string, status AgentStatus) error
}

// Push pushes a launch spec into the named queue, by whichever way the service supports.
func Push(ctx context.Context, c Client, entity string, project string, queue string, spec map[string]any) (*Item, error) {
	f, err := c.Features(ctx)
	if err != nil {
		return nil, err
	}
	if f.PushByName {
		return c.PushToRunQueueByName(ctx, entity, project, queue, spec)
	}
	q, err := c.GetRunQueue(ctx, entity, queue)
	if err != nil {
		return nil, err
	}
	return c.PushToRunQueue(ctx, q.ID, spec)
}

// CloneSpec deep-copies a launch spec through its JSON-like structure.
func CloneSpec(spec map[string]any) map[string]any {
	if spec == nil {
		return nil
	}
	return cloneValue(spec).(map[string]any)
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(vv))
		for k, x := range vv {
			m[k] = cloneValue(x)
		}
		return m
	case []any:
		s := make([]any, len(vv))
		for i, x := range vv {
			s[i] = cloneValue(x)
		}
		return s
	case []string:
		return append([]string(nil), vv...)
	default:
		return v
	}
}
