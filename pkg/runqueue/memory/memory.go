// Package memory is a Client of run queues living in a process.
//
// It is used by tests and by `launch queue serve` without a database.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"github.com/opst/knitlaunch/pkg/runqueue/lease"
)

type runKey struct {
	entity, project, runID string
}

type runRecord struct {
	state         runqueue.RunState
	stopRequested bool
}

type store struct {
	mu     sync.Mutex
	leases *lease.Issuer
	now    func() time.Time

	queues map[string]*runqueue.Queue
	items  map[string]*runqueue.Item
	order  map[string][]string // queue id -> item ids, in pushed order
	runs   map[runKey]*runRecord
	agents map[string]*runqueue.Agent
}

type Option func(*store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *store) { s.now = now }
}

// New returns an empty in-memory run queue service.
func New(leases *lease.Issuer, opts ...Option) runqueue.Client {
	s := &store{
		leases: leases,
		now:    time.Now,
		queues: map[string]*runqueue.Queue{},
		items:  map[string]*runqueue.Item{},
		order:  map[string][]string{},
		runs:   map[runKey]*runRecord{},
		agents: map[string]*runqueue.Agent{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *store) Features(context.Context) (runqueue.Features, error) {
	return runqueue.Features{PushByName: true, Warnings: true}, nil
}

func (s *store) CreateRunQueue(_ context.Context, q runqueue.Queue) (*runqueue.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findQueue(q.Entity, q.Name); ok {
		return nil, runqueue.ErrConflict
	}
	q.ID = uuid.NewString()
	if q.Access == "" {
		q.Access = runqueue.AccessProject
	}
	q.CreatedAt = s.now()
	s.queues[q.ID] = &q
	ret := q
	return &ret, nil
}

func (s *store) findQueue(entity, name string) (*runqueue.Queue, bool) {
	for _, q := range s.queues {
		if q.Entity == entity && q.Name == name {
			return q, true
		}
	}
	return nil, false
}

func (s *store) GetRunQueue(_ context.Context, entity string, name string) (*runqueue.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.findQueue(entity, name)
	if !ok {
		return nil, runqueue.ErrNotFound
	}
	ret := *q
	return &ret, nil
}

func (s *store) PushToRunQueue(_ context.Context, queueID string, spec map[string]any) (*runqueue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return nil, runqueue.ErrNotFound
	}
	return s.push(queueID, spec), nil
}

func (s *store) PushToRunQueueByName(_ context.Context, entity string, _ string, queue string, spec map[string]any) (*runqueue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.findQueue(entity, queue)
	if !ok {
		return nil, runqueue.ErrNotFound
	}
	return s.push(q.ID, spec), nil
}

func (s *store) push(queueID string, spec map[string]any) *runqueue.Item {
	item := &runqueue.Item{
		ID:        uuid.NewString(),
		QueueID:   queueID,
		RunSpec:   runqueue.CloneSpec(spec),
		State:     runqueue.ItemPending,
		CreatedAt: s.now(),
	}
	s.items[item.ID] = item
	s.order[queueID] = append(s.order[queueID], item.ID)
	return copyItem(item)
}

func (s *store) PopFromRunQueue(_ context.Context, entity string, _ string, queue string, agentID string) (*runqueue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.findQueue(entity, queue)
	if !ok {
		return nil, runqueue.ErrNotFound
	}
	now := s.now()
	for _, id := range s.order[q.ID] {
		item := s.items[id]
		switch item.State {
		case runqueue.ItemPending:
		case runqueue.ItemLeased:
			if now.Before(item.LeaseExpiresAt) {
				continue
			}
		default:
			continue
		}

		tok, exp, err := s.leases.Issue(item.ID, agentID)
		if err != nil {
			return nil, err
		}
		item.State = runqueue.ItemLeased
		item.Lease = tok
		item.LeaseExpiresAt = exp
		return copyItem(item), nil
	}
	return nil, runqueue.ErrEmpty
}

func (s *store) AckRunQueueItem(_ context.Context, itemID string, token string, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return runqueue.ErrNotFound
	}
	if item.State != runqueue.ItemLeased || item.Lease != token || !s.now().Before(item.LeaseExpiresAt) {
		return runqueue.ErrLeaseLost
	}
	if _, err := s.leases.Verify(token, itemID); err != nil {
		if errors.Is(err, lease.ErrInvalidToken) || errors.Is(err, lease.ErrNoKeyFound) {
			return runqueue.ErrLeaseLost
		}
		return err
	}
	item.State = runqueue.ItemClaimed
	item.AssociatedRunID = runID
	return nil
}

func (s *store) FailRunQueueItem(_ context.Context, itemID string, message string, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return runqueue.ErrNotFound
	}
	item.State = runqueue.ItemFailed
	item.Error = message
	item.Warnings = append(item.Warnings, runqueue.Warning{Message: message, Phase: phase, At: s.now()})
	return nil
}

func (s *store) UpdateRunQueueItemWarning(_ context.Context, itemID string, message string, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return runqueue.ErrNotFound
	}
	item.Warnings = append(item.Warnings, runqueue.Warning{Message: message, Phase: phase, At: s.now()})
	return nil
}

func (s *store) GetRunQueueItem(_ context.Context, itemID string) (*runqueue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, runqueue.ErrNotFound
	}
	ret := copyItem(item)
	ret.Lease = ""
	return ret, nil
}

func (s *store) run(entity, project, runID string) *runRecord {
	k := runKey{entity: entity, project: project, runID: runID}
	r, ok := s.runs[k]
	if !ok {
		r = &runRecord{state: runqueue.RunPending}
		s.runs[k] = r
	}
	return r
}

func (s *store) SetRunState(_ context.Context, entity string, project string, runID string, state runqueue.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run(entity, project, runID).state = state
	return nil
}

func (s *store) GetRunState(_ context.Context, entity string, project string, runID string) (runqueue.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runKey{entity, project, runID}]; ok {
		return r.state, nil
	}
	return runqueue.RunPending, nil
}

func (s *store) StopRun(_ context.Context, entity string, project string, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run(entity, project, runID).stopRequested = true
	return nil
}

func (s *store) CheckStopRequested(_ context.Context, entity string, project string, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runKey{entity, project, runID}]; ok {
		return r.stopRequested, nil
	}
	return false, nil
}

func (s *store) CreateLaunchAgent(_ context.Context, a runqueue.Agent) (*runqueue.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.NewString()
	if a.Status == "" {
		a.Status = runqueue.AgentPolling
	}
	a.Queues = append([]string{}, a.Queues...)
	sort.Strings(a.Queues)
	s.agents[a.ID] = &a
	ret := a
	return &ret, nil
}

func (s *store) UpdateLaunchAgentStatus(_ context.Context, agentID string, status runqueue.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return runqueue.ErrNotFound
	}
	a.Status = status
	return nil
}

func copyItem(i *runqueue.Item) *runqueue.Item {
	ret := *i
	ret.RunSpec = runqueue.CloneSpec(i.RunSpec)
	ret.Warnings = append([]runqueue.Warning(nil), i.Warnings...)
	return &ret
}
