package agent

import (
	"context"
	"sync"

	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/builder"
	"github.com/opst/knitlaunch/pkg/launch/runner"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"go.uber.org/zap"
)

// Tracker correlates a queue item with the run launched for it.
//
// One tracker lives from popping the item until the run completes or fails to start.
type Tracker struct {
	ItemID  string
	Queue   string
	Entity  string
	Project string

	client runqueue.Client
	logger *zap.Logger
	phases Phases

	mu            sync.Mutex
	runID         string
	run           runner.SubmittedRun
	isScheduler   bool
	completed     runqueue.RunState
	failedToStart bool
}

var _ builder.WarningReporter = &Tracker{}

func NewTracker(client runqueue.Client, item *runqueue.Item, queue string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		ItemID:      item.ID,
		Queue:       queue,
		client:      client,
		logger:      logger.With(zap.String("item_id", item.ID), zap.String("queue", queue)),
		isScheduler: item.IsScheduler(),
	}
}

// SetRunInfo records where the run of the item goes.
func (t *Tracker) SetRunInfo(entity string, project string, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Entity = entity
	t.Project = project
	t.runID = runID
	t.logger = t.logger.With(zap.String("run_id", runID))
}

func (t *Tracker) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runID
}

func (t *Tracker) SetRun(run runner.SubmittedRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run = run
}

// Run is the submitted run, or nil before submission.
func (t *Tracker) Run() runner.SubmittedRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run
}

func (t *Tracker) IsScheduler() bool {
	return t.isScheduler
}

func (t *Tracker) Transition(to Phase) error {
	return t.phases.Transition(to)
}

func (t *Tracker) Phase() Phase {
	return t.phases.Current()
}

// Complete marks the run terminated with the state.
func (t *Tracker) Complete(state runqueue.RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = state
}

// FailToStart marks the item not launched.
func (t *Tracker) FailToStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedToStart = true
}

// Completed reports the tracked job is over, by completion or failure to start.
func (t *Tracker) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed != "" || t.failedToStart
}

// CompletedState is the state given to Complete, or "" if not completed.
func (t *Tracker) CompletedState() runqueue.RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

func (t *Tracker) FailedToStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedToStart
}

// CheckStopped asks the queue service whether the run is requested to stop.
//
// Errors are logged and reported as "not stopped".
func (t *Tracker) CheckStopped(ctx context.Context) bool {
	t.mu.Lock()
	entity, project, runID := t.Entity, t.Project, t.runID
	logger := t.logger
	t.mu.Unlock()

	if runID == "" {
		return false
	}
	stopped, err := t.client.CheckStopRequested(ctx, entity, project, runID)
	if err != nil {
		if xe.IsCommError(err) {
			logger.Warn("cannot reach the queue service on checking stop request", zap.Error(err))
		} else {
			logger.Error("checking stop request failed", zap.Error(err))
		}
		return false
	}
	return stopped
}

// ReportWarning attaches the warning to the queue item.
func (t *Tracker) ReportWarning(ctx context.Context, message string, phase string) error {
	if err := t.client.UpdateRunQueueItemWarning(ctx, t.ItemID, message, phase); err != nil {
		return xe.WrapWithNote("reporting warning on "+t.ItemID, err)
	}
	return nil
}
