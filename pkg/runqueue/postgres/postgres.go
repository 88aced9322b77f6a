// Package postgres is a Client of run queues stored in PostgreSQL.
//
// Pop locks the next ready item with `FOR UPDATE SKIP LOCKED`, so that
// agents popping concurrently never get the same item.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/opst/knitlaunch/pkg/conn/db/postgres/pool"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"github.com/opst/knitlaunch/pkg/runqueue/lease"
)

type store struct {
	pool   pool.Pool
	leases *lease.Issuer
}

// New returns a Client backed by the database.
//
// The schema should be migrated with Migrate beforehand.
func New(p pool.Pool, leases *lease.Issuer) runqueue.Client {
	return &store{pool: p, leases: leases}
}

func (s *store) Features(context.Context) (runqueue.Features, error) {
	return runqueue.Features{PushByName: true, Warnings: true}, nil
}

func (s *store) CreateRunQueue(ctx context.Context, q runqueue.Queue) (*runqueue.Queue, error) {
	q.ID = uuid.NewString()
	if q.Access == "" {
		q.Access = runqueue.AccessProject
	}
	conf, err := json.Marshal(q.DefaultResourceConfig)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	err = s.pool.QueryRow(
		ctx,
		`
		insert into "run_queue" ("id", "entity", "project", "name", "access", "default_resource_config")
		values ($1, $2, $3, $4, $5, $6)
		returning "created_at"
		`,
		q.ID, q.Entity, q.Project, q.Name, string(q.Access), conf,
	).Scan(&q.CreatedAt)
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == pgerrcode.UniqueViolation {
			return nil, runqueue.ErrConflict
		}
		return nil, xe.Wrap(err)
	}
	return &q, nil
}

func (s *store) GetRunQueue(ctx context.Context, entity string, name string) (*runqueue.Queue, error) {
	return getQueue(ctx, s.pool, entity, name)
}

func getQueue(ctx context.Context, q pool.Queryer, entity string, name string) (*runqueue.Queue, error) {
	ret := runqueue.Queue{}
	var access string
	var conf []byte
	err := q.QueryRow(
		ctx,
		`
		select "id", "entity", "project", "name", "access", "default_resource_config", "created_at"
		from "run_queue" where "entity" = $1 and "name" = $2
		`,
		entity, name,
	).Scan(&ret.ID, &ret.Entity, &ret.Project, &ret.Name, &access, &conf, &ret.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runqueue.ErrNotFound
	} else if err != nil {
		return nil, xe.Wrap(err)
	}
	ret.Access = runqueue.Access(access)
	if len(conf) != 0 {
		if err := json.Unmarshal(conf, &ret.DefaultResourceConfig); err != nil {
			return nil, xe.Wrap(err)
		}
	}
	return &ret, nil
}

func (s *store) PushToRunQueue(ctx context.Context, queueID string, spec map[string]any) (*runqueue.Item, error) {
	var found string
	err := s.pool.QueryRow(ctx, `select "id" from "run_queue" where "id" = $1`, queueID).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runqueue.ErrNotFound
	} else if err != nil {
		return nil, xe.Wrap(err)
	}
	return s.push(ctx, queueID, spec)
}

func (s *store) PushToRunQueueByName(ctx context.Context, entity string, _ string, queue string, spec map[string]any) (*runqueue.Item, error) {
	q, err := getQueue(ctx, s.pool, entity, queue)
	if err != nil {
		return nil, err
	}
	return s.push(ctx, q.ID, spec)
}

func (s *store) push(ctx context.Context, queueID string, spec map[string]any) (*runqueue.Item, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	item := &runqueue.Item{
		ID:      uuid.NewString(),
		QueueID: queueID,
		RunSpec: runqueue.CloneSpec(spec),
		State:   runqueue.ItemPending,
	}
	if err := s.pool.QueryRow(
		ctx,
		`
		insert into "run_queue_item" ("id", "queue_id", "run_spec", "state")
		values ($1, $2, $3, $4)
		returning "created_at"
		`,
		item.ID, queueID, body, string(item.State),
	).Scan(&item.CreatedAt); err != nil {
		return nil, xe.Wrap(err)
	}
	return item, nil
}

func (s *store) PopFromRunQueue(ctx context.Context, entity string, _ string, queue string, agentID string) (*runqueue.Item, error) {
	var popped *runqueue.Item
	err := pool.WithTx(ctx, s.pool, func(tx pool.Tx) error {
		q, err := getQueue(ctx, tx, entity, queue)
		if err != nil {
			return err
		}

		var id string
		err = tx.QueryRow(
			ctx,
			`
			select "id" from "run_queue_item"
			where "queue_id" = $1
				and ("state" = $2 or ("state" = $3 and "lease_expires_at" <= $4))
			order by "seq"
			limit 1
			for update skip locked
			`,
			q.ID, string(runqueue.ItemPending), string(runqueue.ItemLeased), time.Now(),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return runqueue.ErrEmpty
		} else if err != nil {
			return xe.Wrap(err)
		}

		tok, exp, err := s.leases.Issue(id, agentID)
		if err != nil {
			return xe.Wrap(err)
		}
		if _, err := tx.Exec(
			ctx,
			`update "run_queue_item" set "state" = $2, "lease" = $3, "lease_expires_at" = $4 where "id" = $1`,
			id, string(runqueue.ItemLeased), tok, exp,
		); err != nil {
			return xe.Wrap(err)
		}

		item, err := getItem(ctx, tx, id)
		if err != nil {
			return err
		}
		item.Lease = tok
		popped = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

func getItem(ctx context.Context, q pool.Queryer, id string) (*runqueue.Item, error) {
	item := runqueue.Item{}
	var spec []byte
	var state string
	var leaseExpiresAt *time.Time
	var runID, message *string
	err := q.QueryRow(
		ctx,
		`
		select "id", "queue_id", "run_spec", "state", "lease_expires_at", "associated_run_id", "error", "created_at"
		from "run_queue_item" where "id" = $1
		`,
		id,
	).Scan(&item.ID, &item.QueueID, &spec, &state, &leaseExpiresAt, &runID, &message, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runqueue.ErrNotFound
	} else if err != nil {
		return nil, xe.Wrap(err)
	}
	if err := json.Unmarshal(spec, &item.RunSpec); err != nil {
		return nil, xe.Wrap(err)
	}
	item.State = runqueue.ItemState(state)
	if leaseExpiresAt != nil {
		item.LeaseExpiresAt = *leaseExpiresAt
	}
	if runID != nil {
		item.AssociatedRunID = *runID
	}
	if message != nil {
		item.Error = *message
	}

	rows, err := q.Query(
		ctx,
		`select "message", "phase", "at" from "run_queue_item_warning" where "item_id" = $1 order by "seq"`,
		id,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		w := runqueue.Warning{}
		if err := rows.Scan(&w.Message, &w.Phase, &w.At); err != nil {
			return nil, xe.Wrap(err)
		}
		item.Warnings = append(item.Warnings, w)
	}
	if err := rows.Err(); err != nil {
		return nil, xe.Wrap(err)
	}
	return &item, nil
}

func (s *store) AckRunQueueItem(ctx context.Context, itemID string, token string, runID string) error {
	if _, err := s.leases.Verify(token, itemID); err != nil {
		if errors.Is(err, lease.ErrInvalidToken) || errors.Is(err, lease.ErrNoKeyFound) {
			return runqueue.ErrLeaseLost
		}
		return xe.Wrap(err)
	}

	return pool.WithTx(ctx, s.pool, func(tx pool.Tx) error {
		var state string
		var stored *string
		var exp *time.Time
		err := tx.QueryRow(
			ctx,
			`select "state", "lease", "lease_expires_at" from "run_queue_item" where "id" = $1 for update`,
			itemID,
		).Scan(&state, &stored, &exp)
		if errors.Is(err, pgx.ErrNoRows) {
			return runqueue.ErrNotFound
		} else if err != nil {
			return xe.Wrap(err)
		}
		if runqueue.ItemState(state) != runqueue.ItemLeased ||
			stored == nil || *stored != token ||
			exp == nil || !time.Now().Before(*exp) {
			return runqueue.ErrLeaseLost
		}
		_, err = tx.Exec(
			ctx,
			`update "run_queue_item" set "state" = $2, "associated_run_id" = $3 where "id" = $1`,
			itemID, string(runqueue.ItemClaimed), runID,
		)
		return xe.Wrap(err)
	})
}

func (s *store) FailRunQueueItem(ctx context.Context, itemID string, message string, phase string) error {
	return pool.WithTx(ctx, s.pool, func(tx pool.Tx) error {
		ct, err := tx.Exec(
			ctx,
			`update "run_queue_item" set "state" = $2, "error" = $3 where "id" = $1`,
			itemID, string(runqueue.ItemFailed), message,
		)
		if err != nil {
			return xe.Wrap(err)
		}
		if ct.RowsAffected() == 0 {
			return runqueue.ErrNotFound
		}
		return addWarning(ctx, tx, itemID, message, phase)
	})
}

func (s *store) UpdateRunQueueItemWarning(ctx context.Context, itemID string, message string, phase string) error {
	err := addWarning(ctx, s.pool, itemID, message, phase)
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == pgerrcode.ForeignKeyViolation {
		return runqueue.ErrNotFound
	}
	return err
}

func addWarning(ctx context.Context, q pool.Queryer, itemID string, message string, phase string) error {
	_, err := q.Exec(
		ctx,
		`insert into "run_queue_item_warning" ("item_id", "message", "phase", "at") values ($1, $2, $3, $4)`,
		itemID, message, phase, time.Now(),
	)
	return err
}

func (s *store) GetRunQueueItem(ctx context.Context, itemID string) (*runqueue.Item, error) {
	return getItem(ctx, s.pool, itemID)
}

func (s *store) SetRunState(ctx context.Context, entity string, project string, runID string, state runqueue.RunState) error {
	_, err := s.pool.Exec(
		ctx,
		`
		insert into "run" ("entity", "project", "run_id", "state") values ($1, $2, $3, $4)
		on conflict ("entity", "project", "run_id") do update set "state" = excluded."state"
		`,
		entity, project, runID, string(state),
	)
	return xe.Wrap(err)
}

func (s *store) GetRunState(ctx context.Context, entity string, project string, runID string) (runqueue.RunState, error) {
	var state string
	err := s.pool.QueryRow(
		ctx,
		`select "state" from "run" where "entity" = $1 and "project" = $2 and "run_id" = $3`,
		entity, project, runID,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return runqueue.RunPending, nil
	} else if err != nil {
		return "", xe.Wrap(err)
	}
	return runqueue.RunState(state), nil
}

func (s *store) StopRun(ctx context.Context, entity string, project string, runID string) error {
	_, err := s.pool.Exec(
		ctx,
		`
		insert into "run" ("entity", "project", "run_id", "state", "stop_requested") values ($1, $2, $3, $4, true)
		on conflict ("entity", "project", "run_id") do update set "stop_requested" = true
		`,
		entity, project, runID, string(runqueue.RunPending),
	)
	return xe.Wrap(err)
}

func (s *store) CheckStopRequested(ctx context.Context, entity string, project string, runID string) (bool, error) {
	var stop bool
	err := s.pool.QueryRow(
		ctx,
		`select "stop_requested" from "run" where "entity" = $1 and "project" = $2 and "run_id" = $3`,
		entity, project, runID,
	).Scan(&stop)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, xe.Wrap(err)
	}
	return stop, nil
}

func (s *store) CreateLaunchAgent(ctx context.Context, a runqueue.Agent) (*runqueue.Agent, error) {
	a.ID = uuid.NewString()
	if a.Status == "" {
		a.Status = runqueue.AgentPolling
	}
	if a.Queues == nil {
		a.Queues = []string{}
	}
	conf, err := json.Marshal(a.Config)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if _, err := s.pool.Exec(
		ctx,
		`
		insert into "launch_agent" ("id", "entity", "project", "queues", "config", "status")
		values ($1, $2, $3, $4, $5, $6)
		`,
		a.ID, a.Entity, a.Project, a.Queues, conf, string(a.Status),
	); err != nil {
		return nil, xe.Wrap(err)
	}
	return &a, nil
}

func (s *store) UpdateLaunchAgentStatus(ctx context.Context, agentID string, status runqueue.AgentStatus) error {
	ct, err := s.pool.Exec(
		ctx, `update "launch_agent" set "status" = $2 where "id" = $1`, agentID, string(status),
	)
	if err != nil {
		return xe.Wrap(err)
	}
	if ct.RowsAffected() == 0 {
		return runqueue.ErrNotFound
	}
	return nil
}
