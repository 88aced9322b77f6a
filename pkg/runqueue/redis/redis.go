// Package redis is a Client of run queues stored in Redis.
//
// Each queue is a list of pending item ids and a sorted set of leased item ids
// scored by lease expiry. Items are JSON values updated with optimistic
// transactions (WATCH/MULTI).
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"github.com/opst/knitlaunch/pkg/runqueue/lease"
	goredis "github.com/redis/go-redis/v9"
)

const maxTxRetry = 16

type store struct {
	client goredis.UniversalClient
	leases *lease.Issuer
	prefix string
}

type Option func(*store)

// WithPrefix namespaces all keys. Default is "launch".
func WithPrefix(prefix string) Option {
	return func(s *store) { s.prefix = prefix }
}

// New returns a Client backed by redis.
func New(client goredis.UniversalClient, leases *lease.Issuer, opts ...Option) runqueue.Client {
	s := &store{client: client, leases: leases, prefix: "launch"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect parses a url like `redis://host:6379/0` and connects.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	c := goredis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (s *store) queueKey(id string) string          { return s.prefix + ":queue:" + id }
func (s *store) queueNameKey(entity, n string) string { return s.prefix + ":queue-name:" + entity + "/" + n }
func (s *store) pendingKey(queueID string) string   { return s.prefix + ":queue:" + queueID + ":pending" }
func (s *store) leasedKey(queueID string) string    { return s.prefix + ":queue:" + queueID + ":leased" }
func (s *store) itemKey(id string) string           { return s.prefix + ":item:" + id }
func (s *store) runKey(e, p, r string) string       { return s.prefix + ":run:" + e + "/" + p + "/" + r }
func (s *store) agentKey(id string) string          { return s.prefix + ":agent:" + id }

func (s *store) Features(context.Context) (runqueue.Features, error) {
	return runqueue.Features{PushByName: true, Warnings: true}, nil
}

func (s *store) CreateRunQueue(ctx context.Context, q runqueue.Queue) (*runqueue.Queue, error) {
	q.ID = uuid.NewString()
	if q.Access == "" {
		q.Access = runqueue.AccessProject
	}
	q.CreatedAt = time.Now()

	ok, err := s.client.SetNX(ctx, s.queueNameKey(q.Entity, q.Name), q.ID, 0).Result()
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if !ok {
		return nil, runqueue.ErrConflict
	}
	if err := s.putJSON(ctx, s.client, s.queueKey(q.ID), q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *store) GetRunQueue(ctx context.Context, entity string, name string) (*runqueue.Queue, error) {
	id, err := s.client.Get(ctx, s.queueNameKey(entity, name)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, runqueue.ErrNotFound
	} else if err != nil {
		return nil, xe.Wrap(err)
	}
	return s.getQueue(ctx, id)
}

func (s *store) getQueue(ctx context.Context, id string) (*runqueue.Queue, error) {
	q := runqueue.Queue{}
	if err := s.getJSON(ctx, s.client, s.queueKey(id), &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *store) PushToRunQueue(ctx context.Context, queueID string, spec map[string]any) (*runqueue.Item, error) {
	if _, err := s.getQueue(ctx, queueID); err != nil {
		return nil, err
	}
	return s.push(ctx, queueID, spec)
}

func (s *store) PushToRunQueueByName(ctx context.Context, entity string, _ string, queue string, spec map[string]any) (*runqueue.Item, error) {
	q, err := s.GetRunQueue(ctx, entity, queue)
	if err != nil {
		return nil, err
	}
	return s.push(ctx, q.ID, spec)
}

func (s *store) push(ctx context.Context, queueID string, spec map[string]any) (*runqueue.Item, error) {
	item := runqueue.Item{
		ID:        uuid.NewString(),
		QueueID:   queueID,
		RunSpec:   runqueue.CloneSpec(spec),
		State:     runqueue.ItemPending,
		CreatedAt: time.Now(),
	}
	body, err := json.Marshal(item)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	if _, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.itemKey(item.ID), body, 0)
		p.RPush(ctx, s.pendingKey(queueID), item.ID)
		return nil
	}); err != nil {
		return nil, xe.Wrap(err)
	}
	return &item, nil
}

func (s *store) PopFromRunQueue(ctx context.Context, entity string, _ string, queue string, agentID string) (*runqueue.Item, error) {
	q, err := s.GetRunQueue(ctx, entity, queue)
	if err != nil {
		return nil, err
	}

	// leases expired are ready before pending items, since they were pushed earlier.
	now := time.Now()
	expired, err := s.client.ZRangeByScore(ctx, s.leasedKey(q.ID), &goredis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, xe.Wrap(err)
	}
	for _, id := range expired {
		item, err := s.lease(ctx, q.ID, id, agentID, func(i *runqueue.Item) bool {
			return i.State == runqueue.ItemLeased && !time.Now().Before(i.LeaseExpiresAt)
		})
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}

	for {
		id, err := s.client.LPop(ctx, s.pendingKey(q.ID)).Result()
		if errors.Is(err, goredis.Nil) {
			return nil, runqueue.ErrEmpty
		} else if err != nil {
			return nil, xe.Wrap(err)
		}
		item, err := s.lease(ctx, q.ID, id, agentID, func(i *runqueue.Item) bool {
			return i.State == runqueue.ItemPending
		})
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}
}

// lease gives a new lease on the item if ready(item) holds. It returns nil item otherwise.
func (s *store) lease(ctx context.Context, queueID string, id string, agentID string, ready func(*runqueue.Item) bool) (*runqueue.Item, error) {
	var leased *runqueue.Item
	err := s.update(ctx, id, func(item *runqueue.Item, p goredis.Pipeliner) error {
		leased = nil
		if !ready(item) {
			return nil
		}
		tok, exp, err := s.leases.Issue(id, agentID)
		if err != nil {
			return err
		}
		item.State = runqueue.ItemLeased
		item.Lease = tok
		item.LeaseExpiresAt = exp
		p.ZAdd(ctx, s.leasedKey(queueID), goredis.Z{Score: float64(exp.UnixMilli()), Member: id})
		leased = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// update reads the item, lets f modify it and writes it back atomically.
//
// f may queue more commands in p, which run in the same transaction.
func (s *store) update(ctx context.Context, id string, f func(*runqueue.Item, goredis.Pipeliner) error) error {
	key := s.itemKey(id)
	for range maxTxRetry {
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			item := runqueue.Item{}
			if err := s.getJSON(ctx, tx, key, &item); err != nil {
				return err
			}
			_, err := tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				if err := f(&item, p); err != nil {
					return err
				}
				body, err := json.Marshal(item)
				if err != nil {
					return err
				}
				p.Set(ctx, key, body, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return xe.New("too many conflicts on updating a run queue item")
}

func (s *store) AckRunQueueItem(ctx context.Context, itemID string, token string, runID string) error {
	if _, err := s.leases.Verify(token, itemID); err != nil {
		if errors.Is(err, lease.ErrInvalidToken) || errors.Is(err, lease.ErrNoKeyFound) {
			return runqueue.ErrLeaseLost
		}
		return xe.Wrap(err)
	}
	return s.update(ctx, itemID, func(item *runqueue.Item, p goredis.Pipeliner) error {
		if item.State != runqueue.ItemLeased || item.Lease != token || !time.Now().Before(item.LeaseExpiresAt) {
			return runqueue.ErrLeaseLost
		}
		item.State = runqueue.ItemClaimed
		item.AssociatedRunID = runID
		p.ZRem(ctx, s.leasedKey(item.QueueID), itemID)
		return nil
	})
}

func (s *store) FailRunQueueItem(ctx context.Context, itemID string, message string, phase string) error {
	return s.update(ctx, itemID, func(item *runqueue.Item, p goredis.Pipeliner) error {
		item.State = runqueue.ItemFailed
		item.Error = message
		item.Warnings = append(item.Warnings, runqueue.Warning{Message: message, Phase: phase, At: time.Now()})
		p.ZRem(ctx, s.leasedKey(item.QueueID), itemID)
		p.LRem(ctx, s.pendingKey(item.QueueID), 0, itemID)
		return nil
	})
}

func (s *store) UpdateRunQueueItemWarning(ctx context.Context, itemID string, message string, phase string) error {
	return s.update(ctx, itemID, func(item *runqueue.Item, _ goredis.Pipeliner) error {
		item.Warnings = append(item.Warnings, runqueue.Warning{Message: message, Phase: phase, At: time.Now()})
		return nil
	})
}

func (s *store) GetRunQueueItem(ctx context.Context, itemID string) (*runqueue.Item, error) {
	item := runqueue.Item{}
	if err := s.getJSON(ctx, s.client, s.itemKey(itemID), &item); err != nil {
		return nil, err
	}
	item.Lease = ""
	return &item, nil
}

const (
	fieldState = "state"
	fieldStop  = "stop_requested"
)

func (s *store) SetRunState(ctx context.Context, entity string, project string, runID string, state runqueue.RunState) error {
	return xe.Wrap(s.client.HSet(ctx, s.runKey(entity, project, runID), fieldState, string(state)).Err())
}

func (s *store) GetRunState(ctx context.Context, entity string, project string, runID string) (runqueue.RunState, error) {
	v, err := s.client.HGet(ctx, s.runKey(entity, project, runID), fieldState).Result()
	if errors.Is(err, goredis.Nil) {
		return runqueue.RunPending, nil
	} else if err != nil {
		return "", xe.Wrap(err)
	}
	return runqueue.RunState(v), nil
}

func (s *store) StopRun(ctx context.Context, entity string, project string, runID string) error {
	return xe.Wrap(s.client.HSet(ctx, s.runKey(entity, project, runID), fieldStop, "1").Err())
}

func (s *store) CheckStopRequested(ctx context.Context, entity string, project string, runID string) (bool, error) {
	v, err := s.client.HGet(ctx, s.runKey(entity, project, runID), fieldStop).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	} else if err != nil {
		return false, xe.Wrap(err)
	}
	return v == "1", nil
}

func (s *store) CreateLaunchAgent(ctx context.Context, a runqueue.Agent) (*runqueue.Agent, error) {
	a.ID = uuid.NewString()
	if a.Status == "" {
		a.Status = runqueue.AgentPolling
	}
	if err := s.putJSON(ctx, s.client, s.agentKey(a.ID), a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *store) UpdateLaunchAgentStatus(ctx context.Context, agentID string, status runqueue.AgentStatus) error {
	key := s.agentKey(agentID)
	return s.client.Watch(ctx, func(tx *goredis.Tx) error {
		a := runqueue.Agent{}
		if err := s.getJSON(ctx, tx, key, &a); err != nil {
			return err
		}
		a.Status = status
		_, err := tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			return s.putJSON(ctx, p, key, a)
		})
		return err
	}, key)
}

func (s *store) getJSON(ctx context.Context, c goredis.Cmdable, key string, v any) error {
	body, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return runqueue.ErrNotFound
	} else if err != nil {
		return xe.Wrap(err)
	}
	return xe.Wrap(json.Unmarshal(body, v))
}

func (s *store) putJSON(ctx context.Context, c goredis.Cmdable, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return xe.Wrap(err)
	}
	return xe.Wrap(c.Set(ctx, key, body, 0).Err())
}
