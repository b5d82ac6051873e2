package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/logger"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

const (
	connectTimeout = 5 * time.Second
	pingTimeout    = 2 * time.Second
)

// RedisStore is the durable backend. Multi-key writes go through a
// transactional pipeline so a queue save or recovery reset lands as one
// round-trip; pending-list pops and claims rely on single-command atomicity.
type RedisStore struct {
	client *redis.Client
	logger *logger.Logger

	subMu  sync.Mutex
	subs   map[int]func() // live subscription cancels, keyed by handle
	nextID int
	closed bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the endpoint (host:port or redis:// URL) and
// verifies the connection with a ping.
func NewRedisStore(ctx context.Context, endpoint string, log *logger.Logger) (*RedisStore, error) {
	opts := &redis.Options{Addr: endpoint}
	if strings.Contains(endpoint, "://") {
		parsed, err := redis.ParseURL(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid store endpoint %q: %w", endpoint, err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store endpoint %s unreachable: %w", endpoint, err)
	}

	log.Info("connected to queue store", zap.String("endpoint", endpoint))
	return &RedisStore{
		client: client,
		logger: log,
		subs:   make(map[int]func()),
	}, nil
}

// SaveQueue persists metadata, tasks, the task-id list, and the initial
// pending list in one transaction.
func (s *RedisStore) SaveQueue(ctx context.Context, q *v1.Queue) error {
	taskHashes := make(map[string]map[string]interface{}, len(q.Tasks))
	taskIDs := make([]interface{}, 0, len(q.Tasks))
	for _, t := range q.Tasks {
		h, err := taskToHash(t)
		if err != nil {
			return err
		}
		taskHashes[t.ID] = h
		taskIDs = append(taskIDs, t.ID)
	}
	pending := pendingIDs(q.Tasks)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, queueKey(q.ID), queueToHash(q))
	pipe.Del(ctx, queueTasksKey(q.ID), queuePendingKey(q.ID))
	if len(taskIDs) > 0 {
		pipe.RPush(ctx, queueTasksKey(q.ID), taskIDs...)
	}
	if len(pending) > 0 {
		members := make([]interface{}, len(pending))
		for i, id := range pending {
			members[i] = id
		}
		pipe.RPush(ctx, queuePendingKey(q.ID), members...)
	}
	for id, h := range taskHashes {
		pipe.HSet(ctx, taskKey(id), h)
	}
	pipe.ZAdd(ctx, queueIndexKey, &redis.Z{Score: float64(q.CreatedAt), Member: q.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save queue %s: %w", q.ID, err)
	}
	return nil
}

// LoadQueue reconstructs a queue with its tasks in insertion order.
func (s *RedisStore) LoadQueue(ctx context.Context, queueID string) (*v1.Queue, error) {
	h, err := s.client.HGetAll(ctx, queueKey(queueID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", queueID, err)
	}
	q, err := queueFromHash(h)
	if err != nil {
		return nil, err
	}

	ids, err := s.client.LRange(ctx, queueTasksKey(queueID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load task ids for queue %s: %w", queueID, err)
	}
	for _, id := range ids {
		th, err := s.client.HGetAll(ctx, taskKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
		t, err := taskFromHash(th)
		if err != nil {
			if err == ErrTaskNotFound {
				s.logger.Warn("task listed but not stored, skipping",
					zap.String("queue_id", queueID), zap.String("task_id", id))
				continue
			}
			return nil, err
		}
		q.Tasks = append(q.Tasks, t)
	}
	return q, nil
}

// DeleteQueue removes the queue, its tasks, lists, and index entry.
func (s *RedisStore) DeleteQueue(ctx context.Context, queueID string) error {
	ids, err := s.client.LRange(ctx, queueTasksKey(queueID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("delete queue %s: %w", queueID, err)
	}

	keys := []string{queueKey(queueID), queueTasksKey(queueID), queuePendingKey(queueID)}
	for _, id := range ids {
		keys = append(keys, taskKey(id))
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, queueIndexKey, queueID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete queue %s: %w", queueID, err)
	}
	return nil
}

// ListQueues returns summaries newest first, via the createdAt-scored index.
func (s *RedisStore) ListQueues(ctx context.Context) ([]*v1.QueueSummary, error) {
	ids, err := s.client.ZRevRange(ctx, queueIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}

	summaries := make([]*v1.QueueSummary, 0, len(ids))
	for _, id := range ids {
		h, err := s.client.HGetAll(ctx, queueKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}
		q, err := queueFromHash(h)
		if err != nil {
			if err == ErrQueueNotFound {
				// Stale index entry; reap it.
				s.client.ZRem(ctx, queueIndexKey, id)
				continue
			}
			return nil, err
		}
		summaries = append(summaries, summaryFromQueue(q))
	}
	return summaries, nil
}

// UpdateQueueStatus sets status and stamps lifecycle timestamps when ts > 0.
func (s *RedisStore) UpdateQueueStatus(ctx context.Context, queueID string, status v1.QueueStatus, ts int64) error {
	if err := s.ensureQueue(ctx, queueID); err != nil {
		return err
	}

	fields := map[string]interface{}{"status": string(status)}
	if ts > 0 {
		switch {
		case status == v1.QueueStatusRunning:
			fields["startedAt"] = formatMillis(ts)
		case status.IsTerminal():
			fields["completedAt"] = formatMillis(ts)
		}
	}
	if err := s.client.HSet(ctx, queueKey(queueID), fields).Err(); err != nil {
		return fmt.Errorf("update queue %s status: %w", queueID, err)
	}
	return nil
}

// UpdateQueueMetrics overwrites the metrics snapshot.
func (s *RedisStore) UpdateQueueMetrics(ctx context.Context, queueID string, metrics v1.QueueMetrics) error {
	if err := s.ensureQueue(ctx, queueID); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, queueKey(queueID), metricsToHash(metrics)).Err(); err != nil {
		return fmt.Errorf("update queue %s metrics: %w", queueID, err)
	}
	return nil
}

// ensureQueue verifies the queue record exists before a partial update.
func (s *RedisStore) ensureQueue(ctx context.Context, queueID string) error {
	n, err := s.client.Exists(ctx, queueKey(queueID)).Result()
	if err != nil {
		return fmt.Errorf("check queue %s: %w", queueID, err)
	}
	if n == 0 {
		return ErrQueueNotFound
	}
	return nil
}

// SaveTask persists one task record and appends it to its queue's id list if
// not already present.
func (s *RedisStore) SaveTask(ctx context.Context, t *v1.Task) error {
	h, err := taskToHash(t)
	if err != nil {
		return err
	}

	known, err := s.client.Exists(ctx, taskKey(t.ID)).Result()
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), h)
	if known == 0 && t.QueueID != "" {
		pipe.RPush(ctx, queueTasksKey(t.QueueID), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask returns one task by id.
func (s *RedisStore) LoadTask(ctx context.Context, taskID string) (*v1.Task, error) {
	h, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return taskFromHash(h)
}

// UpdateTask merges a partial update into the stored record. Only touched
// fields are written, so concurrent disjoint updates never clobber.
func (s *RedisStore) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) error {
	if upd.IsZero() {
		return nil
	}

	fields, err := taskUpdateToHash(upd)
	if err != nil {
		return err
	}

	n, err := s.client.Exists(ctx, taskKey(taskID)).Result()
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}

	if err := s.client.HSet(ctx, taskKey(taskID), fields).Err(); err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

// PopNextTask atomically pops the pending list head, or "" when empty.
func (s *RedisStore) PopNextTask(ctx context.Context, queueID string) (string, error) {
	id, err := s.client.LPop(ctx, queuePendingKey(queueID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop pending task for queue %s: %w", queueID, err)
	}
	return id, nil
}

// ClaimPendingTask removes one specific id from the pending list. Removing
// all occurrences also self-heals duplicate entries.
func (s *RedisStore) ClaimPendingTask(ctx context.Context, queueID, taskID string) (bool, error) {
	n, err := s.client.LRem(ctx, queuePendingKey(queueID), 0, taskID).Result()
	if err != nil {
		return false, fmt.Errorf("claim pending task %s: %w", taskID, err)
	}
	return n > 0, nil
}

// RequeueTask moves the id to the pending list tail.
func (s *RedisStore) RequeueTask(ctx context.Context, queueID, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, queuePendingKey(queueID), 0, taskID)
	pipe.RPush(ctx, queuePendingKey(queueID), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue task %s: %w", taskID, err)
	}
	return nil
}

// MarkAgentBusy adds the agent to the global busy set.
func (s *RedisStore) MarkAgentBusy(ctx context.Context, agentID string) error {
	if err := s.client.SAdd(ctx, busyAgentsKey, agentID).Err(); err != nil {
		return fmt.Errorf("mark agent %s busy: %w", agentID, err)
	}
	return nil
}

// MarkAgentAvailable removes the agent from the global busy set.
func (s *RedisStore) MarkAgentAvailable(ctx context.Context, agentID string) error {
	if err := s.client.SRem(ctx, busyAgentsKey, agentID).Err(); err != nil {
		return fmt.Errorf("mark agent %s available: %w", agentID, err)
	}
	return nil
}

// GetBusyAgents returns the busy set sorted lexically.
func (s *RedisStore) GetBusyAgents(ctx context.Context) ([]string, error) {
	agents, err := s.client.SMembers(ctx, busyAgentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get busy agents: %w", err)
	}
	sort.Strings(agents)
	return agents, nil
}

// PublishEvent delivers one event to the queue's channel.
func (s *RedisStore) PublishEvent(ctx context.Context, ev *v1.QueueEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode queue event: %w", err)
	}
	if err := s.client.Publish(ctx, queueEventsChannel(ev.QueueID), payload).Err(); err != nil {
		return fmt.Errorf("publish queue event: %w", err)
	}
	return nil
}

// SubscribeToQueue registers a consumer on the queue's pub/sub channel. The
// returned function cancels the subscription.
func (s *RedisStore) SubscribeToQueue(ctx context.Context, queueID string, fn func(*v1.QueueEvent)) (func(), error) {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil, ErrStoreClosed
	}
	s.subMu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(subCtx, queueEventsChannel(queueID))

	// Wait for subscription confirmation so no published event is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to queue %s events: %w", queueID, err)
	}

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = cancel
	s.subMu.Unlock()

	go func() {
		defer func() {
			_ = pubsub.Close()
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		}()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if subCtx.Err() != nil {
					return
				}
				var ev v1.QueueEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("dropping malformed queue event",
						zap.String("queue_id", queueID), zap.Error(err))
					continue
				}
				fn(&ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
	}, nil
}

// LoadInterruptedQueues returns queues persisted as running or paused, in
// index (creation) order.
func (s *RedisStore) LoadInterruptedQueues(ctx context.Context) ([]*v1.Queue, error) {
	ids, err := s.client.ZRange(ctx, queueIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load interrupted queues: %w", err)
	}

	var queues []*v1.Queue
	for _, id := range ids {
		status, err := s.client.HGet(ctx, queueKey(id), "status").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load interrupted queues: %w", err)
		}
		if !v1.QueueStatus(status).Interrupted() {
			continue
		}
		q, err := s.LoadQueue(ctx, id)
		if err != nil {
			if err == ErrQueueNotFound {
				continue
			}
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// ResetInterruptedQueue re-normalizes one interrupted queue to paused: every
// in-flight task back to pending, the pending list rebuilt in insertion
// order, the busy set cleared. All writes land in one transaction.
func (s *RedisStore) ResetInterruptedQueue(ctx context.Context, queueID string) error {
	q, err := s.LoadQueue(ctx, queueID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pending := make([]interface{}, 0, len(q.Tasks))
	for _, t := range q.Tasks {
		status := t.Status
		if status == v1.TaskStatusInProgress || status == v1.TaskStatusRetrying {
			status = v1.TaskStatusPending
			pipe.HSet(ctx, taskKey(t.ID), map[string]interface{}{
				"status":    string(status),
				"startedAt": "",
			})
		}
		if !status.IsTerminal() {
			pending = append(pending, t.ID)
		}
	}
	pipe.Del(ctx, queuePendingKey(queueID))
	if len(pending) > 0 {
		pipe.RPush(ctx, queuePendingKey(queueID), pending...)
	}
	pipe.HSet(ctx, queueKey(queueID), "status", string(v1.QueueStatusPaused))
	pipe.Del(ctx, busyAgentsKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset interrupted queue %s: %w", queueID, err)
	}
	return nil
}

// Available pings the backend with a short deadline.
func (s *RedisStore) Available() bool {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return false
	}
	s.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// Close cancels all subscriptions and releases the connection pool.
func (s *RedisStore) Close() error {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return nil
	}
	s.closed = true
	cancels := make([]func(), 0, len(s.subs))
	for _, cancel := range s.subs {
		cancels = append(cancels, cancel)
	}
	s.subMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return s.client.Close()
}
