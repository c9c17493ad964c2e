// Package queue runs a durable job queue on top of Redis.
//
// Producers add task IDs to a pending set, so pushing a task that is already
// pending is a no-op. Workers claim tasks, which moves them into an in-flight
// hash and schedules an expiration event on a list. A claim ends by ack from
// the worker or by expiry, in which case an ExpirationWorker hands the task to
// a callback. All state transitions run as Lua scripts so concurrent
// producers, workers and expiration workers never observe partial moves.
//
// A task ID is "<job type>:<uid>".
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Keys holds the Redis keys used.
type Keys struct {
	PendingSet   string // task IDs waiting for a worker
	InflightHash string // task ID -> "claimer@expiry" (in-flight only)
	ExpireList   string // "taskID:expiry" events, oldest at the tail
}

// KeysForPrefix creates Keys with a common prefix.
func KeysForPrefix(prefix string) Keys {
	return Keys{
		PendingSet:   prefix + ":pending",
		InflightHash: prefix + ":inflight",
		ExpireList:   prefix + ":exp",
	}
}

// ErrClaimedByOther gets raised when a worker acks a task it doesn't own.
var ErrClaimedByOther = errors.New("claimed by other")

// ErrNotClaimed is returned when acking a task whose claim already expired.
var ErrNotClaimed = errors.New("task not in flight")

// Task identifies one unit of queued work.
type Task struct {
	Type string
	UID  uuid.UUID
}

// ID returns the queue representation of the task.
func (t Task) ID() string { return t.Type + ":" + t.UID.String() }

func (t Task) String() string { return t.ID() }

// ParseTaskID is the inverse of Task.ID.
func ParseTaskID(id string) (Task, error) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 {
		return Task{}, fmt.Errorf("invalid task id %q", id)
	}
	uid, err := uuid.Parse(id[i+1:])
	if err != nil {
		return Task{}, fmt.Errorf("invalid task id %q: %w", id, err)
	}
	return Task{Type: id[:i], UID: uid}, nil
}

// State of a task as seen by the queue.
const (
	StateAbsent   = "absent"
	StatePending  = "pending"
	StateInflight = "inflight"
)

// Script: Bulk move tasks from pending to in-flight.
// Key 1: Pending set
// Key 2: In-flight hash
// Key 3: Expire list
// Argument 1: Claimer string
// Argument 2: Task count
// Argument 3: Expiry (unix seconds)
// Returns list of task IDs.
var claimScript = redis.NewScript(`
local ret = {}
for i=1,tonumber(ARGV[2]),1 do
	local item = redis.call("SPOP", KEYS[1])
	if not item then break end
	redis.call("HSET", KEYS[2], item, ARGV[1] .. "@" .. ARGV[3])
	redis.call("LPUSH", KEYS[3], item .. ":" .. ARGV[3])
	table.insert(ret, item)
end
return ret
`)

// Script: Remove a claim held by the caller.
// Key 1: In-flight hash
// Argument 1: Task ID
// Argument 2: Claimer string
// Returns 1 on success, 0 if claimed by someone else, -1 if not in flight.
var ackScript = redis.NewScript(`
local claim = redis.call("HGET", KEYS[1], ARGV[1])
if not claim then return -1 end
local who = string.match(claim, "^(.*)@%d+$")
if who ~= ARGV[2] then return 0 end
redis.call("HDEL", KEYS[1], ARGV[1])
return 1
`)

// Queue is the producer and consumer side of the task queue.
// It is safe to use from many goroutines and processes on the same keys.
type Queue struct {
	client redis.UniversalClient
	keys   Keys
	ttl    time.Duration
}

// claimMargin is how long a claim outlives the task deadline, leaving the
// worker time to record the failure itself.
const claimMargin = 5 * time.Minute

// ClaimTTL returns the claim lifetime for jobs bounded by taskTimeout.
func ClaimTTL(taskTimeout time.Duration) time.Duration {
	return taskTimeout + claimMargin
}

// New creates a Queue. ttl is how long a claim lives before the expiration
// worker reclaims it; it should exceed the longest task runtime.
func New(client redis.UniversalClient, keys Keys, ttl time.Duration) *Queue {
	if ttl < time.Second {
		ttl = time.Second
	}
	return &Queue{client: client, keys: keys, ttl: ttl}
}

// Keys returns the Redis keys used by the queue.
func (q *Queue) Keys() Keys { return q.keys }

// Enqueue adds tasks to the pending set if they are not already pending.
func (q *Queue) Enqueue(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}
	members := make([]any, len(tasks))
	for i, t := range tasks {
		members[i] = t.ID()
	}
	if err := q.client.SAdd(ctx, q.keys.PendingSet, members...).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Claim attaches up to n pending tasks to claimer and returns them.
func (q *Queue) Claim(ctx context.Context, claimer string, n int) ([]Task, error) {
	if strings.Contains(claimer, "@") {
		return nil, fmt.Errorf("invalid claimer %q", claimer)
	}
	exp := time.Now().Add(q.ttl).Unix()
	ids, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.PendingSet, q.keys.InflightHash, q.keys.ExpireList},
		claimer, n, exp).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get claims via Lua: %w", err)
	}
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, err := ParseTaskID(id)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Ack ends claimer's claim on t.
// Returns ErrClaimedByOther if another claimer holds it and ErrNotClaimed if
// the claim has already expired.
func (q *Queue) Ack(ctx context.Context, claimer string, t Task) error {
	res, err := ackScript.Run(ctx, q.client, []string{q.keys.InflightHash}, t.ID(), claimer).Int64()
	if err != nil {
		return fmt.Errorf("failed to ack via Lua: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrClaimedByOther
	default:
		return ErrNotClaimed
	}
}

// State reports whether t is pending, in flight or unknown to the queue.
func (q *Queue) State(ctx context.Context, t Task) (string, error) {
	id := t.ID()
	pipe := q.client.Pipeline()
	pending := pipe.SIsMember(ctx, q.keys.PendingSet, id)
	inflight := pipe.HExists(ctx, q.keys.InflightHash, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue state: %w", err)
	}
	switch {
	case inflight.Val():
		return StateInflight, nil
	case pending.Val():
		return StatePending, nil
	default:
		return StateAbsent, nil
	}
}

// Stats returns the number of pending and in-flight tasks.
func (q *Queue) Stats(ctx context.Context) (pending, inflight int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.SCard(ctx, q.keys.PendingSet)
	i := pipe.HLen(ctx, q.keys.InflightHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue stats: %w", err)
	}
	return p.Val(), i.Val(), nil
}
