package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExpireCallback is called when a claim for a task expires.
type ExpireCallback func(ctx context.Context, t Task, claimer string) error

// Script: Drop and return all tasks whose claim has expired.
// Key 1: Expire list
// Key 2: In-flight hash
// Argument 1: Batch size (max script iterations)
// Argument 2: Unix epoch
// Returns flat pairs of task ID and claimer, terminated by "sleep" and the
// seconds until the next expiration (-1 if the list is empty).
// An event only expires the claim it was created with: a task acked and
// claimed again carries a newer expiry and is left alone.
var expireScript = redis.NewScript(`
local ret = {}
local sleep = -1
local now = tonumber(ARGV[2])
for i=1,tonumber(ARGV[1]),1 do
	local item = redis.call("LINDEX", KEYS[1], -1)
	if not item then break end
	local task_id, exp = string.match(item, "^(.*):(%d+)$")
	if not task_id then error("invalid item: " .. item) end
	exp = tonumber(exp)
	sleep = exp - now
	if sleep > 0 then break end
	sleep = 0
	redis.call("RPOP", KEYS[1])
	local claim = redis.call("HGET", KEYS[2], task_id)
	if claim then
		local who, claim_exp = string.match(claim, "^(.*)@(%d+)$")
		if who and tonumber(claim_exp) == exp then
			redis.call("HDEL", KEYS[2], task_id)
			table.insert(ret, task_id)
			table.insert(ret, who)
		end
	end
end
table.insert(ret, "sleep")
table.insert(ret, sleep)
return ret
`)

// ExpirationWorker loops over the expiration event list and hands every task
// whose claim outlived the queue TTL to Callback.
// It is safe to run multiple instances on the same keys.
type ExpirationWorker struct {
	// Required components
	Log      *slog.Logger
	Redis    redis.UniversalClient
	Callback ExpireCallback
	// Required config
	Keys         Keys
	EmptyBackoff time.Duration // time to sleep when the queue is empty
	BatchSize    uint          // max tasks to drop at once using Lua script
}

// Run function runs expiration worker until the context is canceled.
func (e *ExpirationWorker) Run(ctx context.Context) error {
	for {
		if err := e.step(ctx); err != nil {
			return err
		}
	}
}

// step runs the expiration Lua script once, processes callbacks,
// and sleeps the minimum time until the next expiration can occur.
func (e *ExpirationWorker) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	expired, sleepSecs, err := e.expire(ctx, time.Now().Unix())
	if err != nil {
		// Redis hiccups are retried after the empty backoff.
		e.Log.Error("expire claims", "error", err)
		sleepSecs = -1
	}
	for _, x := range expired {
		if err := e.Callback(ctx, x.task, x.claimer); err != nil {
			e.Log.Error("expire callback failed", "task", x.task.ID(), "claimer", x.claimer, "error", err)
		}
	}

	var sleepDur time.Duration
	switch {
	case sleepSecs < 0:
		sleepDur = e.EmptyBackoff
	case sleepSecs > 0 && time.Duration(sleepSecs)*time.Second < e.EmptyBackoff:
		sleepDur = time.Duration(sleepSecs) * time.Second
	case sleepSecs > 0:
		// new claims can only expire later than existing ones, but poll anyway
		sleepDur = e.EmptyBackoff
	}
	if sleepDur == 0 {
		return nil
	}
	sleepTimer := time.NewTimer(sleepDur)
	defer sleepTimer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sleepTimer.C:
		return nil
	}
}

type expiredClaim struct {
	task    Task
	claimer string
}

func (e *ExpirationWorker) expire(ctx context.Context, now int64) ([]expiredClaim, int64, error) {
	batch := e.BatchSize
	if batch == 0 {
		batch = 100
	}
	res, err := expireScript.Run(ctx, e.Redis,
		[]string{e.Keys.ExpireList, e.Keys.InflightHash},
		batch, now).Slice()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to drop expired keys via Lua: %w", err)
	}
	if len(res) < 2 || len(res)%2 != 0 {
		return nil, 0, fmt.Errorf("failed to drop expired keys via Lua: invalid return %#v", res)
	}

	var out []expiredClaim
	for i := 0; i < len(res)-2; i += 2 {
		id, ok1 := res[i].(string)
		claimer, ok2 := res[i+1].(string)
		if !ok1 || !ok2 {
			return out, 0, fmt.Errorf("invalid entry on expired batch: %#v %#v", res[i], res[i+1])
		}
		t, err := ParseTaskID(id)
		if err != nil {
			e.Log.Warn("dropping malformed expired task", "task", id, "error", err)
			continue
		}
		out = append(out, expiredClaim{task: t, claimer: claimer})
	}
	if marker, _ := res[len(res)-2].(string); marker != "sleep" {
		return out, 0, fmt.Errorf("missing sleep on expired batch")
	}
	sleepSecs, ok := res[len(res)-1].(int64)
	if !ok {
		return out, 0, fmt.Errorf("invalid sleep on expired batch: %#v", res[len(res)-1])
	}
	return out, sleepSecs, nil
}
