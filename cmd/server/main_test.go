package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repotrial/nedrexapi-v2d/internal/cache"
	"github.com/repotrial/nedrexapi-v2d/internal/config"
	"github.com/repotrial/nedrexapi-v2d/internal/metrics"
	"github.com/repotrial/nedrexapi-v2d/internal/queue"
	"github.com/repotrial/nedrexapi-v2d/internal/store/storetest"
)

func TestNewSubmitService_SharesQueueKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{Jobs: config.JobsConfig{
		LockLease:        time.Second,
		LockWait:         time.Second,
		TaskTimeout:      time.Minute,
		WaitPollInterval: time.Second,
		QueuePrefix:      "nedrex:test",
	}}
	st := storetest.NewMemory()
	svc, q := newSubmitService(cfg, st, cache.NewRedisCache(rdb), rdb, metrics.New())

	uid, err := svc.Submit(context.Background(), "kpm", []byte(`{"seeds":["7157"],"k":3}`), nil)
	require.NoError(t, err)

	assert.Equal(t, queue.KeysForPrefix("nedrex:test"), q.Keys())
	members, err := mr.Members(q.Keys().PendingSet)
	require.NoError(t, err)
	assert.Equal(t, []string{"kpm:" + uid.String()}, members)
	assert.Len(t, svc.Types().Names(), 11)
}
