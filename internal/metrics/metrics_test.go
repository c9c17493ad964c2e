package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Submission("diamond", OutcomeCreated)
	m.Run("diamond", "completed", time.Second)
	m.LockWait(time.Millisecond)
	m.Expired("diamond")
	m.ExposeQueue(stubStats{}, nil)
	assert.NotNil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.Submission("diamond", OutcomeCreated)
	m.Submission("diamond", OutcomeDuplicate)
	m.Submission("diamond", OutcomeDuplicate)
	m.Run("must", "failed", 3*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("diamond", OutcomeCreated)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("diamond", OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("must", "failed")))
}

type stubStats struct {
	pending, inflight int64
	err               error
}

func (s stubStats) Stats(context.Context) (int64, int64, error) {
	return s.pending, s.inflight, s.err
}

func TestQueueCollector(t *testing.T) {
	c := &QueueCollector{Queue: stubStats{pending: 3, inflight: 1}}
	assert.Equal(t, 2, testutil.CollectAndCount(c))

	failing := &QueueCollector{Queue: stubStats{err: errors.New("redis down")}}
	assert.Equal(t, 0, testutil.CollectAndCount(failing))
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.ExposeQueue(stubStats{pending: 2}, nil)
	m.Submission("kpm", OutcomeCreated)
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names[Prefix+"job_submissions_total"])
	assert.True(t, names[Prefix+"queue_pending"])
}
