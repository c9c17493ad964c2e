package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

func TestQueryHash_InsertionOrderIndependent(t *testing.T) {
	a := models.Query{}
	a["seeds"] = []string{"1", "2"}
	a["n"] = 10
	a["network"] = "DEFAULT"

	b := models.Query{}
	b["network"] = "DEFAULT"
	b["n"] = 10
	b["seeds"] = []string{"1", "2"}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestQueryHash_StableAcrossJSONRoundTrip(t *testing.T) {
	q := models.Query{"seeds": []string{"P1", "P2"}, "alpha": 1, "damping_factor": 0.85, "N": nil}
	want, err := q.Hash()
	require.NoError(t, err)

	raw, err := json.Marshal(q)
	require.NoError(t, err)
	var decoded models.Query
	require.NoError(t, json.Unmarshal(raw, &decoded))

	got, err := decoded.Hash()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestQueryHash_DiffersOnValue(t *testing.T) {
	h1, _ := models.Query{"k": 1}.Hash()
	h2, _ := models.Query{"k": 2}.Hash()
	assert.NotEqual(t, h1, h2)
}

func TestQueryKeep(t *testing.T) {
	q := models.Query{"seeds": []string{"1"}, "k": 3, "error": "boom"}
	kept := q.Keep([]string{"seeds", "k", "absent"})

	assert.Equal(t, models.Query{"seeds": []string{"1"}, "k": 3}, kept)
	assert.Contains(t, q, "error", "Keep must not modify the receiver")
}

func TestQueryGetters(t *testing.T) {
	var q models.Query
	require.NoError(t, json.Unmarshal([]byte(`{"s":"x","b":true,"i":7,"f":0.5,"l":["a","b"],"nil":null}`), &q))

	assert.Equal(t, "x", q.String("s"))
	assert.True(t, q.Bool("b"))
	i, ok := q.Int("i")
	assert.True(t, ok)
	assert.Equal(t, 7, i)
	f, ok := q.Float("f")
	assert.True(t, ok)
	assert.Equal(t, 0.5, f)
	assert.Equal(t, []string{"a", "b"}, q.Strings("l"))
	_, ok = q.Int("nil")
	assert.False(t, ok)
	assert.Equal(t, []string{"b", "f", "i", "l", "nil", "s"}, q.Keys())
}

func TestJobRecord(t *testing.T) {
	uid := uuid.New()
	msg := "DIAMOnD exited with return code 1"
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &models.Job{
		UID:       uid,
		Type:      "diamond",
		Query:     models.Query{"seeds": []string{"1"}},
		Metadata:  map[string]any{"submitted_filename": "x.csv"},
		Status:    models.JobStatusFailed,
		Error:     &msg,
		Results:   map[string]any{"stale": true},
		CreatedAt: created,
	}

	rec := job.Record()
	assert.Equal(t, uid.String(), rec["uid"])
	assert.Equal(t, "failed", rec["status"])
	assert.Equal(t, msg, rec["error"])
	assert.Equal(t, "x.csv", rec["submitted_filename"])
	assert.Equal(t, "2024-01-02T03:04:05Z", rec["submitted_at"])
	assert.NotContains(t, rec, "results")

	job.Status = models.JobStatusCompleted
	rec = job.Record()
	assert.NotContains(t, rec, "error")
	assert.Equal(t, map[string]any{"stale": true}, rec["results"])
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, models.IsTerminal(models.JobStatusCompleted))
	assert.True(t, models.IsTerminal(models.JobStatusFailed))
	assert.False(t, models.IsTerminal(models.JobStatusRunning))
	assert.False(t, models.IsTerminal(models.JobStatusSubmitted))
}

func TestAPIKeyExpiredAndScopes(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	key := &models.APIKey{Scopes: []string{models.ScopeAdmin}, ExpiresAt: &past}
	assert.True(t, key.Expired(time.Now()))
	assert.True(t, key.HasScope(models.ScopeAdmin))

	key.ExpiresAt = nil
	assert.False(t, key.Expired(time.Now()))
}
