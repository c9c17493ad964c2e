package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Query is the canonical form of a job request: normalised parameters with
// defaults filled in. Two requests with equal queries are the same job.
type Query map[string]any

// Hash returns a hex SHA-256 over the JSON encoding of the query.
// encoding/json writes map keys in sorted order, so the hash does not depend
// on insertion order, and numbers decoded from JSONB hash the same as the
// Go values they were built from.
func (q Query) Hash() (string, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode canonical query: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Keep returns a copy holding only the listed keys.
func (q Query) Keep(keys []string) Query {
	out := make(Query, len(keys))
	for _, k := range keys {
		if v, ok := q[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Keys returns the query's keys in sorted order.
func (q Query) Keys() []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (q Query) String(key string) string {
	s, _ := q[key].(string)
	return s
}

func (q Query) Bool(key string) bool {
	b, _ := q[key].(bool)
	return b
}

// Int reports the integer stored under key. The second result is false when
// the key is absent or null.
func (q Query) Int(key string) (int, bool) {
	switch v := q[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func (q Query) Float(key string) (float64, bool) {
	switch v := q[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Strings returns a string list stored under key, accepting both the
// []string built in Go and the []any produced by decoding JSON.
func (q Query) Strings(key string) []string {
	switch v := q[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
