// Package lock provides a named mutual-exclusion lock shared by every API
// process through Redis.
//
// A lock is a single key set with NX and a bounded lease. The holder renews the
// lease in the background for as long as it holds the lock, so a crashed holder
// is reclaimed after at most one lease period. Acquisition retries with
// exponential backoff and gives up with a *TimeoutError once the wait bound is
// exceeded; callers must then fail instead of proceeding unlocked.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing or renewing a lock whose lease was
// lost to expiry or taken by another holder.
var ErrNotHeld = errors.New("lock not held")

// TimeoutError reports that a lock could not be acquired within the wait bound.
type TimeoutError struct {
	Name string
	Wait time.Duration
	Err  error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lock %q not acquired within %s: %v", e.Name, e.Wait, e.Err)
	}
	return fmt.Sprintf("lock %q not acquired within %s", e.Name, e.Wait)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Script: delete the lock key if it still holds our token.
// Key 1: lock key
// Argument 1: token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Script: extend the lease if the lock key still holds our token.
// Key 1: lock key
// Argument 1: token
// Argument 2: lease in milliseconds
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]))
end
return 0
`)

// Locker hands out locks backed by one Redis client.
type Locker struct {
	client redis.UniversalClient
	lease  time.Duration
	wait   time.Duration
	keyFn  func(name string) string
}

// Option configures a Locker.
type Option func(*Locker)

// WithKeyFunc maps lock names to Redis keys. The default is the name itself.
func WithKeyFunc(fn func(name string) string) Option {
	return func(l *Locker) { l.keyFn = fn }
}

// New creates a Locker. lease is the time-to-live of a lock whose holder
// stopped renewing it; wait bounds how long Acquire retries.
func New(client redis.UniversalClient, lease, wait time.Duration, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		lease:  lease,
		wait:   wait,
		keyFn:  func(name string) string { return name },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock is a held lock. Release it exactly once; further calls are no-ops.
type Lock struct {
	locker *Locker
	name   string
	key    string
	token  string

	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	released error
}

// Acquire blocks until the named lock is held, ctx is cancelled or the wait
// bound passes. Failures to reach Redis are retried within the same bound.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("lock %q: %w", name, err)
	}
	key := l.keyFn(name)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = l.wait

	var lastErr error
	op := func() error {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			lastErr = err
			return err
		}
		if !ok {
			return errBusy
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TimeoutError{Name: name, Wait: l.wait, Err: lastErr}
	}

	lk := &Lock{
		locker: l,
		name:   name,
		key:    key,
		token:  token,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lk.heartbeat()
	return lk, nil
}

var errBusy = errors.New("lock busy")

// heartbeat renews the lease at a third of its length until Release.
func (lk *Lock) heartbeat() {
	defer close(lk.done)
	ticker := time.NewTicker(lk.locker.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-lk.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lk.locker.lease/3)
			err := lk.renew(ctx)
			cancel()
			if errors.Is(err, ErrNotHeld) {
				slog.Warn("lock lease lost", "lock", lk.name)
				return
			}
			if err != nil {
				slog.Warn("lock renewal failed", "lock", lk.name, "error", err)
			}
		}
	}
}

func (lk *Lock) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, lk.locker.client, []string{lk.key},
		lk.token, lk.locker.lease.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lock %q: %w", lk.name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release stops the heartbeat and deletes the lock if this holder still owns
// it. It returns ErrNotHeld when the lease had already been lost.
func (lk *Lock) Release(ctx context.Context) error {
	lk.once.Do(func() {
		close(lk.stop)
		<-lk.done
		n, err := releaseScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Int64()
		switch {
		case err != nil:
			lk.released = fmt.Errorf("release lock %q: %w", lk.name, err)
		case n == 0:
			lk.released = ErrNotHeld
		}
	})
	return lk.released
}

// Name returns the lock name passed to Acquire.
func (lk *Lock) Name() string { return lk.name }

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
