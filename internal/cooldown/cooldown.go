// Package cooldown shares rate-limit backoff between workers. When one
// worker is told to slow down, every worker holding the same Gate waits out
// the cooldown before its next request.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate is a shared cooldown deadline.
type Gate interface {
	// Wait blocks until the current cooldown, if any, has passed.
	Wait(ctx context.Context) error
	// Extend pushes the deadline to now+d unless it is already later.
	Extend(ctx context.Context, d time.Duration) error
}

// Nop never blocks.
type Nop struct{}

func (Nop) Wait(ctx context.Context) error              { return ctx.Err() }
func (Nop) Extend(context.Context, time.Duration) error { return nil }

// Memory is an in-process Gate shared by goroutines.
type Memory struct {
	mu       sync.Mutex
	deadline time.Time
}

// NewMemory returns an open in-process gate.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		remaining := time.Until(m.deadline)
		m.mu.Unlock()
		if remaining <= 0 {
			return ctx.Err()
		}
		if err := sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

func (m *Memory) Extend(_ context.Context, d time.Duration) error {
	until := time.Now().Add(d)
	m.mu.Lock()
	if until.After(m.deadline) {
		m.deadline = until
	}
	m.mu.Unlock()
	return nil
}

// Redis keeps the deadline in a Redis key so several processes share it.
// The key holds the deadline in unix milliseconds and expires with it.
type Redis struct {
	client *redis.Client
	key    string
}

// DefaultKey is the Redis key used when none is configured.
const DefaultKey = "instaharvest:cooldown"

// NewRedis returns a gate stored under key.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) deadline(ctx context.Context) (time.Time, error) {
	v, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read cooldown %s: %w", r.key, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cooldown %s: %w", r.key, err)
	}
	return time.UnixMilli(ms), nil
}

func (r *Redis) Wait(ctx context.Context) error {
	for {
		until, err := r.deadline(ctx)
		if err != nil {
			return err
		}
		remaining := time.Until(until)
		if remaining <= 0 {
			return ctx.Err()
		}
		if err := sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

func (r *Redis) Extend(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	until := time.Now().Add(d)
	current, err := r.deadline(ctx)
	if err != nil {
		return err
	}
	if !until.After(current) {
		return nil
	}
	if err := r.client.Set(ctx, r.key, strconv.FormatInt(until.UnixMilli(), 10), d).Err(); err != nil {
		return fmt.Errorf("write cooldown %s: %w", r.key, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
