package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/instaharvest/internal/config"
	"github.com/FranksOps/instaharvest/internal/resource"
)

func newTestScheduler() *scheduler {
	return &scheduler{logger: slog.Default(), ctx: context.Background(), locks: map[resource.Category]*sync.Mutex{}}
}

func TestAddJobs(t *testing.T) {
	c := cron.New(cron.WithParser(cronParser))
	err := addJobs(c, newTestScheduler(), []config.Job{
		{Spec: "0 3 * * *", Category: "post", Mode: "run"},
		{Spec: "@weekly", Category: "user", Mode: "update"},
	})
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)
}

func TestAddJobs_Rejects(t *testing.T) {
	tests := []config.Job{
		{Spec: "not a spec", Category: "post", Mode: "run"},
		{Spec: "@daily", Category: "hashtag", Mode: "run"},
		{Spec: "@daily", Category: "post", Mode: "weekly"},
	}
	for _, j := range tests {
		c := cron.New(cron.WithParser(cronParser))
		assert.Error(t, addJobs(c, newTestScheduler(), []config.Job{j}), j.Spec)
	}
}

func TestSchedulerLockPerCategory(t *testing.T) {
	s := newTestScheduler()
	assert.Same(t, s.lock(resource.Post), s.lock(resource.Post))
	assert.NotSame(t, s.lock(resource.Post), s.lock(resource.User))
}

func TestOpenAudit(t *testing.T) {
	ctx := context.Background()

	b, err := openAudit(ctx, config.Audit{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = openAudit(ctx, config.Audit{Backend: "json", DSN: filepath.Join(t.TempDir(), "a.ndjson")})
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.NoError(t, b.Close())

	_, err = openAudit(ctx, config.Audit{Backend: "mongo"})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	l := newLogger(config.Log{Level: "debug", Format: "json"})
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))

	l = newLogger(config.Log{Level: "warn", Format: "text"})
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
}
