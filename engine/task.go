package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gameserver/engine/checker"
	"gameserver/engine/harness"
)

const (
	TaskQueue   = "tasks"
	ResultQueue = "results"
)

// Task asks a runner to run one chain: every phase of Service against Team for Tick.
type Task struct {
	ID       string       `json:"id"`
	Service  string       `json:"service"`
	Team     checker.Team `json:"team"`
	Tick     int          `json:"tick"`
	Deadline time.Time    `json:"deadline"`
}

// TaskResult is what a runner pushes back for one task.
type TaskResult struct {
	TaskID  string           `json:"task_id"`
	Tick    int              `json:"tick"`
	Runner  string           `json:"runner"`
	Results []harness.Result `json:"results"`
}

func NewTask(service string, team checker.Team, tick int, deadline time.Time) Task {
	return Task{
		ID:       uuid.NewString(),
		Service:  service,
		Team:     team,
		Tick:     tick,
		Deadline: deadline,
	}
}

// Expired tasks are dropped by runners; the engine has stopped waiting for them.
func (t Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && !now.Before(t.Deadline)
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Claim marks a task as taken by one runner, so a task pushed twice runs once.
type Claim struct {
	rdb   *redis.Client
	key   string
	token string
}

func claimKey(id string) string { return "task-claim:" + id }

// ClaimTask tries to take t. ok is false when another runner already has it.
func ClaimTask(ctx context.Context, rdb *redis.Client, t Task) (*Claim, bool, error) {
	ttl := time.Until(t.Deadline) + time.Minute
	if t.Deadline.IsZero() || ttl < time.Minute {
		ttl = time.Minute
	}
	c := &Claim{rdb: rdb, key: claimKey(t.ID), token: uuid.NewString()}
	ok, err := rdb.SetNX(ctx, c.key, c.token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim task %s: %w", t.ID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return c, true, nil
}

// Release gives the claim up if it is still ours. It reports whether a key was deleted.
func (c *Claim) Release(ctx context.Context) (bool, error) {
	deleted, err := releaseScript.Run(ctx, c.rdb, []string{c.key}, c.token).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", c.key, err)
	}
	return deleted == 1, nil
}
