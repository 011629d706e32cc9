package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameserver/engine"
	"gameserver/engine/checker"
	"gameserver/engine/config"
	"gameserver/engine/harness"
	"gameserver/engine/store"
)

type echoChecker struct{ *checker.Service }

func init() {
	checker.Register("runnerecho", func(s *checker.Service) (checker.Checker, error) {
		return &echoChecker{s}, nil
	})
	checker.Register("runnerslow", func(s *checker.Service) (checker.Checker, error) {
		return &slowChecker{echoChecker{s}}, nil
	})
}

// slowChecker hangs on team 1 until the unit times out.
type slowChecker struct{ echoChecker }

func (c *slowChecker) CheckIntegrity(ctx context.Context, team checker.Team, _ int) error {
	if team.ID == 1 {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (c *echoChecker) CheckIntegrity(context.Context, checker.Team, int) error { return nil }

func (c *echoChecker) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	return c.StoreValue(ctx, team, tick, "flag", c.Flag(team, tick, 0))
}

func (c *echoChecker) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	var got string
	return c.LoadOrFlagMissing(ctx, team, tick, "flag", &got)
}

func newWorker(t *testing.T) (*worker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	conf := &config.ConfigSettings{
		RequiredSettings: config.RequiredConfig{FlagSecret: "runner test secret"},
		MiscSettings:     config.MiscConfig{FlagPrefix: "FLAG", RetrieveWindow: 1, FlagLifetime: 5, Timeout: 1, Workers: 4},
		Service: []checker.ServiceConfig{
			{Name: "echo", Checker: "runnerecho", ServiceID: 7},
			{Name: "slow", Checker: "runnerslow", ServiceID: 8},
		},
	}
	entries, err := engine.BuildEntries(conf, store.NewRedis(rdb), nil)
	require.NoError(t, err)
	h := harness.New(conf.HarnessConfig(), nil, entries...)
	w := &worker{rdb: rdb, harness: h, name: "test-runner", poll: 100 * time.Millisecond, workers: conf.MiscSettings.Workers}
	return w, mr
}

func popResult(t *testing.T, rdb *redis.Client) engine.TaskResult {
	t.Helper()
	val, err := rdb.BLPop(context.Background(), 3*time.Second, engine.ResultQueue).Result()
	require.NoError(t, err)
	var tr engine.TaskResult
	require.NoError(t, json.Unmarshal([]byte(val[1]), &tr))
	return tr
}

func TestHandlePushesResults(t *testing.T) {
	w, _ := newWorker(t)
	ctx := context.Background()
	team := checker.Team{ID: 3, Name: "charlie", Address: "127.0.0.1"}

	task := engine.NewTask("echo", team, 0, time.Now().Add(5*time.Second))
	require.NoError(t, w.handle(ctx, task))
	tr := popResult(t, w.rdb)
	assert.Equal(t, task.ID, tr.TaskID)
	assert.Equal(t, "test-runner", tr.Runner)
	require.Len(t, tr.Results, 2)
	for _, r := range tr.Results {
		assert.Equal(t, checker.OutcomeOK, r.Outcome)
	}

	// the next tick retrieves what the first one stored through the shared store
	task = engine.NewTask("echo", team, 1, time.Now().Add(5*time.Second))
	require.NoError(t, w.handle(ctx, task))
	tr = popResult(t, w.rdb)
	require.Len(t, tr.Results, 3)
	assert.Equal(t, harness.PhaseRetrieve, tr.Results[2].Phase)
	assert.Equal(t, 0, tr.Results[2].Origin)
	assert.Equal(t, checker.OutcomeOK, tr.Results[2].Outcome)
}

func TestHandleDropsTasks(t *testing.T) {
	w, _ := newWorker(t)
	ctx := context.Background()
	team := checker.Team{ID: 1}

	expired := engine.NewTask("echo", team, 0, time.Now().Add(-time.Second))
	require.NoError(t, w.handle(ctx, expired))

	claimed := engine.NewTask("echo", team, 0, time.Now().Add(5*time.Second))
	_, ok, err := engine.ClaimTask(ctx, w.rdb, claimed)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, w.handle(ctx, claimed))

	n, err := w.rdb.LLen(ctx, engine.ResultQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleUnknownServiceReleasesClaim(t *testing.T) {
	w, _ := newWorker(t)
	ctx := context.Background()

	task := engine.NewTask("missing", checker.Team{ID: 1}, 0, time.Now().Add(5*time.Second))
	err := w.handle(ctx, task)
	assert.ErrorIs(t, err, errUnknownService)

	// another runner can still take it
	_, ok, err := engine.ClaimTask(ctx, w.rdb, task)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunLoop(t *testing.T) {
	w, _ := newWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	task := engine.NewTask("echo", checker.Team{ID: 2}, 0, time.Now().Add(5*time.Second))
	raw, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, w.rdb.RPush(ctx, engine.TaskQueue, "not json", raw).Err())

	tr := popResult(t, w.rdb)
	assert.Equal(t, task.ID, tr.TaskID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunLoopSlowTeamDoesNotBlockOthers(t *testing.T) {
	w, _ := newWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	hanging := engine.NewTask("slow", checker.Team{ID: 1, Address: "127.0.0.1"}, 0, time.Now().Add(5*time.Second))
	fast := engine.NewTask("slow", checker.Team{ID: 2, Address: "127.0.0.1"}, 0, time.Now().Add(5*time.Second))
	for _, task := range []engine.Task{hanging, fast} {
		raw, err := json.Marshal(task)
		require.NoError(t, err)
		require.NoError(t, w.rdb.RPush(ctx, engine.TaskQueue, raw).Err())
	}
	start := time.Now()

	first := popResult(t, w.rdb)
	assert.Equal(t, fast.ID, first.TaskID, "team 2 finishes while team 1 hangs")
	assert.Less(t, time.Since(start), 700*time.Millisecond)

	second := popResult(t, w.rdb)
	require.Equal(t, hanging.ID, second.TaskID)
	for _, r := range second.Results {
		if r.Phase == harness.PhaseIntegrity {
			assert.Equal(t, checker.OutcomeOffline, r.Outcome)
			assert.Equal(t, "timeout", r.Message)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
}
