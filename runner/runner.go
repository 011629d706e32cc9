package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"gameserver/engine"
	"gameserver/engine/config"
	"gameserver/engine/harness"
	"gameserver/engine/store"
)

// worker pops tasks queued by the engine, runs each chain once and pushes
// the results back.
type worker struct {
	rdb     *redis.Client
	harness *harness.Harness
	name    string
	// how long a single BLPOP waits before checking ctx again
	poll time.Duration
	// chains run at the same time, at least one
	workers int
}

var errUnknownService = errors.New("unknown service")

// handle runs one task. Tasks past their deadline and tasks another runner
// claimed are dropped without a result.
func (w *worker) handle(ctx context.Context, task engine.Task) error {
	logger := slog.With("task_id", task.ID, "service", task.Service, "team_id", task.Team.ID, "tick", task.Tick)
	if task.Expired(time.Now()) {
		logger.Warn("dropping expired task")
		return nil
	}

	claim, ok, err := engine.ClaimTask(ctx, w.rdb, task)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("task already claimed")
		return nil
	}

	e, ok := w.harness.Entry(task.Service)
	if !ok {
		// someone else may know the service
		if _, err := claim.Release(ctx); err != nil {
			logger.Error("failed to release claim", "error", err)
		}
		return fmt.Errorf("%w %q", errUnknownService, task.Service)
	}

	runCtx := ctx
	if !task.Deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, task.Deadline)
		defer cancel()
	}
	start := time.Now()
	results := w.harness.RunChain(runCtx, e, task.Team, task.Tick)

	payload, err := json.Marshal(engine.TaskResult{
		TaskID:  task.ID,
		Tick:    task.Tick,
		Runner:  w.name,
		Results: results,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	// the claim stays until it expires so a re-queued copy never runs twice
	if err := w.rdb.RPush(ctx, engine.ResultQueue, payload).Err(); err != nil {
		return fmt.Errorf("push result: %w", err)
	}
	logger.Info("pushed results", "units", len(results), "took", time.Since(start).Round(time.Millisecond).String())
	return nil
}

// next blocks until a task arrives. ok is false when the poll timed out.
func (w *worker) next(ctx context.Context) (engine.Task, bool, error) {
	var task engine.Task
	val, err := w.rdb.BLPop(ctx, w.poll, engine.TaskQueue).Result()
	if errors.Is(err, redis.Nil) {
		return task, false, nil
	}
	if err != nil {
		return task, false, err
	}
	// val[0] = "tasks", val[1] = the JSON payload
	if len(val) < 2 {
		return task, false, fmt.Errorf("invalid BLPop response: %v", val)
	}
	if err := json.Unmarshal([]byte(val[1]), &task); err != nil {
		return task, false, fmt.Errorf("invalid task format: %w", err)
	}
	return task, true, nil
}

// run pops tasks until ctx is done and waits for running chains before it
// returns. A task is only popped once a worker is free, the rest stay queued
// for other runners.
func (w *worker) run(ctx context.Context) error {
	workers := int64(max(w.workers, 1))
	slog.Info("Runner started, listening for tasks", "runner", w.name, "workers", workers)
	sem := semaphore.NewWeighted(workers)
	defer func() {
		_ = sem.Acquire(context.Background(), workers)
	}()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		task, ok, err := w.next(ctx)
		if err != nil || !ok {
			sem.Release(1)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Failed to pop task from Redis", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		go func() {
			defer sem.Release(1)
			if err := w.handle(ctx, task); err != nil {
				slog.Error("task failed", "task_id", task.ID, "service", task.Service, "error", err)
			}
		}()
	}
}

func runnerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "runner"
	}
	return host + "-" + uuid.NewString()[:8]
}

func main() {
	var (
		configPath string
		level      string
	)
	flag.StringVar(&configPath, "config", "./config/event.conf", "Path to the event config")
	flag.StringVar(&level, "log-level", "info", "Set the log level")
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		log.Fatalf("Invalid log level: %s", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))

	conf := &config.ConfigSettings{}
	if err := conf.SetConfig(configPath); err != nil {
		log.Fatalln("Failed to load config:", err)
	}

	// REDIS_ADDR and REDIS_PASSWORD override the config file
	redisAddr := conf.RedisSettings.Addr
	if env := os.Getenv("REDIS_ADDR"); env != "" {
		redisAddr = env
	}
	redisPassword := conf.RedisSettings.Password
	if env := os.Getenv("REDIS_PASSWORD"); env != "" {
		redisPassword = env
	}
	if redisAddr == "" {
		log.Fatalln("no redis address configured")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       conf.RedisSettings.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, conf.MiscSettings.StoreURL)
	if err != nil {
		log.Fatalln("Failed to open state store:", err)
	}
	defer st.Close()

	entries, err := engine.BuildEntries(conf, st, nil)
	if err != nil {
		log.Fatalln("Failed to build checkers:", err)
	}
	h := harness.New(conf.HarnessConfig(), nil, entries...)

	go func() {
		err := config.WatchConfig(ctx, configPath, func(next *config.ConfigSettings) {
			entries, err := engine.BuildEntries(next, st, nil)
			if err != nil {
				slog.Error("Config reload rejected", "error", err)
				return
			}
			h.SetEntries(entries...)
			slog.Info("checkers reloaded", "services", len(entries))
		})
		if err != nil {
			slog.Error("config watcher stopped", "error", err)
		}
	}()

	w := &worker{rdb: rdb, harness: h, name: runnerName(), poll: 5 * time.Second, workers: conf.MiscSettings.Workers}
	if err := w.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalln(err)
	}
}
