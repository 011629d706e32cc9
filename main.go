package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"gameserver/engine"
	"gameserver/engine/config"
	"gameserver/engine/db"
	"gameserver/engine/store"
	"gameserver/www"

	_ "gameserver/engine/checks"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

var opts struct {
	config string
	logger struct {
		level string
	}
}

func main() {
	// parse command line options
	flag.StringVar(&opts.logger.level, "log-level", "info", "Set the log level")
	flag.StringVar(&opts.config, "config", "./config/event.conf", "Path to the event config")
	flag.Parse()

	logLevel, ok := logLevels[opts.logger.level]
	if !ok {
		log.Fatalf("Invalid log level: %s", opts.logger.level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	conf := &config.ConfigSettings{}
	if err := conf.SetConfig(opts.config); err != nil {
		log.Fatalln("Failed to load config:", err)
	}

	if conf.MiscSettings.LogFile != "" {
		f, err := os.OpenFile(conf.MiscSettings.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			log.Fatalln("Failed to open log file:", err)
		}
		defer f.Close()
		slog.SetDefault(slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, f), &slog.HandlerOptions{Level: logLevel})))
	}

	if err := db.Connect(conf.RequiredSettings.DBConnectURL); err != nil {
		log.Fatalln("Failed to connect to DB:", err)
	}
	defer db.Close()
	if err := db.AddTeams(conf); err != nil {
		log.Fatalln("Failed to add teams to DB:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// checker state shares the results database unless told otherwise
	var st store.Store
	var err error
	if conf.MiscSettings.StoreURL == conf.RequiredSettings.DBConnectURL {
		st, err = store.NewSQL(db.Handle())
	} else {
		st, err = store.Open(ctx, conf.MiscSettings.StoreURL)
	}
	if err != nil {
		log.Fatalln("Failed to open state store:", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if conf.MiscSettings.Mode == config.ModeDistributed {
		rdb = redis.NewClient(&redis.Options{
			Addr:     conf.RedisSettings.Addr,
			Password: conf.RedisSettings.Password,
			DB:       conf.RedisSettings.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalln("Failed to reach redis:", err)
		}
	}

	ge, err := engine.NewEngine(conf, st, rdb)
	if err != nil {
		log.Fatalln("Failed to create engine:", err)
	}

	go func() {
		err := config.WatchConfig(ctx, opts.config, func(next *config.ConfigSettings) {
			if err := ge.Reload(next); err != nil {
				slog.Error("Config reload rejected", "error", err)
			}
		})
		if err != nil {
			slog.Error("config watcher stopped", "error", err)
		}
	}()

	// restart the tick loop if it fails, stop with the process
	go func() {
		for {
			err := ge.Start(ctx)
			if ctx.Err() != nil {
				return
			}
			slog.Error("engine stopped, restarting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	router := www.Router{Config: conf, Engine: ge}
	if err := router.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalln(err)
	}
}
