package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofiber/fiber/v2"

	"chatflow/internal/adapters/telegram"
	"chatflow/internal/broadcast"
	"chatflow/internal/config"
	"chatflow/internal/domain"
	"chatflow/internal/eventbus"
	"chatflow/internal/inbound"
	"chatflow/internal/router"
	"chatflow/internal/schedule"
	"chatflow/internal/storage"
	"chatflow/internal/transport/httpapi"
	logx "chatflow/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer func() { _ = logSvc.Close() }()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	bus := eventbus.New()

	// Storage is optional; without it the daemon keeps only in-memory jobs.
	var store storage.Store
	if cfg.Storage != nil {
		busy, err := cfg.Storage.BusyTimeoutDuration()
		if err != nil {
			return err
		}
		store, err = storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		if store != nil {
			defer func() { _ = store.Close() }()
		}
	}

	// Sender: real telegram when configured, log-only otherwise.
	var sender domain.Sender
	if cfg.Telegram != nil {
		tg, err := telegram.New(*cfg.Telegram, log.With(logx.String("component", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram sender: %w", err)
		}
		sender = tg
	} else {
		sender = telegram.Noop(log)
	}

	disp := broadcast.New(broadcast.Config{
		BatchSize:         cfg.Broadcast.BatchSize,
		ConcurrencyLimit:  cfg.Broadcast.ConcurrencyLimit,
		MessagesPerMinute: cfg.Broadcast.MessagesPerMinute,
		MessagesPerSecond: cfg.Broadcast.MessagesPerSecond,
		StopOnError:       cfg.Broadcast.StopOnError,
	}, sender, bus, log.With(logx.String("component", "broadcast")))
	if store != nil {
		disp.SetSink(store)
	}

	rt := router.New(cfg.Inbound.BufferingEnabled(), log.With(logx.String("component", "router")))
	rt.HandleUnknown(router.Handler{
		Many: func(ctx context.Context, ms []domain.Message) error {
			log.Info("batch received",
				logx.String("key", ms[0].Key),
				logx.String("kind", string(ms[0].Kind)),
				logx.Int("size", len(ms)))
			return nil
		},
	})

	bufferTime, err := cfg.Inbound.BufferTimeDuration()
	if err != nil {
		return err
	}
	coord := inbound.New(
		inbound.Config{
			BufferTime:     bufferTime,
			MaxBatchSize:   cfg.Inbound.MaxBatchSize,
			FlushOnMaxSize: cfg.Inbound.FlushOnMaxSize,
		},
		func(key string, batch []domain.Message) error { return rt.Dispatch(ctx, batch) },
		func(err error, batch []domain.Message) {
			log.Warn("inbound error", logx.Err(err), logx.Int("batch", len(batch)))
		},
		bus,
		log.With(logx.String("component", "inbound")),
	)
	defer coord.Shutdown()

	sched := schedule.New(disp, log.With(logx.String("component", "schedule")))
	if err := sched.Apply(ctx, cfg.Schedules); err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// HTTP API (webhook in, broadcast control out).
	var app *fiber.App
	if cfg.HTTP.Enabled {
		addr := cfg.HTTP.Addr
		if addr == "" {
			addr = "127.0.0.1:8080"
		}
		app = fiber.New(fiber.Config{DisableStartupMessage: true})
		httpapi.NewHandler(ctx, coord, disp, store, log.With(logx.String("component", "http"))).Register(app)
		go func() {
			if err := app.Listen(addr); err != nil {
				log.Error("http listener stopped", logx.Err(err))
			}
		}()
		log.Info("http api listening", logx.String("addr", addr))
	}

	// Hot reload: validate before commit, then apply the cheap-to-apply parts.
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := c.Inbound.BufferTimeDuration(); err != nil {
			return err
		}
		for _, sc := range c.Schedules {
			if sc.Cron == "" {
				return fmt.Errorf("schedule %q: empty cron expression", sc.Name)
			}
		}
		return nil
	})
	go func() { _ = mgr.Watch(ctx) }()

	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	go func() {
		prev := cfg
		for next := range sub {
			changed, attrs := config.SummarizeConfigChange(prev, next)
			if len(changed) > 0 {
				log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
			}
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File:    logx.FileConfig{Enabled: next.Logging.File.Enabled, Path: next.Logging.File.Path},
			})
			if err := sched.Apply(ctx, next.Schedules); err != nil {
				log.Warn("schedule reload rejected", logx.Err(err))
			}
			prev = next
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("chatflowd started", logx.String("config", cfgPath))

	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")
	if app != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = app.ShutdownWithContext(shutCtx)
		cancel()
	}
	return nil
}
