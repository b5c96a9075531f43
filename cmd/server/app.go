package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vitalslot/booking-engine/api"
	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/booking"
	"github.com/vitalslot/booking-engine/config"
	"github.com/vitalslot/booking-engine/escalation"
	"github.com/vitalslot/booking-engine/factory"
	"github.com/vitalslot/booking-engine/keylock"
	"github.com/vitalslot/booking-engine/ledger"
	"github.com/vitalslot/booking-engine/notify"
	"github.com/vitalslot/booking-engine/store/memory"
	"github.com/vitalslot/booking-engine/store/postgres"
	"github.com/vitalslot/booking-engine/store/sqlite"
)

// backend is everything the engine persists. All three stores implement it.
type backend interface {
	ledger.Store
	availability.Store
	escalation.EntityStore
	escalation.PartyStore
	escalation.FlagStore
	api.Resetter
}

// app is the wired engine shared by serve and the CLI commands.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     backend
	health    api.Pinger
	rules     *factory.Rules
	booking   *booking.Service
	tracker   *escalation.Tracker
	agg       *escalation.Aggregator
	scheduler *escalation.Scheduler
	closers   []func() error
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level).With().Timestamp().Str("service", "booking-engine").Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	// Rule tables
	a.rules, err = factory.LoadOrPreset(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	source := "preset"
	if cfg.RulesFile != "" {
		source = cfg.RulesFile
	}
	logger.Info().Str("rules", source).Strs("entity_types", a.rules.Deadlines.EntityTypes()).Msg("rules loaded")

	// Storage
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	// Locks
	locks, err := a.openLocks(ctx)
	if err != nil {
		return nil, err
	}

	// Notifications
	notifier := a.openNotifier()

	// Domain services
	l := ledger.New(a.store, ledger.Options{
		Locks:       locks,
		LockTimeout: cfg.LockTimeout,
		Logger:      logger.With().Str("component", "ledger").Logger(),
	})
	a.booking = booking.New(l, a.store, booking.Options{
		Cutoff:   a.rules.Cutoff,
		Location: loc,
		Notifier: notifier,
		Logger:   logger.With().Str("component", "booking").Logger(),
	})
	a.tracker = escalation.NewTracker(a.store, a.rules.Deadlines, nil)
	a.agg = escalation.NewAggregator(a.rules.Deadlines, escalation.Options{
		Directory: a.store,
		Logger:    logger.With().Str("component", "escalation").Logger(),
	}, escalation.Sources(a.rules.Deadlines.EntityTypes(), a.rules.Appointments, a.store, a.store, loc)...)
	a.scheduler = escalation.NewScheduler(a.agg, a.store, notifier, cfg.EscalationInterval,
		logger.With().Str("component", "escalation-scheduler").Logger())

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case "memory":
		a.store = memory.New()
	case "sqlite":
		s, err := sqlite.New(a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.store, a.health = s, s
		a.closers = append(a.closers, s.Close)
	case "postgres":
		pool, err := postgres.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		s, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return fmt.Errorf("open postgres: %w", err)
		}
		a.store, a.health = s, s
		a.closers = append(a.closers, s.Close)
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.StoreDriver)
	}
	a.log.Info().Str("driver", a.cfg.StoreDriver).Msg("store ready")
	return nil
}

// openLocks uses Redis when REDIS_URL is set so several replicas share
// (provider, date) locks; otherwise locks are in-process.
func (a *app) openLocks(ctx context.Context) (keylock.Locker, error) {
	if a.cfg.RedisURL == "" {
		return keylock.NewLocal(), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.log.Info().Str("addr", opts.Addr).Msg("using redis locks")
	return keylock.NewRedis(client, keylock.RedisOptions{
		Logger: a.log.With().Str("component", "keylock").Logger(),
	}), nil
}

func (a *app) openNotifier() notify.Dispatcher {
	logged := notify.Log{Logger: a.log.With().Str("component", "notify").Logger()}
	if a.cfg.NotifyDriver != "asynq" {
		return logged
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: a.cfg.AsynqRedisAddr})
	a.closers = append(a.closers, client.Close)
	a.log.Info().Str("addr", a.cfg.AsynqRedisAddr).Msg("queueing notifications")
	return notify.NewQueue(client, notify.DefaultQueue)
}

func (a *app) apiDeps() api.Deps {
	return api.Deps{
		Booking:     a.booking,
		Escalations: a.agg,
		Tracker:     a.tracker,
		Parties:     a.store,
		Store:       a.store,
		Health:      a.health,
		Logger:      a.log.With().Str("component", "api").Logger(),
	}
}

// routerOptions mounts the demo scenario routes everywhere but production.
func (a *app) routerOptions() api.RouterOptions {
	return api.RouterOptions{
		Logger:      a.log.With().Str("component", "http").Logger(),
		CORSOrigins: a.cfg.CORSOrigins,
		RateLimit:   api.RateLimitConfig{RequestsPerSecond: a.cfg.RateLimitRPS, Burst: a.cfg.RateLimitBurst},
		Scenarios:   !a.cfg.IsProduction(),
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

func splitTypes(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
