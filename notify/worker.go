package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// =============================================================================
// WORKER - asynq consumer handing events to the delivery collaborator
// =============================================================================

// Handler delivers one event. Returning an error makes asynq retry it.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// NewServeMux routes every event kind to h.
func NewServeMux(h Handler, log zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, kind := range AllKinds {
		mux.HandleFunc(string(kind), taskHandler(h, log))
	}
	return mux
}

func taskHandler(h Handler, log zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var e Event
		if err := json.Unmarshal(task.Payload(), &e); err != nil {
			log.Error().Err(err).Str("task", task.Type()).Msg("invalid notification payload")
			// A malformed payload will never succeed; don't retry it.
			return fmt.Errorf("decode %s: %v: %w", task.Type(), err, asynq.SkipRetry)
		}
		return h.Handle(ctx, e)
	}
}

type WorkerConfig struct {
	RedisAddr   string
	Queue       string
	Concurrency int
}

// RunWorker consumes notification tasks until ctx is done.
func RunWorker(ctx context.Context, cfg WorkerConfig, h Handler, log zerolog.Logger) error {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      map[string]int{cfg.Queue: 1},
		},
	)
	if err := srv.Start(NewServeMux(h, log)); err != nil {
		return fmt.Errorf("start notification worker: %w", err)
	}
	log.Info().Str("queue", cfg.Queue).Int("concurrency", cfg.Concurrency).Msg("notification worker started")

	<-ctx.Done()
	srv.Shutdown()
	log.Info().Msg("notification worker stopped")
	return nil
}
