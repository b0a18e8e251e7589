// Package history reports redirect events to the system of record off the
// request path. Events go through a bounded queue drained by a fixed pool
// of workers; when the queue is full new events are dropped. Failed sends
// are logged and dropped, never retried.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/undeadops/terse-edge/internal/metrics"
	"github.com/undeadops/terse-edge/internal/store"
)

// Sender delivers one event.
type Sender interface {
	SaveHistory(ctx context.Context, event store.HistoryEvent) error
}

type Options struct {
	QueueSize int
	Workers   int
	Logger    zerolog.Logger
}

type Recorder struct {
	sender  Sender
	queue   chan store.HistoryEvent
	workers int
	logger  zerolog.Logger
}

//nolint:gocritic // Options is built once at startup
func New(sender Sender, opts Options) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Recorder{
		sender:  sender,
		queue:   make(chan store.HistoryEvent, opts.QueueSize),
		workers: opts.Workers,
		logger:  opts.Logger,
	}
}

// Record enqueues event without blocking and reports whether it was
// accepted.
//
//nolint:gocritic // the event is copied onto the queue
func (r *Recorder) Record(event store.HistoryEvent) bool {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.RedirectAt.IsZero() {
		event.RedirectAt = time.Now()
	}

	select {
	case r.queue <- event:
		metrics.HistoryQueueDepth.Set(float64(len(r.queue)))
		return true
	default:
		metrics.HistoryEvents.WithLabelValues("dropped").Inc()
		r.logger.Debug().Str("key", event.ShortURLKey).Msg("history queue full, dropping event")
		return false
	}
}

// Pending returns the number of queued events.
func (r *Recorder) Pending() int {
	return len(r.queue)
}

// Serve runs the worker pool until ctx is done. Events still queued at
// shutdown are discarded.
func (r *Recorder) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx, i)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Recorder) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			metrics.HistoryQueueDepth.Set(float64(len(r.queue)))
			r.send(ctx, id, ev)
		}
	}
}

//nolint:gocritic // events are small
func (r *Recorder) send(ctx context.Context, worker int, ev store.HistoryEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HistoryEvents.WithLabelValues("failed").Inc()
			r.logger.Error().Interface("panic", rec).Int("worker", worker).Str("key", ev.ShortURLKey).
				Msg("history send panicked")
		}
	}()

	if err := r.sender.SaveHistory(ctx, ev); err != nil {
		metrics.HistoryEvents.WithLabelValues("failed").Inc()
		r.logger.Warn().Err(err).Str("key", ev.ShortURLKey).Str("event_id", ev.EventID).
			Msg("failed to save redirection history")
		return
	}
	metrics.HistoryEvents.WithLabelValues("sent").Inc()
}

func (r *Recorder) String() string { return "history-recorder" }
