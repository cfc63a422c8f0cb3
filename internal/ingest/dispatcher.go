// Package ingest turns store notifications into pipeline runs: a filesystem
// watcher for the local store and a bounded worker pool that executes runs.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/metrics"
	"github.com/snarg/storage-transcribe/internal/pipeline"
)

// Trigger sources.
const (
	SourceWatch = "watch"
	SourceHTTP  = "http"
)

// Handler runs one trigger object. *pipeline.Orchestrator implements it.
type Handler interface {
	Handle(ctx context.Context, obj pipeline.TriggerObject) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, obj pipeline.TriggerObject) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, obj pipeline.TriggerObject) (string, error) {
	return f(ctx, obj)
}

// QueueStats reports the current state of the run queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// DispatcherOptions configures the run dispatcher.
type DispatcherOptions struct {
	Handler   Handler
	Workers   int
	QueueSize int
	// RunTimeout bounds a single run; 0 means no limit.
	RunTimeout time.Duration
	Log        zerolog.Logger
}

type job struct {
	obj    pipeline.TriggerObject
	source string
}

// Dispatcher runs trigger objects on a fixed set of workers. Runs are
// independent; nothing is shared between them except the handler.
type Dispatcher struct {
	jobs   chan job
	opts   DispatcherOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		jobs:   make(chan job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log.With().Str("component", "dispatcher").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.log.Info().Int("workers", d.opts.Workers).Int("queue_size", d.opts.QueueSize).Msg("run dispatcher started")
}

// Stop stops accepting objects, lets workers drain the queue and waits for
// them. In-flight runs still publish their outcome.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
	d.log.Info().
		Int64("completed", d.completed.Load()).
		Int64("failed", d.failed.Load()).
		Int64("skipped", d.skipped.Load()).
		Msg("run dispatcher stopped")
}

// Enqueue adds an object to the run queue. Returns false if the queue is
// full or the dispatcher is stopped.
func (d *Dispatcher) Enqueue(obj pipeline.TriggerObject, source string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.jobs <- job{obj: obj, source: source}:
		return true
	default:
		metrics.TriggersDroppedTotal.WithLabelValues(source).Inc()
		d.log.Warn().Str("bucket", obj.Bucket).Str("object", obj.Name).Str("source", source).Msg("run queue full, trigger dropped")
		return false
	}
}

// Stats returns current queue statistics.
func (d *Dispatcher) Stats() QueueStats {
	return QueueStats{
		Pending:   len(d.jobs),
		Active:    d.active.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Skipped:   d.skipped.Load(),
	}
}

// Pending returns the number of queued objects.
func (d *Dispatcher) Pending() int { return len(d.jobs) }

// Active returns the number of runs in progress.
func (d *Dispatcher) Active() int64 { return d.active.Load() }

// Workers returns the number of worker goroutines.
func (d *Dispatcher) Workers() int { return d.opts.Workers }

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := d.log.With().Int("worker", id).Logger()

	for j := range d.jobs {
		d.process(log, j)
	}
}

func (d *Dispatcher) process(log zerolog.Logger, j job) {
	d.active.Add(1)
	defer d.active.Add(-1)

	ctx := d.ctx
	if d.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.RunTimeout)
		defer cancel()
	}

	outcome, err := d.opts.Handler.Handle(ctx, j.obj)
	switch outcome {
	case pipeline.OutcomeSkipped:
		d.skipped.Add(1)
	case pipeline.OutcomeComplete:
		d.completed.Add(1)
	default:
		d.failed.Add(1)
		log.Debug().Err(err).
			Str("bucket", j.obj.Bucket).
			Str("object", j.obj.Name).
			Str("source", j.source).
			Str("outcome", outcome).
			Msg("run did not complete")
	}
}
