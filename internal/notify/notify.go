// Package notify delivers engine events (reward credited, referral bonus
// credited, milestone reached) to an external sink without ever blocking
// the ledger writes that produced them.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/model"
)

// Sink delivers a single event. Delivery and retry are the sink's concern.
type Sink interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Notifier is the fire-and-forget interface the engine emits through.
type Notifier interface {
	Notify(ev model.Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(model.Event) {}

// Dispatcher queues events and publishes them to a Sink from a background
// worker, bounding each delivery with a timeout. Events are dropped when
// the queue is full.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	log     *slog.Logger
	queue   chan model.Event
	wg      sync.WaitGroup
	once    sync.Once
}

// NewDispatcher starts a dispatcher with the given queue size and
// per-event delivery timeout. Call Close to drain and stop it.
func NewDispatcher(sink Sink, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		sink:    sink,
		timeout: timeout,
		log:     logger,
		queue:   make(chan model.Event, queueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify enqueues ev without blocking.
func (d *Dispatcher) Notify(ev model.Event) {
	select {
	case d.queue <- ev:
	default:
		metrics.NotificationsDropped.Inc()
		d.log.Warn("notification queue full, dropping event",
			"type", ev.Type, "account", ev.AccountID)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Publish(ctx, ev)
		cancel()
		if err != nil {
			metrics.NotificationsFailed.WithLabelValues(string(ev.Type)).Inc()
			d.log.Warn("notification delivery failed",
				"type", ev.Type, "account", ev.AccountID, "err", err)
			continue
		}
		metrics.NotificationsSent.WithLabelValues(string(ev.Type)).Inc()
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(_ context.Context, ev model.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"type", ev.Type,
		"account", ev.AccountID,
		"source_account", ev.SourceAccountID,
		"amount", ev.Amount.String(),
		"milestone", ev.Milestone,
		"period", ev.Period,
	)
	return nil
}

// MultiSink publishes to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev model.Event) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps every event in memory. It is both a Sink and a Notifier
// and delivers synchronously, which makes it the sink of choice in tests.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Notify(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Publish(_ context.Context, ev model.Event) error {
	r.Notify(ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t model.EventType) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
