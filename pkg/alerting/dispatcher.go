package alerting

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultQueueSize bounds the number of alerts waiting for delivery.
const DefaultQueueSize = 256

// Dispatcher hands alerts to a Manager from a background worker so publishers never
// wait on channel delivery.
type Dispatcher struct {
	manager *Manager
	queue   chan *Alert
	logger  *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewDispatcher starts a worker delivering to manager. queueSize <= 0 uses DefaultQueueSize.
func NewDispatcher(manager *Manager, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		manager: manager,
		queue:   make(chan *Alert, queueSize),
		logger:  slog.Default().With("component", "alerting"),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for alert := range d.queue {
		d.manager.Send(context.Background(), alert)
	}
}

// Publish enqueues alert. It never blocks: when the queue is full or the dispatcher is
// closed the alert is dropped and logged.
func (d *Dispatcher) Publish(alert *Alert) {
	if alert == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("dispatcher closed, dropping alert", "failure_mode", alert.FailureMode, "source", alert.Source)
		return
	}
	select {
	case d.queue <- alert:
	default:
		d.logger.Warn("alert queue full, dropping alert", "failure_mode", alert.FailureMode, "source", alert.Source)
	}
}

// Close stops accepting alerts and waits until queued alerts are delivered or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncPublisher delivers alerts on the caller's goroutine. Useful in tests and CLIs.
type SyncPublisher struct {
	Manager *Manager
}

func (p SyncPublisher) Publish(alert *Alert) {
	if alert == nil || p.Manager == nil {
		return
	}
	p.Manager.Send(context.Background(), alert)
}
