package dispatcher

import (
	"ciengine/pkg/backoff"
	"ciengine/pkg/circuitbreaker"
	"ciengine/pkg/cloudevent"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInvalidDestination is returned by Dispatch for a destination that is
// not an absolute http or https URL.
var ErrInvalidDestination = errors.New("webhook destination must be an http or https URL")

// WebhookDispatcher posts run notifications to subscriber URLs.
//
// Notifications wait in a bounded queue drained by a fixed worker pool. A
// full queue drops the notification instead of blocking the run that
// produced it. Each destination host has its own circuit breaker: while it
// is open, notifications for that host are parked for one cooldown and
// queued again, at most MaxRequeues times.
type WebhookDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   WebhookConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	// parked tracks notifications waiting out an open breaker.
	parkMu sync.Mutex
	parked map[*time.Timer]struct{}

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewWebhooks starts a webhook dispatcher and its workers.
func NewWebhooks(cfg WebhookConfig, metrics MetricsRecorder) *WebhookDispatcher {
	cfg = cfg.withDefaults()

	d := &WebhookDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "webhooks"),
		metrics:  metrics,
		parked:   make(map[*time.Timer]struct{}),
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Webhook dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *WebhookDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues a notification. It never blocks.
func (d *WebhookDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return fmt.Errorf("webhook dispatcher is closed")
	}
	if _, err := destinationHost(event.Destination); err != nil {
		return err
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current delivery statistics.
func (d *WebhookDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close stops accepting notifications and delivers what is queued until ctx
// expires. Parked notifications are dropped.
func (d *WebhookDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Webhook dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)
	d.unpark()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Webhook dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Webhook dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *WebhookDispatcher) deliver(event *Event) {
	host, _ := destinationHost(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.park(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Notification delivery failed", append(eventAttrs(event), "host", host, "error", err)...)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// park holds a notification for one breaker cooldown, then queues it again.
func (d *WebhookDispatcher) park(event *Event, host string) {
	if event.Requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}
	event.Requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	d.parkMu.Lock()
	defer d.parkMu.Unlock()
	if d.closed.Load() {
		d.drop(event, "dispatcher closed")
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d.config.BreakerCooldown, func() {
		d.parkMu.Lock()
		_, ok := d.parked[timer]
		delete(d.parked, timer)
		d.parkMu.Unlock()
		if !ok {
			return
		}
		select {
		case d.queue <- event:
			d.logger.Debug("Notification requeued", append(eventAttrs(event), "host", host, "requeues", event.Requeues)...)
		default:
			d.drop(event, "buffer full on requeue")
		}
	})
	d.parked[timer] = struct{}{}
}

// unpark stops every parked notification and counts it as dropped.
func (d *WebhookDispatcher) unpark() {
	d.parkMu.Lock()
	defer d.parkMu.Unlock()
	for timer := range d.parked {
		if timer.Stop() {
			d.dropped.Add(1)
		}
		delete(d.parked, timer)
	}
}

func (d *WebhookDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Notification dropped", append(eventAttrs(event), "reason", reason)...)
}

func (d *WebhookDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}

	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if lastErr == nil || cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// destinationHost returns the host a destination URL's breaker is keyed by.
func destinationHost(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, raw)
	}
	return u.Host, nil
}

func eventAttrs(event *Event) []any {
	if event.Payload == nil {
		return []any{"destination", event.Destination}
	}
	return []any{"runId", event.Payload.Subject, "type", event.Payload.Type}
}

var _ Dispatcher = (*WebhookDispatcher)(nil)
