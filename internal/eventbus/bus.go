package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/common/metrics"
	"lifecycle-engine/internal/common/observability"

	"github.com/google/uuid"
)

// Handler reacts to one event. Returning an error marked non-retryable skips the remaining attempts.
type Handler func(ctx context.Context, e Event) error

type Options struct {
	QueueSize      int
	HandlerRetries int
	RetryBackoff   time.Duration
}

type subscription struct {
	name    string
	handler Handler
}

// Bus routes events from a Stream to subscribed handlers, one ordered worker per channel.
type Bus struct {
	stream Stream
	opts   Options
	log    logger.Logger
	obs    *observability.Observability

	mu      sync.Mutex
	subs    map[string][]subscription
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	attached atomic.Bool
}

func New(stream Stream, opts Options, log logger.Logger, obs *observability.Observability) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HandlerRetries <= 0 {
		opts.HandlerRetries = 1
	}
	return &Bus{
		stream: stream,
		opts:   opts,
		log:    log.Named("eventbus"),
		obs:    obs,
		subs:   make(map[string][]subscription),
	}
}

// Subscribe registers h on channel. Subscriptions take effect on the next Start.
func (b *Bus) Subscribe(channel, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], subscription{name: name, handler: h})
}

// Channels returns the subscribed channels, sorted.
func (b *Bus) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelsLocked()
}

func (b *Bus) channelsLocked() []string {
	out := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Publish wraps payload in an Event and hands it to the stream.
func (b *Bus) Publish(ctx context.Context, channel, applicationID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	e := Event{
		ID:            uuid.New().String(),
		Channel:       channel,
		ApplicationID: applicationID,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
	if err := b.stream.Publish(ctx, e); err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(channel).Inc()
	return nil
}

// Start attaches to the stream and begins dispatch. Calling Start on a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	channels := b.channelsLocked()

	events, err := b.stream.Listen(runCtx, channels)
	if err != nil {
		cancel()
		return fmt.Errorf("attach event stream: %w", err)
	}

	queues := make(map[string]chan Event, len(channels))
	for _, ch := range channels {
		q := make(chan Event, b.opts.QueueSize)
		queues[ch] = q
		subs := append([]subscription(nil), b.subs[ch]...)

		b.wg.Add(1)
		go b.worker(runCtx, ch, q, subs)
	}

	b.wg.Add(1)
	go b.route(runCtx, events, queues)

	b.cancel = cancel
	b.running = true
	b.attached.Store(true)

	b.log.Info("event bus started", map[string]interface{}{"channels": channels})
	return nil
}

// Stop detaches from the stream and waits for in-flight handlers to return.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	b.running = false
	b.cancel = nil
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	b.attached.Store(false)
	b.log.Info("event bus stopped", nil)
}

// Running reports whether Start has been called without a matching Stop.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Attached reports whether the stream subscription is alive.
func (b *Bus) Attached() bool {
	return b.attached.Load()
}

func (b *Bus) route(ctx context.Context, events <-chan Event, queues map[string]chan Event) {
	defer b.wg.Done()

	for e := range events {
		q, ok := queues[e.Channel]
		if !ok {
			continue
		}
		b.obs.QueueDelta(ctx, e.Channel, 1)
		select {
		case q <- e:
		case <-ctx.Done():
			return
		}
	}

	if ctx.Err() == nil {
		b.attached.Store(false)
		b.log.Error("event stream detached", nil)
	}
}

func (b *Bus) worker(ctx context.Context, channel string, q <-chan Event, subs []subscription) {
	defer b.wg.Done()

	for {
		select {
		case e := <-q:
			b.obs.QueueDelta(ctx, channel, -1)
			for _, s := range subs {
				b.deliver(ctx, e, s)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e Event, s subscription) {
	start := time.Now()
	var err error

	for attempt := 1; attempt <= b.opts.HandlerRetries; attempt++ {
		spanCtx, span := b.obs.StartDelivery(ctx, e.Channel, s.name, e.ID, attempt)
		err = b.invoke(spanCtx, e, s)
		observability.EndDelivery(span, err)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < b.opts.HandlerRetries {
			select {
			case <-time.After(b.opts.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
			}
		}
	}

	b.obs.RecordHandlerDuration(ctx, e.Channel, time.Since(start))
	if err == nil {
		b.obs.RecordDelivery(ctx, e.Channel, s.name, "success")
		return
	}

	b.obs.RecordDelivery(ctx, e.Channel, s.name, "failure")
	metrics.EventHandlerFailures.WithLabelValues(e.Channel, s.name).Inc()
	b.log.Error("event handler failed", map[string]interface{}{
		"channel":       e.Channel,
		"handler":       s.name,
		"eventId":       e.ID,
		"applicationId": e.ApplicationID,
		"errorCode":     string(apperrors.CodeOf(err)),
		"error":         err.Error(),
	})
}

func (b *Bus) invoke(ctx context.Context, e Event, s subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", s.name, r)
		}
	}()
	return s.handler(ctx, e)
}

// retryable treats plain errors as transient; StandardErrors decide for themselves.
func retryable(err error) bool {
	if apperrors.CodeOf(err) != "" {
		return apperrors.IsRetryable(err)
	}
	return true
}
