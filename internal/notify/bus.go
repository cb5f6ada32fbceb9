package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thebtf/retention/internal/metrics"
)

// Sink delivers events to one collaborator. Deliver is called from the bus
// goroutine only, one event at a time.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	Fn    func(ctx context.Context, evt Event) error
	Label string
}

func (f SinkFunc) Name() string                                 { return f.Label }
func (f SinkFunc) Deliver(ctx context.Context, evt Event) error { return f.Fn(ctx, evt) }

// DefaultBufferSize is the bus queue length used when none is given.
const DefaultBufferSize = 256

// Bus is an in-process buffered event bus with a single consumer goroutine.
// Publish never blocks: when the buffer is full the event is dropped.
type Bus struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  chan Event
	done    chan struct{}
	cancel  context.CancelFunc
	sinks   []Sink
	mu      sync.RWMutex
	started bool
}

// NewBus creates a bus with the given buffer size.
func NewBus(bufSize int, log zerolog.Logger) *Bus {
	if bufSize < 1 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		log:    log.With().Str("component", "notify").Logger(),
		events: make(chan Event, bufSize),
		done:   make(chan struct{}),
	}
}

// SetMetrics attaches instruments for dropped events.
func (b *Bus) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// Subscribe registers a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish enqueues an event for delivery.
func (b *Bus) Publish(evt Event) {
	select {
	case b.events <- evt:
	default:
		b.log.Warn().Str("type", string(evt.Type)).Str("event_id", evt.ID).Msg("Event buffer full, dropping event")
		b.metrics.EventDropped(context.Background(), string(evt.Type))
	}
}

// Start launches the consumer goroutine. It runs until ctx is canceled or
// Close is called, then drains whatever is still queued.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		for {
			select {
			case evt := <-b.events:
				b.dispatch(ctx, evt)
			case <-ctx.Done():
				b.drain()
				return
			}
		}
	}()
}

// Close stops the consumer after draining queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	started, cancel := b.started, b.cancel
	b.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-b.done
}

func (b *Bus) drain() {
	// Sinks still get a live context while draining.
	ctx := context.Background()
	for {
		select {
		case evt := <-b.events:
			b.dispatch(ctx, evt)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(ctx, evt); err != nil {
			b.log.Warn().Err(err).
				Str("sink", s.Name()).
				Str("type", string(evt.Type)).
				Str("event_id", evt.ID).
				Msg("Event delivery failed")
		}
	}
}
