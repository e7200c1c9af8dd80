package security

import (
	"context"
	"time"

	"helpdesk-service/internal/metrics"

	"go.uber.org/zap"
)

// Dispatcher queues events and fans them out to sinks on its own goroutine.
// When the queue is full the event is logged and dropped.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewDispatcher(buffer int, m *metrics.Metrics, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   make(chan Event, buffer),
		sinks:   sinks,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// AddSink registers another sink. It must be called before Run.
func (d *Dispatcher) AddSink(sink Sink) {
	d.sinks = append(d.sinks, sink)
}

func (d *Dispatcher) Report(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = d.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityWarning
	}
	d.metrics.SecurityEvent(string(ev.Kind))

	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("security event dropped, queue full",
			zap.String("kind", string(ev.Kind)),
			zap.String("principal", ev.Principal),
		)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		case <-ctx.Done():
			d.flush()
			return nil
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	for _, sink := range d.sinks {
		if err := sink.Handle(ctx, ev); err != nil {
			d.logger.Error("security sink failed",
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
	}
}
