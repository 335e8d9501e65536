package notify

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/PratikDhanave/kanariya/internal/models"
)

const meterName = "github.com/PratikDhanave/kanariya/internal/notify"

// DispatcherOptions tunes background delivery.
type DispatcherOptions struct {
	// RatePerSecond and Burst cap alerts across all tokens. RatePerSecond <= 0 means unlimited.
	RatePerSecond float64
	Burst         int
	// MaxInFlight bounds concurrent deliveries; extra alerts are dropped.
	MaxInFlight int
	Timeout     time.Duration
	Meter       metric.Meter
}

// Dispatcher runs deliveries as supervised background tasks detached from
// the request that triggered them. Shutdown waits for the outstanding set.
type Dispatcher struct {
	logger   *zap.Logger
	channels []Channel
	limiter  *rate.Limiter
	timeout  time.Duration
	sent     metric.Int64Counter

	mu     sync.RWMutex
	closed bool
	// group only bounds concurrency; Wait is never called on it, so
	// TryGo stays legal while Drain is waiting.
	group errgroup.Group

	flight   sync.Mutex
	inflight int
	idle     chan struct{} // closed when inflight drops to zero
}

func NewDispatcher(logger *zap.Logger, channels []Channel, o DispatcherOptions) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 64
	}
	meter := o.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	sent, err := meter.Int64Counter("kanariya.notifications",
		metric.WithDescription("Alert delivery attempts by channel and result."))
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		logger:   logger.Named("notify"),
		channels: channels,
		timeout:  o.Timeout,
		sent:     sent,
	}
	if o.RatePerSecond > 0 {
		burst := o.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(o.RatePerSecond), burst)
	}
	d.group.SetLimit(o.MaxInFlight)
	return d, nil
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// Dispatch schedules ev on every channel and returns immediately.
// ctx only contributes values; its cancellation does not stop delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.HitEvent) {
	if len(d.channels) == 0 {
		return
	}
	if d.limiter != nil && !d.limiter.Allow() {
		d.logger.Warn("alert dropped: outbound rate exceeded", zap.String("token", ev.Token))
		d.countAll(ctx, "throttled")
		return
	}

	base := context.WithoutCancel(ctx)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("alert dropped: dispatcher closed", zap.String("token", ev.Token))
		d.countAll(ctx, "dropped")
		return
	}
	for _, ch := range d.channels {
		ch := ch
		d.begin()
		if !d.group.TryGo(func() error {
			defer d.end()
			d.deliver(base, ch, ev)
			return nil
		}) {
			d.end()
			d.logger.Warn("alert dropped: too many deliveries in flight",
				zap.String("channel", ch.Name()), zap.String("token", ev.Token))
			d.count(ctx, ch.Name(), "dropped")
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, ev models.HitEvent) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := ch.Send(ctx, ev); err != nil {
		d.logger.Error("alert delivery failed",
			zap.String("channel", ch.Name()), zap.String("token", ev.Token), zap.Error(err))
		d.count(ctx, ch.Name(), "failed")
		return
	}
	d.logger.Info("alert delivered", zap.String("channel", ch.Name()), zap.String("token", ev.Token))
	d.count(ctx, ch.Name(), "sent")
}

func (d *Dispatcher) count(ctx context.Context, channel, result string) {
	d.sent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("result", result),
	))
}

func (d *Dispatcher) countAll(ctx context.Context, result string) {
	for _, ch := range d.channels {
		d.count(ctx, ch.Name(), result)
	}
}

func (d *Dispatcher) begin() {
	d.flight.Lock()
	defer d.flight.Unlock()
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight++
}

func (d *Dispatcher) end() {
	d.flight.Lock()
	defer d.flight.Unlock()
	d.inflight--
	if d.inflight == 0 {
		close(d.idle)
	}
}

// Drain waits until no delivery is in flight or ctx ends. Dispatch keeps
// accepting alerts meanwhile.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.flight.Lock()
	if d.inflight == 0 {
		d.flight.Unlock()
		return nil
	}
	idle := d.idle
	d.flight.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting alerts and waits for outstanding deliveries.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Drain(ctx)
}
