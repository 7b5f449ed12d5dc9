package broker

import (
	"context"
	"sync"
	"time"

	"github.com/sensorgrid/ingest/internal/core"
)

// ThrottledBroker enforces a per-sensor minimum publish interval so that a
// chatty stream cannot saturate the prediction service. Publishes inside the
// interval are dropped silently; elapsed time is measured on the reading's
// own timestamp, which makes the throttle deterministic for replayed data.
type ThrottledBroker struct {
	inner       ReadingBroker
	minInterval time.Duration

	mu   sync.Mutex
	last map[string]time.Time // sensor key -> last published reading timestamp
}

func NewThrottledBroker(inner ReadingBroker, minInterval time.Duration) *ThrottledBroker {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &ThrottledBroker{
		inner:       inner,
		minInterval: minInterval,
		last:        make(map[string]time.Time),
	}
}

func (b *ThrottledBroker) key(r core.Reading) string {
	if r.Series != "" {
		return r.Series
	}
	return core.IoTSeriesID(r.SensorID).String()
}

func (b *ThrottledBroker) Publish(ctx context.Context, r core.Reading) error {
	key := b.key(r)

	b.mu.Lock()
	last, seen := b.last[key]
	if seen && r.Timestamp.Sub(last) < b.minInterval {
		b.mu.Unlock()
		return nil
	}
	b.last[key] = r.Timestamp
	b.mu.Unlock()

	return b.inner.Publish(ctx, r)
}

func (b *ThrottledBroker) Subscribe(handler Handler) (func(), error) {
	return b.inner.Subscribe(handler)
}

func (b *ThrottledBroker) Close() error { return b.inner.Close() }
