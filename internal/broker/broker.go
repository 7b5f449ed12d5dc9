// Package broker carries clean readings from the PREDICTION sub-pipeline to
// the downstream prediction service. The core depends only on the
// ReadingBroker interface; the inner transport (in-memory channels, Redis
// pub/sub) is swappable.
package broker

import (
	"context"

	"github.com/sensorgrid/ingest/internal/core"
)

// Handler consumes one published reading.
type Handler func(core.Reading)

// ReadingBroker is the pub/sub contract between the gateway and the
// prediction service.
type ReadingBroker interface {
	Publish(ctx context.Context, r core.Reading) error
	// Subscribe registers a handler for all readings and returns an
	// unsubscribe function.
	Subscribe(handler Handler) (func(), error)
	Close() error
}

// NullBroker drops everything. It is the default when no broker backend is
// configured.
type NullBroker struct{}

func (NullBroker) Publish(context.Context, core.Reading) error { return nil }
func (NullBroker) Subscribe(Handler) (func(), error)           { return func() {}, nil }
func (NullBroker) Close() error                                { return nil }
