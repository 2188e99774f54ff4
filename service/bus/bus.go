// Package bus carries dispatch payloads between gateway processes. Every
// subscribed process receives every published message; filtering happens on
// the receiving side.
package bus

import (
	"context"
	"errors"
)

// Handler is invoked once per received message. It must not retain data
// after returning unless it copies it.
type Handler func(ctx context.Context, data []byte)

// Bus is a single logical pub/sub channel.
type Bus interface {
	// Publish sends data to every subscriber, including the local one.
	// Implementations honour ctx for their bounded wait on the broker.
	Publish(ctx context.Context, data []byte) error
	// Subscribe starts delivering messages to h until ctx is done or Close
	// is called. It returns once the subscription is live.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
	// Name identifies the backend in logs.
	Name() string
}

var ErrClosed = errors.New("bus closed")
