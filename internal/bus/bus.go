// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus carries supervisor and resource events to interested components.
package bus

import "context"

// Message is an opaque event payload. Topics document their concrete type.
type Message interface{}

// Subscriber receives messages for a single topic until closed.
type Subscriber interface {
	C() <-chan Message
	Close() error
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Bus is a topic based pub/sub.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}
