package gateway

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/roomsync/internal/protocol"
)

// ErrOutboxClosed is returned when sending to a closed Outbox.
var ErrOutboxClosed = errors.New("outbox closed")

// ErrOutboxFull is returned when an Outbox buffer has no room for another message.
var ErrOutboxFull = errors.New("outbox buffer full")

// Sink receives outbound messages for one connection. Send must not block
// and must not call back into the Gateway; it runs while a room is locked.
type Sink interface {
	Send(msg protocol.Outbound) error
}

// Outbox is a bounded, non-blocking Sink backed by a channel. A transport
// goroutine drains Events and writes each message to the wire.
type Outbox struct {
	connID string
	events chan protocol.Outbound
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection.
//
// Postcondition: bufferSize <= 0 selects a buffer of 64 messages.
func NewOutbox(connID string, bufferSize int) *Outbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Outbox{
		connID: connID,
		events: make(chan protocol.Outbound, bufferSize),
	}
}

// ConnectionID returns the identifier of the owning connection.
func (o *Outbox) ConnectionID() string {
	return o.connID
}

// Send enqueues msg without blocking.
//
// Postcondition: Returns ErrOutboxClosed or ErrOutboxFull when msg was dropped.
func (o *Outbox) Send(msg protocol.Outbound) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxClosed)
	}
	select {
	case o.events <- msg:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxFull)
	}
}

// Events returns the channel the transport writer reads from.
// It is closed by Close.
func (o *Outbox) Events() <-chan protocol.Outbound {
	return o.events
}

// Close marks the outbox closed and closes the events channel. Idempotent.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
