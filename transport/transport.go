// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// ErrClosed reports an operation on a closed Transport.
var ErrClosed = errors.New("transport: closed")

// ErrNotConnected reports a Send before the peer connection is up.
var ErrNotConnected = errors.New("transport: not connected")

// Handlers carries the callbacks a Transport drives. All fields are
// optional; nil handlers are skipped. Each Transport invokes its
// handlers sequentially, never concurrently with one another.
type Handlers struct {
	// LocalSignal receives the transport's own signal blob once it is
	// ready to publish. Fires once per Transport: after Start for an
	// initiator, after AcceptRemoteSignal for a joinee.
	LocalSignal func(blob []byte)

	// Connected fires once when the peer connection is established
	// and Send may be called.
	Connected func()

	// Data receives each payload sent by the peer.
	Data func(payload []byte)

	// Error receives unrecoverable transport failures. The Transport
	// is unusable afterward.
	Error func(err error)
}

// Transport is the peer-transport capability. Implementations must be
// safe for concurrent use; none of the methods block on network
// completion (results arrive through Handlers).
type Transport interface {
	// Start begins connection establishment. For an initiating
	// transport this kicks off local offer creation; a joining
	// transport waits for AcceptRemoteSignal. Start may be called
	// once.
	Start(ctx context.Context, handlers Handlers) error

	// AcceptRemoteSignal hands the counterpart's blob to the
	// transport. Exactly one remote blob is accepted per connection.
	AcceptRemoteSignal(blob []byte) error

	// Send transmits a payload to the connected peer. Fails with
	// ErrNotConnected before the Connected handler has fired.
	Send(payload []byte) error

	// Close tears down the peer connection. Idempotent. No handlers
	// fire after Close returns.
	Close() error
}

func (h Handlers) emitLocalSignal(blob []byte) {
	if h.LocalSignal != nil {
		h.LocalSignal(blob)
	}
}

func (h Handlers) emitConnected() {
	if h.Connected != nil {
		h.Connected()
	}
}

func (h Handlers) emitData(payload []byte) {
	if h.Data != nil {
		h.Data(payload)
	}
}

func (h Handlers) emitError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}
