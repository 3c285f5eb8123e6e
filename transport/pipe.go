// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Compile-time interface check.
var _ Transport = (*PipeEnd)(nil)

// pipeCounter distinguishes blobs across pipe pairs in one process.
var pipeCounter atomic.Uint64

// NewPipe returns a connected pair of in-process Transports for tests
// and same-process demos. The first end is the initiator: its signal
// blob arrives after Start, the joinee's after it accepts the
// initiator's blob. Both ends report Connected once each side has
// accepted the other's blob, mirroring the offer/answer exchange of
// the real transport without any network.
func NewPipe() (initiator, joinee *PipeEnd) {
	serial := pipeCounter.Add(1)
	pair := &pipePair{}
	pair.ends[0] = &PipeEnd{
		pair:      pair,
		index:     0,
		localBlob: []byte(fmt.Sprintf("pipe-offer-%d", serial)),
		events:    make(chan func(), 64),
		closed:    make(chan struct{}),
	}
	pair.ends[1] = &PipeEnd{
		pair:      pair,
		index:     1,
		localBlob: []byte(fmt.Sprintf("pipe-answer-%d", serial)),
		events:    make(chan func(), 64),
		closed:    make(chan struct{}),
	}
	return pair.ends[0], pair.ends[1]
}

// pipePair is the shared state of two PipeEnds.
type pipePair struct {
	mu             sync.Mutex
	offerAccepted  bool // joinee accepted the initiator's blob
	answerAccepted bool // initiator accepted the joinee's blob
	connectedFired bool
	ends           [2]*PipeEnd
}

// PipeEnd is one side of an in-process transport pair.
type PipeEnd struct {
	pair      *pipePair
	index     int
	localBlob []byte

	mu        sync.Mutex
	started   bool
	accepted  bool
	connected bool
	handlers  Handlers

	events    chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// LocalBlob returns the blob this end emits, for test assertions.
func (e *PipeEnd) LocalBlob() []byte { return e.localBlob }

func (e *PipeEnd) Start(_ context.Context, handlers Handlers) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("transport: Start called twice")
	}
	e.started = true
	e.handlers = handlers
	e.mu.Unlock()

	go e.dispatchLoop()

	if e.index == 0 {
		blob := e.localBlob
		e.dispatch(func() { e.handlers.emitLocalSignal(blob) })
	}
	return nil
}

func (e *PipeEnd) AcceptRemoteSignal(_ []byte) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("transport: AcceptRemoteSignal before Start")
	}
	if e.accepted {
		e.mu.Unlock()
		return fmt.Errorf("transport: remote signal already accepted")
	}
	e.accepted = true
	e.mu.Unlock()

	pair := e.pair
	pair.mu.Lock()
	if e.index == 0 {
		pair.answerAccepted = true
	} else {
		pair.offerAccepted = true
	}
	ready := pair.offerAccepted && pair.answerAccepted && !pair.connectedFired
	if ready {
		pair.connectedFired = true
	}
	pair.mu.Unlock()

	// The joinee produces its own blob in response to the offer, as
	// the answering side of the real transport does.
	if e.index == 1 {
		blob := e.localBlob
		e.dispatch(func() { e.handlers.emitLocalSignal(blob) })
	}

	if ready {
		for _, end := range pair.ends {
			end.markConnected()
		}
	}
	return nil
}

func (e *PipeEnd) markConnected() {
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	e.dispatch(func() { e.handlers.emitConnected() })
}

func (e *PipeEnd) Send(payload []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}

	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	peer := e.pair.ends[1-e.index]
	copied := make([]byte, len(payload))
	copy(copied, payload)
	peer.dispatch(func() { peer.handlers.emitData(copied) })
	return nil
}

func (e *PipeEnd) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	return nil
}

func (e *PipeEnd) dispatch(f func()) {
	select {
	case e.events <- f:
	case <-e.closed:
	}
}

func (e *PipeEnd) dispatchLoop() {
	for {
		select {
		case f := <-e.events:
			f()
		case <-e.closed:
			return
		}
	}
}
