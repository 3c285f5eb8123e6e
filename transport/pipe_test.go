// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pairlink/pairlink/lib/testutil"
)

// startPipeEnd starts an end with channel-backed handlers.
func startPipeEnd(t *testing.T, end *PipeEnd) (signals chan []byte, connected chan struct{}, data chan []byte) {
	t.Helper()

	signals = make(chan []byte, 4)
	connected = make(chan struct{}, 1)
	data = make(chan []byte, 16)

	err := end.Start(context.Background(), Handlers{
		LocalSignal: func(blob []byte) { signals <- blob },
		Connected:   func() { connected <- struct{}{} },
		Data:        func(payload []byte) { data <- payload },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { end.Close() })
	return signals, connected, data
}

func TestPipeOfferAnswerFlow(t *testing.T) {
	initiator, joinee := NewPipe()

	initiatorSignals, initiatorConnected, initiatorData := startPipeEnd(t, initiator)
	joineeSignals, joineeConnected, joineeData := startPipeEnd(t, joinee)

	// The initiator emits its blob unprompted.
	offer := testutil.RequireReceive(t, initiatorSignals, 5*time.Second, "initiator signal")

	// The joinee emits its blob only after accepting the offer.
	testutil.RequireNoReceive(t, joineeSignals, 50*time.Millisecond, "joinee signal before offer")
	if err := joinee.AcceptRemoteSignal(offer); err != nil {
		t.Fatalf("joinee AcceptRemoteSignal: %v", err)
	}
	answer := testutil.RequireReceive(t, joineeSignals, 5*time.Second, "joinee signal")

	if err := initiator.AcceptRemoteSignal(answer); err != nil {
		t.Fatalf("initiator AcceptRemoteSignal: %v", err)
	}

	testutil.RequireReceive(t, initiatorConnected, 5*time.Second, "initiator connected")
	testutil.RequireReceive(t, joineeConnected, 5*time.Second, "joinee connected")

	if err := initiator.Send([]byte("ping")); err != nil {
		t.Fatalf("initiator Send: %v", err)
	}
	if got := testutil.RequireReceive(t, joineeData, 5*time.Second, "joinee data"); !bytes.Equal(got, []byte("ping")) {
		t.Errorf("joinee received %q, want ping", got)
	}

	if err := joinee.Send([]byte("pong")); err != nil {
		t.Fatalf("joinee Send: %v", err)
	}
	if got := testutil.RequireReceive(t, initiatorData, 5*time.Second, "initiator data"); !bytes.Equal(got, []byte("pong")) {
		t.Errorf("initiator received %q, want pong", got)
	}
}

func TestPipeSendBeforeConnected(t *testing.T) {
	initiator, _ := NewPipe()
	startPipeEnd(t, initiator)

	if err := initiator.Send([]byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}
}

func TestPipeSendAfterClose(t *testing.T) {
	initiator, _ := NewPipe()
	startPipeEnd(t, initiator)
	initiator.Close()

	if err := initiator.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestPipeSecondRemoteSignalRejected(t *testing.T) {
	initiator, joinee := NewPipe()
	initiatorSignals, _, _ := startPipeEnd(t, initiator)
	startPipeEnd(t, joinee)

	offer := testutil.RequireReceive(t, initiatorSignals, 5*time.Second, "initiator signal")
	if err := joinee.AcceptRemoteSignal(offer); err != nil {
		t.Fatalf("first AcceptRemoteSignal: %v", err)
	}
	if err := joinee.AcceptRemoteSignal(offer); err == nil {
		t.Error("second AcceptRemoteSignal succeeded, want error")
	}
}

func TestPipeBlobsAreDistinct(t *testing.T) {
	initiator, joinee := NewPipe()
	if bytes.Equal(initiator.LocalBlob(), joinee.LocalBlob()) {
		t.Error("pipe ends share a blob")
	}

	otherInitiator, _ := NewPipe()
	if bytes.Equal(initiator.LocalBlob(), otherInitiator.LocalBlob()) {
		t.Error("two pipe pairs share a blob")
	}
}
