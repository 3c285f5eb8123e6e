// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pairlink/pairlink/keyexchange"
	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/lib/testutil"
	"github.com/pairlink/pairlink/session"
	"github.com/pairlink/pairlink/signalstore"
	"github.com/pairlink/pairlink/transport"
)

const testPollInterval = 10 * time.Millisecond

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sessionEvents adapts session.Handlers to channels for assertions.
type sessionEvents struct {
	connected chan struct{}
	ready     chan struct{}
	data      chan []byte
	failed    chan error
}

func newSessionEvents() *sessionEvents {
	return &sessionEvents{
		connected: make(chan struct{}, 1),
		ready:     make(chan struct{}, 1),
		data:      make(chan []byte, 16),
		failed:    make(chan error, 1),
	}
}

func (e *sessionEvents) handlers() session.Handlers {
	return session.Handlers{
		PeerConnected: func() { e.connected <- struct{}{} },
		Ready:         func() { e.ready <- struct{}{} },
		Data:          func(payload []byte) { e.data <- payload },
		Failed:        func(err error) { e.failed <- err },
	}
}

// recordingStore wraps a Store and records the order of operations.
type recordingStore struct {
	inner signalstore.Store

	mu  sync.Mutex
	ops []string
}

func (r *recordingStore) record(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recordingStore) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, len(r.ops))
	copy(ops, r.ops)
	return ops
}

func (r *recordingStore) Get(ctx context.Context, room string) ([][]byte, error) {
	r.record("get")
	return r.inner.Get(ctx, room)
}

func (r *recordingStore) Set(ctx context.Context, room string, blob []byte) error {
	r.record("set")
	return r.inner.Set(ctx, room, blob)
}

func (r *recordingStore) ForceClear(ctx context.Context, room string) error {
	r.record("force-clear")
	return r.inner.ForceClear(ctx, room)
}

// failingSetStore reports every write as a store outage.
type failingSetStore struct{}

func (failingSetStore) Get(context.Context, string) ([][]byte, error) { return nil, nil }

func (failingSetStore) Set(context.Context, string, []byte) error {
	return fmt.Errorf("%w: connection refused", signalstore.ErrUnavailable)
}

func (failingSetStore) ForceClear(context.Context, string) error { return nil }

// slowStartTransport delays Start, as a real peer connection setup
// does, so tests can catch events racing ahead of it.
type slowStartTransport struct {
	transport.Transport
	delay time.Duration
}

func (s *slowStartTransport) Start(ctx context.Context, handlers transport.Handlers) error {
	time.Sleep(s.delay)
	return s.Transport.Start(ctx, handlers)
}

// failingAgreement cannot generate keys.
type failingAgreement struct{}

func (failingAgreement) GenerateKeyPair() (*keyexchange.KeyPair, error) {
	return nil, fmt.Errorf("%w: entropy exhausted", keyexchange.ErrKeyGen)
}

func newSession(t *testing.T, cfg session.Config) *session.Session {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = testPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Keys == nil {
		cfg.Keys = keyexchange.NaCl()
	}
	s, err := session.New(cfg)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEndToEndPairing(t *testing.T) {
	room := testutil.UniqueRoom("pairing")
	hub := signalstore.NewMemoryHub()
	initiatorEnd, joineeEnd := transport.NewPipe()

	initiator := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleInitiator,
		Store:     hub.Client("initiator"),
		Transport: initiatorEnd,
	})
	joinee := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleJoinee,
		Store:     hub.Client("joinee"),
		Transport: joineeEnd,
	})

	initiatorEvents := newSessionEvents()
	joineeEvents := newSessionEvents()

	if err := initiator.Start(context.Background(), initiatorEvents.handlers()); err != nil {
		t.Fatalf("initiator Start: %v", err)
	}
	if err := joinee.Start(context.Background(), joineeEvents.handlers()); err != nil {
		t.Fatalf("joinee Start: %v", err)
	}

	testutil.RequireReceive(t, initiatorEvents.connected, 10*time.Second, "initiator peer connected")
	testutil.RequireReceive(t, joineeEvents.connected, 10*time.Second, "joinee peer connected")
	testutil.RequireReceive(t, initiatorEvents.ready, 10*time.Second, "initiator ready")
	testutil.RequireReceive(t, joineeEvents.ready, 10*time.Second, "joinee ready")

	if got := initiator.State(); got != session.StateReady {
		t.Errorf("initiator state = %v, want ready", got)
	}
	if got := joinee.State(); got != session.StateReady {
		t.Errorf("joinee state = %v, want ready", got)
	}

	// Each side accepted exactly its counterpart's blob.
	if got := initiator.RemoteSignal(); !bytes.Equal(got, joineeEnd.LocalBlob()) {
		t.Errorf("initiator accepted %q, want joinee blob %q", got, joineeEnd.LocalBlob())
	}
	if got := joinee.RemoteSignal(); !bytes.Equal(got, initiatorEnd.LocalBlob()) {
		t.Errorf("joinee accepted %q, want initiator blob %q", got, initiatorEnd.LocalBlob())
	}

	// Each side recorded the other's public key.
	initiatorRemote, ok := initiator.RemoteKey()
	if !ok {
		t.Fatal("initiator has no remote key")
	}
	if want := joinee.KeyPair().Public(); initiatorRemote != want {
		t.Error("initiator's remote key is not the joinee's public key")
	}
	joineeRemote, ok := joinee.RemoteKey()
	if !ok {
		t.Fatal("joinee has no remote key")
	}
	if want := initiator.KeyPair().Public(); joineeRemote != want {
		t.Error("joinee's remote key is not the initiator's public key")
	}

	if err := initiator.Send([]byte("hello from initiator")); err != nil {
		t.Fatalf("initiator Send: %v", err)
	}
	if got := testutil.RequireReceive(t, joineeEvents.data, 10*time.Second, "joinee data"); string(got) != "hello from initiator" {
		t.Errorf("joinee received %q", got)
	}
	if err := joinee.Send([]byte("hello from joinee")); err != nil {
		t.Fatalf("joinee Send: %v", err)
	}
	if got := testutil.RequireReceive(t, initiatorEvents.data, 10*time.Second, "initiator data"); string(got) != "hello from joinee" {
		t.Errorf("initiator received %q", got)
	}

	testutil.RequireNoReceive(t, initiatorEvents.failed, 50*time.Millisecond, "initiator failure")
	testutil.RequireNoReceive(t, joineeEvents.failed, 50*time.Millisecond, "joinee failure")
}

func TestInitiatorPublishesBeforeFirstPoll(t *testing.T) {
	hub := signalstore.NewMemoryHub()
	store := &recordingStore{inner: hub.Client("initiator")}
	end, _ := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      testutil.UniqueRoom("order"),
		Role:      session.RoleInitiator,
		Store:     store,
		Transport: end,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForOp(t, store, "get")
	ops := store.Ops()
	if ops[0] != "set" {
		t.Errorf("first store operation = %q, want set before any poll", ops[0])
	}
}

func TestJoineeDiscoversBeforePublishing(t *testing.T) {
	room := testutil.UniqueRoom("order")
	hub := signalstore.NewMemoryHub()

	// The counterpart's offer is already in the room.
	if err := hub.Client("ghost").Set(context.Background(), room, []byte("ghost-offer")); err != nil {
		t.Fatalf("seeding offer: %v", err)
	}

	store := &recordingStore{inner: hub.Client("joinee")}
	_, end := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleJoinee,
		Store:     store,
		Transport: end,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The joinee accepts the offer, produces its answer, and publishes.
	waitForOp(t, store, "set")
	ops := store.Ops()
	if ops[0] != "get" {
		t.Errorf("first store operation = %q, want get before any publish", ops[0])
	}
}

func TestJoineeHandlesPrePublishedOfferWithSlowTransportStart(t *testing.T) {
	room := testutil.UniqueRoom("preseeded")
	hub := signalstore.NewMemoryHub()

	// The initiator's offer is already in the room before the joinee
	// even starts, so the joinee's immediate first poll finds it right
	// away. The discovered signal must not reach the transport before
	// its own Start has completed.
	if err := hub.Client("ghost").Set(context.Background(), room, []byte("ghost-offer")); err != nil {
		t.Fatalf("seeding offer: %v", err)
	}

	_, joineeEnd := transport.NewPipe()
	s := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleJoinee,
		Store:     hub.Client("joinee"),
		Transport: &slowStartTransport{Transport: joineeEnd, delay: 20 * time.Millisecond},
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.RemoteSignal() == nil {
		if time.Now().After(deadline) {
			t.Fatal("pre-published offer never accepted")
		}
		time.Sleep(time.Millisecond)
	}

	if !bytes.Equal(s.RemoteSignal(), []byte("ghost-offer")) {
		t.Errorf("accepted %q, want ghost-offer", s.RemoteSignal())
	}
	testutil.RequireNoReceive(t, events.failed, 100*time.Millisecond, "failure from pre-published offer")
}

func TestSendBeforeReady(t *testing.T) {
	hub := signalstore.NewMemoryHub()
	end, _ := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      testutil.UniqueRoom("notready"),
		Role:      session.RoleInitiator,
		Store:     hub.Client("initiator"),
		Transport: end,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Send([]byte("too early")); !errors.Is(err, session.ErrNotReady) {
		t.Errorf("Send before ready = %v, want ErrNotReady", err)
	}
}

func TestPublishFailureFailsSession(t *testing.T) {
	end, _ := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      testutil.UniqueRoom("publishfail"),
		Role:      session.RoleInitiator,
		Store:     failingSetStore{},
		Transport: end,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := testutil.RequireReceive(t, events.failed, 5*time.Second, "failure callback")
	if !errors.Is(err, session.ErrPublish) {
		t.Errorf("failure = %v, want ErrPublish", err)
	}
	if got := s.State(); got != session.StateFailed {
		t.Errorf("state = %v, want failed", got)
	}

	// The failure surfaces exactly once.
	testutil.RequireNoReceive(t, events.failed, 100*time.Millisecond, "second failure callback")
}

func TestKeyGenFailureFailsSession(t *testing.T) {
	room := testutil.UniqueRoom("keygen")
	hub := signalstore.NewMemoryHub()
	end, peerEnd := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleInitiator,
		Store:     hub.Client("initiator"),
		Transport: end,
		Keys:      failingAgreement{},
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	connectManualPeer(t, hub, room, peerEnd)

	err := testutil.RequireReceive(t, events.failed, 5*time.Second, "failure callback")
	if !errors.Is(err, keyexchange.ErrKeyGen) {
		t.Errorf("failure = %v, want ErrKeyGen", err)
	}
	if got := s.State(); got != session.StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestConnectTimeout(t *testing.T) {
	room := testutil.UniqueRoom("timeout")
	hub := signalstore.NewMemoryHub()

	// A foreign blob is discoverable, but nothing ever answers on the
	// transport side.
	if err := hub.Client("ghost").Set(context.Background(), room, []byte("ghost-answer")); err != nil {
		t.Fatalf("seeding blob: %v", err)
	}

	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	end, _ := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleInitiator,
		Store:     hub.Client("initiator"),
		Transport: end,
		Clock:     fake,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Two waiters: the discovery ticker and the connect timer. The
	// timer only exists once the ghost blob has been accepted.
	fake.WaitForTimers(2)
	fake.Advance(session.DefaultConnectTimeout)

	err := testutil.RequireReceive(t, events.failed, 5*time.Second, "failure callback")
	if !errors.Is(err, session.ErrConnectTimeout) {
		t.Errorf("failure = %v, want ErrConnectTimeout", err)
	}
}

func TestFirstDiscoveredPeerWins(t *testing.T) {
	room := testutil.UniqueRoom("firstwins")
	hub := signalstore.NewMemoryHub()

	blobA := []byte("intruder-a")
	blobB := []byte("intruder-b")
	if err := hub.Client("a").Set(context.Background(), room, blobA); err != nil {
		t.Fatalf("seeding blob: %v", err)
	}
	if err := hub.Client("b").Set(context.Background(), room, blobB); err != nil {
		t.Fatalf("seeding blob: %v", err)
	}

	end, _ := transport.NewPipe()
	s := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleInitiator,
		Store:     hub.Client("initiator"),
		Transport: end,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.RemoteSignal() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no peer accepted within deadline")
		}
		time.Sleep(time.Millisecond)
	}

	accepted := s.RemoteSignal()
	if !bytes.Equal(accepted, blobA) && !bytes.Equal(accepted, blobB) {
		t.Fatalf("accepted unexpected blob %q", accepted)
	}

	// The extra discovery is ignored rather than failing the session.
	testutil.RequireNoReceive(t, events.failed, 100*time.Millisecond, "failure after extra peer")
}

func TestMalformedControlMessageIsNonFatal(t *testing.T) {
	room := testutil.UniqueRoom("malformed")
	hub := signalstore.NewMemoryHub()
	end, peerEnd := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleInitiator,
		Store:     hub.Client("initiator"),
		Transport: end,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	connectManualPeer(t, hub, room, peerEnd)
	testutil.RequireReceive(t, events.connected, 5*time.Second, "peer connected")

	// A control message with an undecodable key is dropped, not fatal.
	if err := peerEnd.Send([]byte(`{"publicKey":"%%% not base64 %%%"}`)); err != nil {
		t.Fatalf("peer Send: %v", err)
	}
	testutil.RequireNoReceive(t, events.failed, 100*time.Millisecond, "failure after malformed key")
	if got := s.State(); got != session.StateSecurityPending {
		t.Errorf("state = %v, want security-pending", got)
	}

	// Application data ahead of the key exchange is buffered.
	if err := peerEnd.Send([]byte("early payload")); err != nil {
		t.Fatalf("peer Send: %v", err)
	}
	testutil.RequireNoReceive(t, events.data, 100*time.Millisecond, "data before ready")

	// A valid key completes the handshake and flushes the buffer.
	peerKeys, err := keyexchange.NaCl().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	public := peerKeys.Public()
	control, err := json.Marshal(map[string]string{
		"publicKey": base64.StdEncoding.EncodeToString(public[:]),
	})
	if err != nil {
		t.Fatalf("encoding control message: %v", err)
	}
	if err := peerEnd.Send(control); err != nil {
		t.Fatalf("peer Send: %v", err)
	}

	testutil.RequireReceive(t, events.ready, 5*time.Second, "ready")
	if got := testutil.RequireReceive(t, events.data, 5*time.Second, "buffered payload"); string(got) != "early payload" {
		t.Errorf("flushed payload = %q", got)
	}

	remote, ok := s.RemoteKey()
	if !ok || remote != public {
		t.Error("remote key does not match the peer's public key")
	}
}

func TestControlMessageWithNonStringKeyIsDropped(t *testing.T) {
	room := testutil.UniqueRoom("wrongtype")
	hub := signalstore.NewMemoryHub()
	end, peerEnd := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleInitiator,
		Store:     hub.Client("initiator"),
		Transport: end,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	connectManualPeer(t, hub, room, peerEnd)
	testutil.RequireReceive(t, events.connected, 5*time.Second, "peer connected")

	// The reserved field with a non-string value is a malformed control
	// message: dropped, never surfaced as application data.
	if err := peerEnd.Send([]byte(`{"publicKey":123}`)); err != nil {
		t.Fatalf("peer Send: %v", err)
	}
	testutil.RequireNoReceive(t, events.data, 100*time.Millisecond, "wrong-typed control routed to data")
	testutil.RequireNoReceive(t, events.failed, 50*time.Millisecond, "failure from wrong-typed control")
	if got := s.State(); got != session.StateSecurityPending {
		t.Errorf("state = %v, want security-pending", got)
	}

	// The dropped message must not linger in the pre-Ready buffer.
	peerKeys, err := keyexchange.NaCl().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	public := peerKeys.Public()
	control, err := json.Marshal(map[string]string{
		"publicKey": base64.StdEncoding.EncodeToString(public[:]),
	})
	if err != nil {
		t.Fatalf("encoding control message: %v", err)
	}
	if err := peerEnd.Send(control); err != nil {
		t.Fatalf("peer Send: %v", err)
	}

	testutil.RequireReceive(t, events.ready, 5*time.Second, "ready")
	testutil.RequireNoReceive(t, events.data, 100*time.Millisecond, "dropped control flushed on ready")
}

func TestCloseClearsRoomAndStopsPolling(t *testing.T) {
	room := testutil.UniqueRoom("close")
	hub := signalstore.NewMemoryHub()
	store := &recordingStore{inner: hub.Client("initiator")}
	end, _ := transport.NewPipe()

	s := newSession(t, session.Config{
		Room:      room,
		Role:      session.RoleInitiator,
		Store:     store,
		Transport: end,
	})

	events := newSessionEvents()
	if err := s.Start(context.Background(), events.handlers()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForOp(t, store, "set")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	blobs, err := hub.Client("observer").Get(context.Background(), room)
	if err != nil {
		t.Fatalf("Get after close: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("room holds %d blobs after close, want 0", len(blobs))
	}

	// No further polls after Close. A poll already in flight when
	// Close returned may still finish, so let it drain first.
	time.Sleep(2 * testPollInterval)
	before := countOps(store.Ops(), "get")
	time.Sleep(5 * testPollInterval)
	if after := countOps(store.Ops(), "get"); after != before {
		t.Errorf("polls continued after close: %d → %d", before, after)
	}
}

// connectManualPeer plays the counterpart by hand: it accepts the
// session's published blob on the raw pipe end and publishes the
// resulting answer blob so the session's poller can find it.
func connectManualPeer(t *testing.T, hub *signalstore.MemoryHub, room string, peerEnd *transport.PipeEnd) {
	t.Helper()

	peerSignals := make(chan []byte, 1)
	err := peerEnd.Start(context.Background(), transport.Handlers{
		LocalSignal: func(blob []byte) { peerSignals <- blob },
	})
	if err != nil {
		t.Fatalf("peer Start: %v", err)
	}
	t.Cleanup(func() { peerEnd.Close() })

	// Wait for the session's offer to land in the store.
	observer := hub.Client("observer")
	deadline := time.Now().Add(5 * time.Second)
	var offer []byte
	for offer == nil {
		if time.Now().After(deadline) {
			t.Fatal("session never published its offer")
		}
		blobs, err := observer.Get(context.Background(), room)
		if err != nil {
			t.Fatalf("observer Get: %v", err)
		}
		if len(blobs) > 0 {
			offer = blobs[0]
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	if err := peerEnd.AcceptRemoteSignal(offer); err != nil {
		t.Fatalf("peer AcceptRemoteSignal: %v", err)
	}
	answer := testutil.RequireReceive(t, peerSignals, 5*time.Second, "peer answer blob")
	if err := hub.Client("peer").Set(context.Background(), room, answer); err != nil {
		t.Fatalf("publishing peer answer: %v", err)
	}
}

func waitForOp(t *testing.T, store *recordingStore, op string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if countOps(store.Ops(), op) > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("store never saw a %q operation", op)
		}
		time.Sleep(time.Millisecond)
	}
}

func countOps(ops []string, op string) int {
	count := 0
	for _, o := range ops {
		if o == op {
			count++
		}
	}
	return count
}
