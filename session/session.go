// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pairlink/pairlink/discovery"
	"github.com/pairlink/pairlink/keyexchange"
	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/signalstore"
	"github.com/pairlink/pairlink/transport"
)

// DefaultConnectTimeout bounds the wait between accepting the
// counterpart's signal and the transport reporting connected.
const DefaultConnectTimeout = 30 * time.Second

// controlKeyField is the reserved field that marks a payload as a
// handshake control message rather than application data.
const controlKeyField = "publicKey"

var (
	// ErrNotReady reports a Send before the session reached Ready.
	// Caller misuse, never fatal to the session.
	ErrNotReady = errors.New("session: not ready")

	// ErrPublish reports that publishing the local signal blob to the
	// rendezvous store failed. Fatal to the session.
	ErrPublish = errors.New("session: publishing local signal failed")

	// ErrConnectTimeout reports that the transport did not connect
	// within the configured bound. Fatal to the session.
	ErrConnectTimeout = errors.New("session: transport connect timed out")
)

// Config assembles a session's capabilities. Store, Transport, and
// Keys are injected so tests and embedders choose the implementations.
type Config struct {
	// Room is the rendezvous room ID shared by both participants.
	// Required.
	Room string

	// Role determines publish/discover ordering. The two participants
	// of a room must take opposite roles.
	Role Role

	// Store is the rendezvous store client. Required.
	Store signalstore.Store

	// Transport is this participant's peer transport, constructed for
	// the matching role. Required.
	Transport transport.Transport

	// Keys generates the key pair for the security handshake.
	// Required.
	Keys keyexchange.Agreement

	// PollInterval is the discovery poll period. Zero means
	// discovery.DefaultInterval.
	PollInterval time.Duration

	// ConnectTimeout bounds transport connection establishment,
	// measured from the moment the counterpart's signal is accepted.
	// Zero means DefaultConnectTimeout; negative disables the bound.
	ConnectTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handlers carries the callbacks a session drives. All fields are
// optional. The session invokes its handlers sequentially, never
// concurrently with one another.
type Handlers struct {
	// PeerConnected fires once when the transport connection is
	// established, before the security handshake runs.
	PeerConnected func()

	// Ready fires once when public keys have been exchanged in both
	// directions and Send may be called.
	Ready func()

	// Data receives each application payload from the peer. Payloads
	// that arrive before Ready are buffered and delivered, in order,
	// right after the Ready handler fires.
	Data func(payload []byte)

	// Failed fires at most once, with the error that moved the session
	// to StateFailed. No other handler fires afterward.
	Failed func(err error)
}

// controlEnvelope is the security-handshake message. The PublicKey
// field doubles as the multiplexing discriminator on the shared data
// channel: a payload that decodes as a JSON object carrying it is a
// control message, everything else is application data.
type controlEnvelope struct {
	PublicKey string `json:"publicKey"`
}

// Session drives one two-party rendezvous: publish the local signal,
// discover the counterpart's, connect the transport, exchange public
// keys, then relay application data. One Session per collaboration
// attempt; a Session cannot be restarted after Close or failure.
//
// All state transitions run on a single internal event goroutine, so
// discovery results, transport events, and timer expiry never
// interleave.
type Session struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock
	poller *discovery.Poller

	mu           sync.Mutex
	state        State
	started      bool
	closed       bool
	ctx          context.Context
	handlers     Handlers
	ownBlob      []byte
	peerBlob     []byte
	keyPair      *keyexchange.KeyPair
	keySent      bool
	remoteKey    *[keyexchange.PublicKeySize]byte
	pending      [][]byte
	connectTimer *clock.Timer

	events      chan func()
	done        chan struct{}
	closeOnce   sync.Once
	releaseOnce sync.Once
}

// New validates cfg and creates a Session in StateIdle. Nothing runs
// until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Room == "" {
		return nil, fmt.Errorf("session: Config.Room is required")
	}
	if cfg.Role != RoleInitiator && cfg.Role != RoleJoinee {
		return nil, fmt.Errorf("session: unknown role %d", cfg.Role)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: Config.Store is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: Config.Transport is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("session: Config.Keys is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("room", cfg.Room, "role", cfg.Role.String()),
		clk:    cfg.Clock,
		state:  StateIdle,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
	}

	poller, err := discovery.New(discovery.Config{
		Store:    cfg.Store,
		Room:     cfg.Room,
		Interval: cfg.PollInterval,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		OnPeer: func(blob []byte) {
			s.dispatch(func() { s.onPeerSignal(blob) })
		},
	})
	if err != nil {
		return nil, err
	}
	s.poller = poller
	return s, nil
}

// Start begins the handshake. The joinee's discovery loop starts as
// soon as the transport is running; the initiator's starts once its
// offer is published, so the initiator always publishes before its
// first poll. Start may be called once.
func (s *Session) Start(ctx context.Context, handlers Handlers) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session: closed")
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session: Start called twice")
	}
	s.started = true
	s.handlers = handlers
	s.ctx = ctx
	s.state = StateOfferPending
	s.mu.Unlock()

	go s.loop()

	s.logger.Info("session starting")

	// The transport must be running before discovery: the immediate
	// first poll can find a pre-published counterpart offer, and the
	// resulting AcceptRemoteSignal is only valid after Transport.Start.
	if err := s.cfg.Transport.Start(ctx, transport.Handlers{
		LocalSignal: func(blob []byte) {
			s.dispatch(func() { s.onLocalSignal(blob) })
		},
		Connected: func() {
			s.dispatch(s.onConnected)
		},
		Data: func(payload []byte) {
			s.dispatch(func() { s.onTransportData(payload) })
		},
		Error: func(err error) {
			s.dispatch(func() {
				s.fail(fmt.Errorf("session: transport error: %w", err))
			})
		},
	}); err != nil {
		return fmt.Errorf("session: starting transport: %w", err)
	}

	if s.cfg.Role == RoleJoinee {
		s.poller.Start(ctx)
	}
	return nil
}

// Send transmits an application payload to the peer. Fails with
// ErrNotReady until the session reaches StateReady; payloads are never
// queued on the sender side.
func (s *Session) Send(payload []byte) error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	return s.cfg.Transport.Send(payload)
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteSignal returns the counterpart blob this session accepted, or
// nil if no peer has been discovered yet.
func (s *Session) RemoteSignal() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerBlob == nil {
		return nil
	}
	copied := make([]byte, len(s.peerBlob))
	copy(copied, s.peerBlob)
	return copied
}

// KeyPair returns the session's key pair once generated. Nil before
// the security handshake starts.
func (s *Session) KeyPair() *keyexchange.KeyPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyPair
}

// RemoteKey returns the counterpart's public key once recorded.
func (s *Session) RemoteKey() (key [keyexchange.PublicKeySize]byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteKey == nil {
		return key, false
	}
	return *s.remoteKey, true
}

// Close tears the session down: discovery stops, the transport closes,
// and the room's store entry is cleared so a stale offer cannot
// confuse a future joiner of the same room. Idempotent. No new handler
// is dispatched after Close returns; a handler already in flight may
// still complete.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.release()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Store.ForceClear(ctx, s.cfg.Room); err != nil {
			s.logger.Warn("clearing room entry on close failed", "error", err)
		}

		close(s.done)
	})
	return nil
}

// release stops the timer, the poller, and the transport. Safe to call
// from both the failure path and Close.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		timer := s.connectTimer
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		s.poller.Stop()
		if err := s.cfg.Transport.Close(); err != nil {
			s.logger.Warn("transport close failed", "error", err)
		}
	})
}

// onLocalSignal publishes the transport's blob to the rendezvous store
// and ensures discovery is running. For the initiator this fires soon
// after Start; for the joinee it fires after the offer is accepted, so
// the session may already be past OfferPending.
func (s *Session) onLocalSignal(blob []byte) {
	if s.terminal() {
		return
	}

	s.mu.Lock()
	s.ownBlob = blob
	ctx := s.ctx
	s.mu.Unlock()

	s.poller.SetOwn(blob)

	if err := s.cfg.Store.Set(ctx, s.cfg.Room, blob); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrPublish, err))
		return
	}
	s.logger.Info("local signal published", "bytes", len(blob))

	s.mu.Lock()
	if s.state == StateOfferPending {
		s.transitionLocked(StateOfferPublished)
	}
	s.mu.Unlock()

	s.poller.Start(ctx)
}

// onPeerSignal hands the first discovered counterpart blob to the
// transport. Later discoveries are ignored for the session's lifetime:
// a room holds exactly two participants, so anything beyond the first
// foreign blob is noise.
func (s *Session) onPeerSignal(blob []byte) {
	if s.terminal() {
		return
	}

	s.mu.Lock()
	if s.state != StateOfferPending && s.state != StateOfferPublished {
		s.mu.Unlock()
		s.logger.Debug("ignoring additional peer signal", "bytes", len(blob))
		return
	}
	s.peerBlob = blob
	s.transitionLocked(StatePeerDiscovered)
	s.mu.Unlock()

	if err := s.cfg.Transport.AcceptRemoteSignal(blob); err != nil {
		s.fail(fmt.Errorf("session: accepting remote signal: %w", err))
		return
	}

	s.mu.Lock()
	s.transitionLocked(StateTransportConnecting)
	timeout := s.cfg.ConnectTimeout
	if timeout > 0 {
		s.connectTimer = s.clk.AfterFunc(timeout, func() {
			s.dispatch(s.onConnectTimeout)
		})
	}
	s.mu.Unlock()
}

func (s *Session) onConnectTimeout() {
	s.mu.Lock()
	connecting := s.state == StateTransportConnecting || s.state == StatePeerDiscovered
	s.mu.Unlock()
	if !connecting {
		return
	}
	s.fail(fmt.Errorf("%w after %s", ErrConnectTimeout, s.cfg.ConnectTimeout))
}

// onConnected runs the local half of the security handshake: generate
// a key pair and send its public half as a control message.
func (s *Session) onConnected() {
	if s.terminal() {
		return
	}

	s.mu.Lock()
	if timer := s.connectTimer; timer != nil {
		timer.Stop()
		s.connectTimer = nil
	}
	s.transitionLocked(StateTransportConnected)
	s.mu.Unlock()

	s.handlers.emitPeerConnected()

	keyPair, err := s.cfg.Keys.GenerateKeyPair()
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.keyPair = keyPair
	s.transitionLocked(StateSecurityPending)
	s.mu.Unlock()

	public := keyPair.Public()
	message, err := json.Marshal(controlEnvelope{
		PublicKey: base64.StdEncoding.EncodeToString(public[:]),
	})
	if err != nil {
		s.fail(fmt.Errorf("session: encoding handshake message: %w", err))
		return
	}
	if err := s.cfg.Transport.Send(message); err != nil {
		s.fail(fmt.Errorf("session: sending handshake message: %w", err))
		return
	}

	s.mu.Lock()
	s.keySent = true
	s.mu.Unlock()

	s.maybeReady()
}

// onTransportData demultiplexes an incoming payload. A JSON object
// carrying the reserved publicKey field is a handshake control
// message; everything else is application data.
func (s *Session) onTransportData(payload []byte) {
	if s.terminal() {
		return
	}

	// Any JSON object carrying the reserved field is a control
	// message, even when the field's value is unusable: such a payload
	// is a malformed handshake message, not application data.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err == nil {
		if raw, ok := probe[controlKeyField]; ok {
			var encoded string
			if err := json.Unmarshal(raw, &encoded); err != nil {
				s.logger.Warn("malformed handshake message dropped",
					"decode_error", err,
				)
				return
			}
			s.onControlMessage(encoded)
			return
		}
	}

	s.mu.Lock()
	ready := s.state == StateReady
	if !ready {
		s.pending = append(s.pending, payload)
	}
	s.mu.Unlock()

	if ready {
		s.handlers.emitData(payload)
	}
}

// onControlMessage records the counterpart's public key. A key that
// fails to decode is a malformed message: reported, dropped, and never
// fatal.
func (s *Session) onControlMessage(encoded string) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != keyexchange.PublicKeySize {
		s.logger.Warn("malformed handshake message dropped",
			"decode_error", err,
			"key_bytes", len(raw),
		)
		return
	}

	var key [keyexchange.PublicKeySize]byte
	copy(key[:], raw)

	s.mu.Lock()
	if s.remoteKey != nil {
		s.mu.Unlock()
		s.logger.Debug("remote public key already recorded, ignoring")
		return
	}
	s.remoteKey = &key
	s.mu.Unlock()

	s.logger.Info("remote public key recorded")
	s.maybeReady()
}

// maybeReady promotes the session to Ready once the local key has been
// sent and the remote key recorded, then flushes any application
// payloads that arrived early.
func (s *Session) maybeReady() {
	s.mu.Lock()
	if s.state != StateSecurityPending || !s.keySent || s.remoteKey == nil {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateReady)
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.handlers.emitReady()
	for _, payload := range buffered {
		s.handlers.emitData(payload)
	}
}

// fail moves the session to StateFailed, releases its resources, and
// fires the failure handler. At most one failure is surfaced; later
// errors on an already-failed session are dropped.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateFailed || s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	s.logger.Error("session failed", "error", err)
	s.release()
	s.handlers.emitFailed(err)
}

// terminal reports whether events should be discarded: the session
// failed or was closed.
func (s *Session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateFailed || s.closed
}

// transitionLocked advances the state. Caller holds s.mu.
func (s *Session) transitionLocked(next State) {
	previous := s.state
	s.state = next
	s.logger.Debug("state transition",
		"from", previous.String(),
		"to", next.String(),
	)
}

// dispatch queues f for sequential execution by the event loop.
// Dropped once the session is closed.
func (s *Session) dispatch(f func()) {
	select {
	case s.events <- f:
	case <-s.done:
	}
}

// loop applies queued events one at a time, so a poll result is never
// processed while a transport event is being applied.
func (s *Session) loop() {
	for {
		select {
		case f := <-s.events:
			f()
		case <-s.done:
			return
		}
	}
}

func (h Handlers) emitPeerConnected() {
	if h.PeerConnected != nil {
		h.PeerConnected()
	}
}

func (h Handlers) emitReady() {
	if h.Ready != nil {
		h.Ready()
	}
}

func (h Handlers) emitData(payload []byte) {
	if h.Data != nil {
		h.Data(payload)
	}
}

func (h Handlers) emitFailed(err error) {
	if h.Failed != nil {
		h.Failed(err)
	}
}
