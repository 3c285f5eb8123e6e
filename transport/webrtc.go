// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairlink/pairlink/lib/codec"
)

// Compile-time interface check.
var _ Transport = (*WebRTC)(nil)

// dataChannelLabel names the single data channel a session uses.
const dataChannelLabel = "pair"

// gatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before giving up on producing a signal blob.
const gatherTimeout = 15 * time.Second

// signal kinds carried in the CBOR envelope.
const (
	signalKindOffer  = "offer"
	signalKindAnswer = "answer"
)

// signalEnvelope is the wire form of a WebRTC signal blob. Encoded
// with deterministic CBOR so equal signals are equal byte slices.
type signalEnvelope struct {
	Kind string `cbor:"kind"`
	SDP  string `cbor:"sdp"`
}

// WebRTC is the production Transport: one pion PeerConnection carrying
// one ordered data channel. Vanilla ICE: the signal blob is emitted
// only after candidate gathering completes, so each side publishes
// exactly one blob.
type WebRTC struct {
	initiator  bool
	iceServers []webrtc.ICEServer
	logger     *slog.Logger

	mu        sync.Mutex
	started   bool
	accepted  bool
	connected bool
	handlers  Handlers
	pc        *webrtc.PeerConnection
	channel   *webrtc.DataChannel
	ctx       context.Context

	events    chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebRTC creates a WebRTC transport for one session. The initiator
// produces the offer; the other side answers. An empty iceServers
// slice means host candidates only, which works on a shared LAN and in
// tests.
func NewWebRTC(initiator bool, iceServers []webrtc.ICEServer, logger *slog.Logger) *WebRTC {
	return &WebRTC{
		initiator:  initiator,
		iceServers: iceServers,
		logger:     logger,
		events:     make(chan func(), 64),
		closed:     make(chan struct{}),
	}
}

func (t *WebRTC) Start(ctx context.Context, handlers Handlers) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport: Start called twice")
	}
	t.started = true
	t.handlers = handlers
	t.ctx = ctx
	t.mu.Unlock()

	go t.dispatchLoop()

	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("transport: creating PeerConnection: %w", err)
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debug("ICE state change", "state", state.String())
		if state == webrtc.ICEConnectionStateFailed {
			t.dispatch(func() {
				t.handlers.emitError(fmt.Errorf("transport: ICE connection failed"))
			})
		}
	})

	if t.initiator {
		ordered := true
		channel, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			return fmt.Errorf("transport: creating data channel: %w", err)
		}
		t.wireDataChannel(channel)
		go t.produceSignal(ctx, signalKindOffer)
	} else {
		pc.OnDataChannel(func(channel *webrtc.DataChannel) {
			if channel.Label() != dataChannelLabel {
				t.logger.Warn("ignoring unexpected data channel", "label", channel.Label())
				return
			}
			t.wireDataChannel(channel)
		})
	}

	return nil
}

func (t *WebRTC) AcceptRemoteSignal(blob []byte) error {
	var envelope signalEnvelope
	if err := codec.Unmarshal(blob, &envelope); err != nil {
		return fmt.Errorf("transport: decoding remote signal: %w", err)
	}

	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport: AcceptRemoteSignal before Start")
	}
	if t.accepted {
		t.mu.Unlock()
		return fmt.Errorf("transport: remote signal already accepted")
	}
	t.accepted = true
	pc := t.pc
	ctx := t.ctx
	t.mu.Unlock()

	if t.initiator {
		if envelope.Kind != signalKindAnswer {
			return fmt.Errorf("transport: initiator expected answer, got %q", envelope.Kind)
		}
		return pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  envelope.SDP,
		})
	}

	if envelope.Kind != signalKindOffer {
		return fmt.Errorf("transport: joinee expected offer, got %q", envelope.Kind)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  envelope.SDP,
	}); err != nil {
		return err
	}

	go t.produceSignal(ctx, signalKindAnswer)
	return nil
}

func (t *WebRTC) Send(payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	channel, connected := t.channel, t.connected
	t.mu.Unlock()

	if !connected || channel == nil {
		return ErrNotConnected
	}
	return channel.Send(payload)
}

func (t *WebRTC) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})

	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()

	if pc != nil {
		return pc.Close()
	}
	return nil
}

// produceSignal creates the local session description (offer or
// answer), waits for ICE gathering to finish, and emits the complete
// blob through the LocalSignal handler.
func (t *WebRTC) produceSignal(ctx context.Context, kind string) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()

	var description webrtc.SessionDescription
	var err error
	if kind == signalKindOffer {
		description, err = pc.CreateOffer(nil)
	} else {
		description, err = pc.CreateAnswer(nil)
	}
	if err != nil {
		t.dispatch(func() {
			t.handlers.emitError(fmt.Errorf("transport: creating %s: %w", kind, err))
		})
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		t.dispatch(func() {
			t.handlers.emitError(fmt.Errorf("transport: setting local description: %w", err))
		})
		return
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		t.dispatch(func() {
			t.handlers.emitError(fmt.Errorf("transport: ICE gathering timed out after %s", gatherTimeout))
		})
		return
	case <-ctx.Done():
		return
	case <-t.closed:
		return
	}

	blob, err := codec.Marshal(signalEnvelope{
		Kind: kind,
		SDP:  pc.LocalDescription().SDP,
	})
	if err != nil {
		t.dispatch(func() {
			t.handlers.emitError(fmt.Errorf("transport: encoding %s blob: %w", kind, err))
		})
		return
	}

	t.logger.Info("local signal ready", "kind", kind, "bytes", len(blob))
	t.dispatch(func() { t.handlers.emitLocalSignal(blob) })
}

// wireDataChannel hooks the session data channel's open and message
// events into the Transport handlers.
func (t *WebRTC) wireDataChannel(channel *webrtc.DataChannel) {
	t.mu.Lock()
	t.channel = channel
	t.mu.Unlock()

	channel.OnOpen(func() {
		t.logger.Info("data channel open", "label", channel.Label())
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		t.dispatch(func() { t.handlers.emitConnected() })
	})

	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		t.dispatch(func() { t.handlers.emitData(message.Data) })
	})
}

// newPeerConnection creates a pion PeerConnection with loopback
// candidates enabled, so same-machine sessions and test environments
// work without STUN.
func (t *WebRTC) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: t.iceServers,
	})
}

// dispatch queues f for sequential execution by the dispatch loop.
// Dropped if the transport is closed.
func (t *WebRTC) dispatch(f func()) {
	select {
	case t.events <- f:
	case <-t.closed:
	}
}

// dispatchLoop runs queued handler invocations one at a time, so
// handlers never run concurrently with one another.
func (t *WebRTC) dispatchLoop() {
	for {
		select {
		case f := <-t.events:
			f()
		case <-t.closed:
			return
		}
	}
}
