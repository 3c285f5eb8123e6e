// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the peer-transport capability a session
// drives: produce a local offer blob, accept the counterpart's blob,
// and exchange byte payloads once connected.
//
// A [Transport] is constructed for a fixed role. The initiating side
// emits its local signal blob shortly after Start; the joining side
// emits its blob only after accepting the initiator's. Signaling is
// single-shot (one blob in each direction, no incremental updates),
// which is what makes a slow polled rendezvous store a viable channel
// for it.
//
// [WebRTC] is the production implementation: one pion PeerConnection
// with a single ordered data channel, vanilla ICE (all candidates
// gathered before the blob is emitted, so connection establishment
// needs exactly one signaling round trip). Blobs are deterministic
// CBOR envelopes carrying the SDP.
//
// [NewPipe] returns an in-process pair whose blobs are plain byte
// strings, for tests and same-process demos.
package transport
