// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package session orchestrates one two-party rendezvous: it publishes
// the local transport signal to a shared store, discovers the
// counterpart's signal by polling, drives the transport to a direct
// connection, and exchanges public keys before declaring the channel
// ready for application data.
//
// A [Session] is built from injected capabilities (a
// [signalstore.Store], a [transport.Transport], and a
// [keyexchange.Agreement]) plus a room ID and a [Role]. The two
// participants of a room take opposite roles, which fixes the
// ordering: the initiator publishes its offer before it starts
// discovering, the joinee discovers first and publishes its answer
// only after accepting the offer. The discovery loop's immediate first
// poll closes the race either way round.
//
// The handshake advances through the [State] sequence Idle,
// OfferPending, OfferPublished, PeerDiscovered, TransportConnecting,
// TransportConnected, SecurityPending, Ready. Any unrecoverable error
// moves the session to the terminal Failed state and fires the Failed
// handler exactly once.
//
// Application payloads and handshake control messages share the
// transport's single data channel. A payload that decodes as a JSON
// object with the reserved publicKey field is a control message;
// everything else is handed to the Data handler. Payloads arriving
// before Ready are buffered and flushed in order once both public keys
// are exchanged.
package session
