// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package signalstore implements the rendezvous store: a slow shared
// key-value service through which two peers that cannot yet talk
// directly exchange connection offers.
//
// The [Store] interface is the capability the rest of pairlink consumes:
// Get returns every blob currently published for a room, Set publishes
// or overwrites the calling participant's blob, and ForceClear removes
// the room entirely. A room holds at most one blob per publisher, and
// pairlink constrains usage to two publishers per room (one initiator,
// one joinee), so last-write-wins per publisher is safe.
//
// Three implementations are provided. [HTTPStore] talks to the
// reference HTTP server (see [Server]) and is the production client.
// [RedisStore] publishes through a Redis hash per room for deployments
// that already run Redis. [MemoryHub] is an in-process backend for
// tests and same-process demos; each participant obtains its own
// [Store] through [MemoryHub.Client].
//
// All implementations report transport-level failures as errors
// matching [ErrUnavailable]. Callers that poll (the discovery loop)
// treat these as transient; callers that publish treat them as fatal.
package signalstore
