// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package signalstore

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the rendezvous store could not be
// reached or answered with a server error. Polling callers retry on
// the next tick; publishing callers surface the failure.
var ErrUnavailable = errors.New("signalstore: store unavailable")

// Store is the rendezvous store capability: a per-participant client
// bound to one publisher identity. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns every blob currently published for the room, in no
	// particular order. An unknown room yields an empty slice, not an
	// error.
	Get(ctx context.Context, room string) ([][]byte, error)

	// Set publishes the calling participant's blob for the room,
	// overwriting any blob this participant published earlier. Blobs
	// from other participants are unaffected.
	Set(ctx context.Context, room string, blob []byte) error

	// ForceClear unconditionally removes the room and every blob in
	// it, regardless of publisher. Used at session teardown so stale
	// offers do not confuse future joiners of the same room ID.
	ForceClear(ctx context.Context, room string) error
}
