// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package signalstore

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Store = (*memoryClient)(nil)

// MemoryHub is an in-process rendezvous backend for tests and
// same-process demos. Two sessions sharing a MemoryHub can rendezvous
// without any network. Each participant calls [MemoryHub.Client] for
// its own publisher-scoped Store.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[string]map[string][]byte // room → publisher → blob
}

// NewMemoryHub creates an empty in-process backend.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		rooms: make(map[string]map[string][]byte),
	}
}

// Client returns a Store publishing under the given participant ID.
func (h *MemoryHub) Client(publisher string) Store {
	return &memoryClient{hub: h, publisher: publisher}
}

func (h *MemoryHub) get(room string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.rooms[room]
	blobs := make([][]byte, 0, len(entries))
	for _, blob := range entries {
		copied := make([]byte, len(blob))
		copy(copied, blob)
		blobs = append(blobs, copied)
	}
	return blobs
}

func (h *MemoryHub) set(room, publisher string, blob []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, ok := h.rooms[room]
	if !ok {
		entries = make(map[string][]byte)
		h.rooms[room] = entries
	}
	copied := make([]byte, len(blob))
	copy(copied, blob)
	entries[publisher] = copied
}

func (h *MemoryHub) clear(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, room)
}

// memoryClient binds a MemoryHub to one publisher identity.
type memoryClient struct {
	hub       *MemoryHub
	publisher string
}

func (c *memoryClient) Get(_ context.Context, room string) ([][]byte, error) {
	return c.hub.get(room), nil
}

func (c *memoryClient) Set(_ context.Context, room string, blob []byte) error {
	c.hub.set(room, c.publisher, blob)
	return nil
}

func (c *memoryClient) ForceClear(_ context.Context, room string) error {
	c.hub.clear(room)
	return nil
}
