// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueRoom returns a room ID of the form "prefix-N" with N
// monotonically increasing. Tests sharing a store backend use this to
// keep their rooms from colliding.
func UniqueRoom(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
