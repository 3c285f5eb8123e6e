// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	// Map iteration order is random in Go; deterministic encoding must
	// still produce identical bytes on every call.
	value := map[string]any{
		"kind": "offer",
		"sdp":  "v=0...",
		"seq":  1,
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs between calls:\n%x\n%x", first, again)
		}
	}
}

func TestUnmarshalIntoAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"a": "b"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if m["a"] != "b" {
		t.Errorf(`m["a"] = %v, want "b"`, m["a"])
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"kind": "offer", "future": true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded struct {
		Kind string `cbor:"kind"`
	}
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Kind != "offer" {
		t.Errorf("Kind = %q, want %q", decoded.Kind, "offer")
	}
}
