// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package keyexchange

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateKeyPairsAreDistinct(t *testing.T) {
	a, err := NaCl().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b, err := NaCl().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if a.Public() == b.Public() {
		t.Fatal("two generated key pairs share a public key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, _ := NaCl().GenerateKeyPair()
	bob, _ := NaCl().GenerateKeyPair()

	sealed, err := alice.Seal([]byte("application payload"), bob.Public())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := bob.Open(sealed, alice.Public())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, []byte("application payload")) {
		t.Errorf("Open = %q, want original payload", opened)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	alice, _ := NaCl().GenerateKeyPair()
	bob, _ := NaCl().GenerateKeyPair()

	sealed, err := alice.Seal([]byte("payload"), bob.Public())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := bob.Open(sealed, alice.Public()); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open of tampered message = %v, want ErrDecrypt", err)
	}
}

func TestOpenRejectsWrongPeer(t *testing.T) {
	alice, _ := NaCl().GenerateKeyPair()
	bob, _ := NaCl().GenerateKeyPair()
	mallory, _ := NaCl().GenerateKeyPair()

	sealed, err := alice.Seal([]byte("payload"), bob.Public())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := bob.Open(sealed, mallory.Public()); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open with wrong peer key = %v, want ErrDecrypt", err)
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	alice, _ := NaCl().GenerateKeyPair()
	bob, _ := NaCl().GenerateKeyPair()

	if _, err := bob.Open([]byte("short"), alice.Public()); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open of truncated message = %v, want ErrDecrypt", err)
	}
}
