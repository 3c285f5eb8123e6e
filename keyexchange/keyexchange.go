// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyexchange provides the asymmetric-key capability for the
// post-connect security handshake: Curve25519 key pairs via NaCl box,
// with authenticated encryption helpers for callers that want to
// protect payloads with the exchanged keys.
//
// The session layer only requires key generation and the public half;
// Seal and Open complete the capability so applications can encrypt
// end-to-end once both publics are known. The private half never
// leaves the KeyPair.
package keyexchange

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// PublicKeySize is the length of a Curve25519 public key in bytes.
const PublicKeySize = 32

// nonceSize is the NaCl box nonce length prefixed to sealed messages.
const nonceSize = 24

// ErrKeyGen reports that key pair generation failed. Fatal to a
// session: without a key pair the security handshake cannot run.
var ErrKeyGen = errors.New("keyexchange: key generation failed")

// ErrDecrypt reports that a sealed message failed authentication or
// was truncated.
var ErrDecrypt = errors.New("keyexchange: message authentication failed")

// Agreement is the key-agreement capability injected into a session.
type Agreement interface {
	// GenerateKeyPair creates a fresh key pair. Fails with an error
	// matching ErrKeyGen if entropy is unavailable.
	GenerateKeyPair() (*KeyPair, error)
}

// KeyPair holds one party's Curve25519 keys. The private key is
// unexported and only usable through Seal and Open.
type KeyPair struct {
	public  [PublicKeySize]byte
	private [32]byte
}

// Public returns the shareable half of the pair.
func (k *KeyPair) Public() [PublicKeySize]byte { return k.public }

// Seal encrypts and authenticates message for the holder of peer's
// private key. The output is a random nonce followed by the box.
func (k *KeyPair) Seal(message []byte, peer [PublicKeySize]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("keyexchange: generating nonce: %w", err)
	}

	sealed := box.Seal(nonce[:], message, &nonce, &peer, &k.private)
	return sealed, nil
}

// Open authenticates and decrypts a message sealed by peer for this
// key pair. Fails with an error matching ErrDecrypt if the message was
// tampered with, truncated, or sealed for someone else.
func (k *KeyPair) Open(sealed []byte, peer [PublicKeySize]byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the nonce", ErrDecrypt, len(sealed))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	message, ok := box.Open(nil, sealed[nonceSize:], &nonce, &peer, &k.private)
	if !ok {
		return nil, ErrDecrypt
	}
	return message, nil
}

// NaCl returns the production Agreement backed by crypto/rand.
func NaCl() Agreement { return naclAgreement{} }

type naclAgreement struct{}

func (naclAgreement) GenerateKeyPair() (*KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGen, err)
	}
	return &KeyPair{public: *public, private: *private}, nil
}
