// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package session

// Role fixes a participant's side of the rendezvous. The initiator
// publishes its offer before it starts discovering; the joinee starts
// discovering immediately and publishes its answer only after it has
// accepted the initiator's offer.
type Role int

const (
	RoleInitiator Role = iota
	RoleJoinee
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleJoinee:
		return "joinee"
	default:
		return "unknown"
	}
}

// State is a session's position in the handshake. States advance
// monotonically from Idle to Ready; Failed is terminal and reachable
// from any non-terminal state.
type State int

const (
	// StateIdle is the state before Start.
	StateIdle State = iota

	// StateOfferPending waits for the transport's local signal blob.
	StateOfferPending

	// StateOfferPublished has the local blob in the rendezvous store.
	StateOfferPublished

	// StatePeerDiscovered has accepted the counterpart's blob.
	StatePeerDiscovered

	// StateTransportConnecting waits for the peer connection.
	StateTransportConnecting

	// StateTransportConnected has a live peer connection.
	StateTransportConnected

	// StateSecurityPending exchanges public keys over the connection.
	StateSecurityPending

	// StateReady allows application data in both directions.
	StateReady

	// StateFailed is terminal. The failure handler has fired once and
	// the session's resources are released.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferPending:
		return "offer-pending"
	case StateOfferPublished:
		return "offer-published"
	case StatePeerDiscovered:
		return "peer-discovered"
	case StateTransportConnecting:
		return "transport-connecting"
	case StateTransportConnected:
		return "transport-connected"
	case StateSecurityPending:
		return "security-pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
