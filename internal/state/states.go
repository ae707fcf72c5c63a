// Package state provides the finite state machine for the WhatsApp session lifecycle.
package state

import "strings"

// State represents a connection state in the bridge lifecycle.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateInitializing   State = "initializing"
	StateWaitingForQR   State = "waiting_for_qr"
	StateAuthenticated  State = "authenticated"
	StateFetchingGroups State = "fetching_groups"
	StateGroupSelection State = "group_selection"
	StateBridging       State = "bridging"

	// Terminal until an explicit start or reset.
	StateError State = "error"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// WireName returns the state label used on the control channel.
func (s State) WireName() string {
	return strings.ToUpper(string(s))
}

// IsTerminal returns true if the state requires an explicit start or reset to leave.
func (s State) IsTerminal() bool {
	return s == StateError
}

// IsAuthenticated returns true once the WhatsApp session holds valid credentials.
func (s State) IsAuthenticated() bool {
	switch s {
	case StateAuthenticated, StateFetchingGroups, StateGroupSelection, StateBridging:
		return true
	default:
		return false
	}
}
