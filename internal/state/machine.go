package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with the session lifecycle rules:
// one path from Disconnected through QR pairing to Bridging, a connection-lost
// edge from every live state back to Initializing, a terminal Error state on
// logout, and a Reset edge from everywhere.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine() *Machine {
	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(StateDisconnected)

	sm.Configure(StateDisconnected).
		Permit(TriggerStart, StateInitializing).
		Permit(TriggerReset, StateInitializing).
		Permit(TriggerLoggedOut, StateError)

	sm.Configure(StateInitializing).
		Permit(TriggerQRReceived, StateWaitingForQR).
		Permit(TriggerConnected, StateAuthenticated).
		PermitReentry(TriggerConnectionLost).
		PermitReentry(TriggerReset).
		Permit(TriggerLoggedOut, StateError)

	sm.Configure(StateWaitingForQR).
		PermitReentry(TriggerQRReceived). // pairing codes rotate
		Permit(TriggerConnected, StateAuthenticated).
		Permit(TriggerConnectionLost, StateInitializing).
		Permit(TriggerReset, StateInitializing).
		Permit(TriggerLoggedOut, StateError)

	sm.Configure(StateAuthenticated).
		Permit(TriggerFetchGroups, StateFetchingGroups).
		Permit(TriggerConnectionLost, StateInitializing).
		Permit(TriggerReset, StateInitializing).
		Permit(TriggerLoggedOut, StateError)

	sm.Configure(StateFetchingGroups).
		Permit(TriggerGroupsBridged, StateBridging).
		Permit(TriggerGroupsListed, StateGroupSelection).
		Permit(TriggerConnectionLost, StateInitializing).
		Permit(TriggerReset, StateInitializing).
		Permit(TriggerLoggedOut, StateError)

	sm.Configure(StateGroupSelection).
		Permit(TriggerBridgeActivated, StateBridging).
		Permit(TriggerConnectionLost, StateInitializing).
		Permit(TriggerReset, StateInitializing).
		Permit(TriggerLoggedOut, StateError)

	sm.Configure(StateBridging).
		Permit(TriggerConnectionLost, StateInitializing).
		Permit(TriggerReset, StateInitializing).
		Permit(TriggerLoggedOut, StateError)

	sm.Configure(StateError).
		Permit(TriggerStart, StateInitializing).
		Permit(TriggerReset, StateInitializing)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	return m.sm.FireCtx(ctx, trigger, args...)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger, args ...any) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger, args...)
}

// IsInState returns true if the machine is in the specified state.
func (m *Machine) IsInState(ctx context.Context, state State) (bool, error) {
	currentState, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	return currentState == state, nil
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}

// IsBridging returns true if the session is actively relaying.
func (m *Machine) IsBridging() bool {
	return m.MustState() == StateBridging
}
