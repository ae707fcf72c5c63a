package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMachine(t *testing.T) {
	m := NewMachine()
	require.NotNil(t, m)

	state, err := m.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
}

func TestMachine_QRPairingFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	err := m.Fire(ctx, TriggerStart)
	require.NoError(t, err)
	state, _ := m.State(ctx)
	assert.Equal(t, StateInitializing, state)

	// Pairing code reported by the session
	err = m.Fire(ctx, TriggerQRReceived)
	require.NoError(t, err)
	state, _ = m.State(ctx)
	assert.Equal(t, StateWaitingForQR, state)

	// Codes rotate while waiting
	err = m.Fire(ctx, TriggerQRReceived)
	require.NoError(t, err)
	state, _ = m.State(ctx)
	assert.Equal(t, StateWaitingForQR, state)

	err = m.Fire(ctx, TriggerConnected)
	require.NoError(t, err)
	state, _ = m.State(ctx)
	assert.Equal(t, StateAuthenticated, state)
}

func TestMachine_DirectAuthFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	// Existing session skips the QR step entirely
	_ = m.Fire(ctx, TriggerStart)
	err := m.Fire(ctx, TriggerConnected)
	require.NoError(t, err)
	state, _ := m.State(ctx)
	assert.Equal(t, StateAuthenticated, state)
}

func TestMachine_GroupFetchOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		want    State
	}{
		{name: "active bridge targets known group", trigger: TriggerGroupsBridged, want: StateBridging},
		{name: "no bridge target yet", trigger: TriggerGroupsListed, want: StateGroupSelection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewMachine()
			_ = m.Fire(ctx, TriggerStart)
			_ = m.Fire(ctx, TriggerConnected)
			_ = m.Fire(ctx, TriggerFetchGroups)

			state, _ := m.State(ctx)
			assert.Equal(t, StateFetchingGroups, state)

			err := m.Fire(ctx, tt.trigger)
			require.NoError(t, err)
			state, _ = m.State(ctx)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestMachine_BridgeActivatedFromSelection(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	_ = m.Fire(ctx, TriggerStart)
	_ = m.Fire(ctx, TriggerConnected)
	_ = m.Fire(ctx, TriggerFetchGroups)
	_ = m.Fire(ctx, TriggerGroupsListed)

	err := m.Fire(ctx, TriggerBridgeActivated)
	require.NoError(t, err)
	state, _ := m.State(ctx)
	assert.Equal(t, StateBridging, state)
}

func TestMachine_ConnectionLostFromAnyLiveState(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(ctx context.Context, m *Machine)
		fromState State
	}{
		{
			name:      "from initializing",
			setupFunc: func(ctx context.Context, m *Machine) { _ = m.Fire(ctx, TriggerStart) },
			fromState: StateInitializing,
		},
		{
			name: "from waiting_for_qr",
			setupFunc: func(ctx context.Context, m *Machine) {
				_ = m.Fire(ctx, TriggerStart)
				_ = m.Fire(ctx, TriggerQRReceived)
			},
			fromState: StateWaitingForQR,
		},
		{
			name: "from authenticated",
			setupFunc: func(ctx context.Context, m *Machine) {
				_ = m.Fire(ctx, TriggerStart)
				_ = m.Fire(ctx, TriggerConnected)
			},
			fromState: StateAuthenticated,
		},
		{
			name: "from bridging",
			setupFunc: func(ctx context.Context, m *Machine) {
				_ = m.Fire(ctx, TriggerStart)
				_ = m.Fire(ctx, TriggerConnected)
				_ = m.Fire(ctx, TriggerFetchGroups)
				_ = m.Fire(ctx, TriggerGroupsBridged)
			},
			fromState: StateBridging,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewMachine()
			tt.setupFunc(ctx, m)

			state, _ := m.State(ctx)
			assert.Equal(t, tt.fromState, state)

			err := m.Fire(ctx, TriggerConnectionLost)
			require.NoError(t, err)
			state, _ = m.State(ctx)
			assert.Equal(t, StateInitializing, state)
		})
	}
}

func TestMachine_LoggedOutIsTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	_ = m.Fire(ctx, TriggerStart)
	_ = m.Fire(ctx, TriggerConnected)

	err := m.Fire(ctx, TriggerLoggedOut)
	require.NoError(t, err)
	state, _ := m.State(ctx)
	assert.Equal(t, StateError, state)
	assert.True(t, state.IsTerminal())

	// Lifecycle triggers are rejected until an explicit start or reset
	assert.Error(t, m.Fire(ctx, TriggerConnected))
	assert.Error(t, m.Fire(ctx, TriggerConnectionLost))

	err = m.Fire(ctx, TriggerStart)
	require.NoError(t, err)
	state, _ = m.State(ctx)
	assert.Equal(t, StateInitializing, state)
}

func TestMachine_ResetFromAnyState(t *testing.T) {
	setups := map[string]func(ctx context.Context, m *Machine){
		"disconnected": func(ctx context.Context, m *Machine) {},
		"initializing": func(ctx context.Context, m *Machine) { _ = m.Fire(ctx, TriggerStart) },
		"waiting_for_qr": func(ctx context.Context, m *Machine) {
			_ = m.Fire(ctx, TriggerStart)
			_ = m.Fire(ctx, TriggerQRReceived)
		},
		"bridging": func(ctx context.Context, m *Machine) {
			_ = m.Fire(ctx, TriggerStart)
			_ = m.Fire(ctx, TriggerConnected)
			_ = m.Fire(ctx, TriggerFetchGroups)
			_ = m.Fire(ctx, TriggerGroupsBridged)
		},
		"error": func(ctx context.Context, m *Machine) { _ = m.Fire(ctx, TriggerLoggedOut) },
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewMachine()
			setup(ctx, m)

			err := m.Fire(ctx, TriggerReset)
			require.NoError(t, err)
			state, _ := m.State(ctx)
			assert.Equal(t, StateInitializing, state)
		})
	}
}

func TestMachine_IdempotentStart(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	_ = m.Fire(ctx, TriggerStart)

	// A second start while already initializing must be rejected
	canStart, err := m.CanFire(ctx, TriggerStart)
	require.NoError(t, err)
	assert.False(t, canStart)
}

func TestMachine_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	err := m.Fire(ctx, TriggerGroupsBridged)
	assert.Error(t, err)
}

func TestMachine_WireNames(t *testing.T) {
	assert.Equal(t, "WAITING_FOR_QR", StateWaitingForQR.WireName())
	assert.Equal(t, "GROUP_SELECTION", StateGroupSelection.WireName())
	assert.Equal(t, "ERROR", StateError.WireName())
}

func TestMachine_OnTransitionCallback(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	var transitions []struct {
		from    State
		to      State
		trigger Trigger
	}

	m.OnTransition(func(ctx context.Context, from, to State, trigger Trigger) {
		transitions = append(transitions, struct {
			from    State
			to      State
			trigger Trigger
		}{from, to, trigger})
	})

	_ = m.Fire(ctx, TriggerStart)
	_ = m.Fire(ctx, TriggerConnected)
	_ = m.Fire(ctx, TriggerFetchGroups)

	require.Len(t, transitions, 3)
	assert.Equal(t, StateDisconnected, transitions[0].from)
	assert.Equal(t, StateInitializing, transitions[0].to)
	assert.Equal(t, TriggerStart, transitions[0].trigger)
}
