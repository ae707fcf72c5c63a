package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerStart           Trigger = "start"
	TriggerQRReceived      Trigger = "qr_received"
	TriggerConnected       Trigger = "connected"
	TriggerFetchGroups     Trigger = "fetch_groups"
	TriggerGroupsBridged   Trigger = "groups_bridged"
	TriggerGroupsListed    Trigger = "groups_listed"
	TriggerBridgeActivated Trigger = "bridge_activated"
	TriggerConnectionLost  Trigger = "connection_lost"
	TriggerLoggedOut       Trigger = "logged_out"
	TriggerReset           Trigger = "reset"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
