// Package control implements the WebSocket control channel used by the
// administrative front end: inbound commands and outbound event notifications.
package control

import (
	"encoding/json"

	"github.com/bridgecommand/wa-slack-bridge/internal/store"
)

// Inbound command types.
const (
	CmdPing         = "PING"
	CmdInit         = "INIT"
	CmdUpsertBridge = "UPSERT_BRIDGE"
	CmdDeleteBridge = "DELETE_BRIDGE"
	CmdToggleBridge = "TOGGLE_BRIDGE"
	CmdReset        = "RESET"
)

// Outbound event types.
const (
	EventStateChange = "STATE_CHANGE"
	EventLog         = "LOG"
	EventQRCode      = "QR_CODE"
	EventGroupsList  = "GROUPS_LIST"
	EventBridgesList = "BRIDGES_LIST"
	EventTraffic     = "TRAFFIC"
)

// Log levels carried in LOG events.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelDebug   = "debug"
)

// Command is an inbound control message. The payload shape depends on Type.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload carries the Slack credentials supplied by the front end.
type InitPayload struct {
	SlackToken    string `json:"slackToken"`
	SlackAppToken string `json:"slackAppToken"`
}

// DeleteBridgePayload names the bridge to remove.
type DeleteBridgePayload struct {
	ID string `json:"id"`
}

// ToggleBridgePayload flips a bridge's active flag.
type ToggleBridgePayload struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// LogEntry is the payload of a LOG event.
type LogEntry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Source    string `json:"source"`
}

// Group describes one WhatsApp group in a GROUPS_LIST event.
type Group struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participantCount"`
	LastMessageTime  int64  `json:"lastMessageTime"`
}

// TrafficEntry is the payload of a TRAFFIC event, one per relayed message.
type TrafficEntry struct {
	ID        string `json:"id"`
	Platform  string `json:"platform"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Traffic platforms.
const (
	PlatformWhatsApp = "whatsapp"
	PlatformSlack    = "slack"
)

// Log event sources.
const (
	SourceWhatsApp = "whatsapp"
	SourceSlack    = "slack"
	SourceBridge   = "bridge"
	SourceSystem   = "system"
)

// Outbound events carry their fields at the top level of the message, next
// to the type discriminator; only inbound commands nest under payload.

type stateEvent struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type logEvent struct {
	Type  string   `json:"type"`
	Entry LogEntry `json:"entry"`
}

type qrEvent struct {
	Type string `json:"type"`
	QR   string `json:"qr"`
}

type groupsEvent struct {
	Type   string  `json:"type"`
	Groups []Group `json:"groups"`
}

type bridgesEvent struct {
	Type    string         `json:"type"`
	Bridges []store.Bridge `json:"bridges"`
}

type trafficEvent struct {
	Type    string       `json:"type"`
	Traffic TrafficEntry `json:"traffic"`
}
