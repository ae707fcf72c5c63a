package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bridgecommand/wa-slack-bridge/internal/state"
	"github.com/bridgecommand/wa-slack-bridge/internal/store"
)

// CommandHandler reacts to inbound control commands. PING is absorbed by the
// server itself.
type CommandHandler interface {
	HandleInit(ctx context.Context, botToken, appToken string)
	HandleUpsertBridge(ctx context.Context, bridge store.Bridge)
	HandleDeleteBridge(ctx context.Context, id string)
	HandleToggleBridge(ctx context.Context, id string, active bool)
	HandleReset(ctx context.Context)
}

// Server accepts the administrative WebSocket connection and fans outbound
// events to it. One connection is active at a time; a newer connection
// replaces the older one. Publishing with no connection attached is a no-op.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	handler CommandHandler
}

// NewServer creates a control server. The handler is attached later via
// SetHandler so the orchestrator can be built on top of the server.
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger: logger.With("component", "control"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The front end is served from its own origin during development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetHandler attaches the command handler.
func (s *Server) SetHandler(h CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// ServeHTTP upgrades the request and runs the read loop until the connection
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		s.logger.Info("replacing existing control connection")
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("control connection established", "remote", conn.RemoteAddr().String())
	s.readLoop(r.Context(), conn)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info("control connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("control connection read error", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Warn("malformed control command", "error", err)
			continue
		}
		s.dispatch(ctx, cmd)
	}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		s.logger.Warn("control command received before handler attached", "type", cmd.Type)
		return
	}

	switch cmd.Type {
	case CmdPing:
		// keepalive

	case CmdInit:
		var p InitPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			s.logger.Warn("malformed INIT payload", "error", err)
			return
		}
		handler.HandleInit(ctx, p.SlackToken, p.SlackAppToken)

	case CmdUpsertBridge:
		var b store.Bridge
		if err := json.Unmarshal(cmd.Payload, &b); err != nil {
			s.logger.Warn("malformed UPSERT_BRIDGE payload", "error", err)
			return
		}
		handler.HandleUpsertBridge(ctx, b)

	case CmdDeleteBridge:
		var p DeleteBridgePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.ID == "" {
			s.logger.Warn("malformed DELETE_BRIDGE payload", "error", err)
			return
		}
		handler.HandleDeleteBridge(ctx, p.ID)

	case CmdToggleBridge:
		var p ToggleBridgePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.ID == "" {
			s.logger.Warn("malformed TOGGLE_BRIDGE payload", "error", err)
			return
		}
		handler.HandleToggleBridge(ctx, p.ID, p.Active)

	case CmdReset:
		handler.HandleReset(ctx)

	default:
		s.logger.Warn("unknown control command", "type", cmd.Type)
	}
}

func (s *Server) send(eventType string, ev any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteJSON(ev); err != nil {
		s.logger.Warn("failed to write control event", "type", eventType, "error", err)
	}
}

// PublishState sends a STATE_CHANGE event with the wire label of the state.
func (s *Server) PublishState(st state.State) {
	s.send(EventStateChange, stateEvent{Type: EventStateChange, State: st.WireName()})
}

// PublishQR sends the pairing payload as-is.
func (s *Server) PublishQR(qr string) {
	s.send(EventQRCode, qrEvent{Type: EventQRCode, QR: qr})
}

// PublishGroups sends the current WhatsApp group list.
func (s *Server) PublishGroups(groups []Group) {
	if groups == nil {
		groups = []Group{}
	}
	s.send(EventGroupsList, groupsEvent{Type: EventGroupsList, Groups: groups})
}

// PublishBridges sends the current bridge list.
func (s *Server) PublishBridges(bridges []store.Bridge) {
	if bridges == nil {
		bridges = []store.Bridge{}
	}
	s.send(EventBridgesList, bridgesEvent{Type: EventBridgesList, Bridges: bridges})
}

// PublishTraffic sends one TRAFFIC notification for a relayed message.
func (s *Server) PublishTraffic(platform, sender, content string) {
	s.send(EventTraffic, trafficEvent{Type: EventTraffic, Traffic: TrafficEntry{
		ID:        uuid.NewString(),
		Platform:  platform,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}})
}

// PublishLog sends a structured LOG event.
func (s *Server) PublishLog(level, source, message string) {
	s.send(EventLog, logEvent{Type: EventLog, Entry: LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Message:   message,
		Source:    source,
	}})
}
