// Package whatsapp manages the WhatsApp group-chat session using whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bridgecommand/wa-slack-bridge/internal/health"
	"github.com/bridgecommand/wa-slack-bridge/internal/state"
	"github.com/bridgecommand/wa-slack-bridge/internal/store"
)

// Common errors
var (
	ErrNotConnected   = errors.New("not connected to WhatsApp")
	ErrInvalidGroup   = errors.New("invalid group JID")
	ErrResetInFlight  = errors.New("reset already in progress")
	ErrNoMediaContent = errors.New("message carries no downloadable media")
)

// MediaKind classifies relayable media.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Media describes the media part of an inbound message.
type Media struct {
	Kind MediaKind
	Mime string
}

// Message is an inbound group message normalized for routing.
type Message struct {
	ID          string
	GroupJID    string
	Participant string
	SenderName  string
	FromMe      bool
	Text        string
	Media       *Media
	QuotedID    string
	Timestamp   time.Time

	raw *events.Message
}

// SendResult reports the id of a sent message and the sending participant.
type SendResult struct {
	MessageID string
	Sender    string
}

// GroupInfo is one joined group as published to the control channel.
type GroupInfo struct {
	ID               string
	Name             string
	ParticipantCount int
	LastMessageTime  int64
}

// Notifier receives session events destined for the control channel.
type Notifier interface {
	PublishQR(qr string)
	PublishGroups(groups []GroupInfo)
	PublishLog(level, source, message string)
}

// BridgeLookup answers whether any active bridge targets one of the groups.
type BridgeLookup interface {
	HasBridgeForGroup(groupIDs []string) bool
}

// Config holds session construction parameters.
type Config struct {
	StorePath string
	Machine   *state.Machine
	Monitor   *health.Monitor
	Notifier  Notifier
	Bridges   BridgeLookup
}

// Session owns the whatsmeow client and its sqlstore container, drives the
// lifecycle state machine from connection events, and emits normalized
// inbound messages.
type Session struct {
	container *sqlstore.Container
	machine   *state.Machine
	monitor   *health.Monitor
	notifier  Notifier
	bridges   BridgeLookup
	log       *slog.Logger

	// OnQR, when set, additionally receives every pairing code (used by main
	// to render it on the terminal).
	OnQR func(code string)

	mu     sync.RWMutex
	cli    *whatsmeow.Client
	device *wstore.Device

	events    chan Message
	starting  atomic.Bool
	resetting atomic.Bool
}

// NewSession opens the session store at cfg.StorePath and prepares a session.
// The network is not touched until Start.
func NewSession(ctx context.Context, cfg *Config, log *slog.Logger) (*Session, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dbLog := &slogAdapter{log: log.With("component", "whatsmeow-db")}
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", cfg.StorePath), dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	return &Session{
		container: container,
		machine:   cfg.Machine,
		monitor:   cfg.Monitor,
		notifier:  cfg.Notifier,
		bridges:   cfg.Bridges,
		log:       log.With("component", "whatsapp"),
		events:    make(chan Message, 100),
	}, nil
}

// Messages returns the inbound message stream.
func (s *Session) Messages() <-chan Message {
	return s.events
}

// Ready reports whether the session is connected with valid credentials.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cli != nil && s.cli.IsConnected() && s.cli.Store.ID != nil
}

// Start brings the session up. Idempotent: a start while initialization is in
// progress or the session is already live is ignored.
func (s *Session) Start(ctx context.Context) error {
	if !s.starting.CompareAndSwap(false, true) {
		s.log.Debug("start ignored, initialization in progress")
		return nil
	}
	defer s.starting.Store(false)

	if can, _ := s.machine.CanFire(ctx, state.TriggerStart); can {
		_ = s.machine.Fire(ctx, state.TriggerStart)
	} else if s.machine.MustState() != state.StateInitializing {
		s.log.Debug("start ignored", "state", s.machine.MustState())
		return nil
	}

	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device store: %w", err)
	}

	clientLog := &slogAdapter{log: s.log.With("component", "whatsmeow")}
	cli := whatsmeow.NewClient(device, clientLog)
	// Reconnects are owned by the health monitor so reset can cancel them.
	cli.EnableAutoReconnect = false
	cli.AddEventHandler(s.handleEvent)

	s.mu.Lock()
	s.cli = cli
	s.device = device
	s.mu.Unlock()

	if err := cli.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (s *Session) client() *whatsmeow.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cli
}

func (s *Session) handleEvent(evt interface{}) {
	ctx := context.Background()

	switch e := evt.(type) {
	case *events.QR:
		if len(e.Codes) == 0 {
			return
		}
		_ = s.machine.Fire(ctx, state.TriggerQRReceived)
		// Only the first code is currently active; rotation fires a new event.
		code := e.Codes[0]
		s.notifier.PublishQR(code)
		if s.OnQR != nil {
			s.OnQR(code)
		}
		s.log.Info("pairing code published")

	case *events.PairSuccess:
		s.log.Info("pairing successful", "jid", e.ID.String())

	case *events.Connected:
		_ = s.machine.Fire(ctx, state.TriggerConnected)
		s.notifier.PublishLog("success", "whatsapp", "WhatsApp connection established")
		go s.fetchGroups(ctx)

	case *events.Disconnected:
		s.handleDisconnected(ctx)

	case *events.LoggedOut:
		s.handleLoggedOut(ctx)

	case *events.Message:
		s.handleMessage(e)
	}
}

func (s *Session) handleDisconnected(ctx context.Context) {
	if s.resetting.Load() {
		return
	}

	_ = s.machine.Fire(ctx, state.TriggerConnectionLost)
	s.notifier.PublishLog("warning", "whatsapp", "WhatsApp connection lost, reconnecting")
	s.monitor.ScheduleReconnect(func() {
		cli := s.client()
		if cli == nil {
			return
		}
		if err := cli.Connect(); err != nil {
			s.log.Error("reconnect failed", "error", err)
			// A failed dial does not emit a Disconnected event, so rearm here.
			s.handleDisconnected(context.Background())
		}
	})
}

func (s *Session) handleLoggedOut(ctx context.Context) {
	s.monitor.CancelReconnect()
	_ = s.machine.Fire(ctx, state.TriggerLoggedOut)
	s.notifier.PublishLog("error", "whatsapp", "WhatsApp session logged out, reset required")

	s.mu.Lock()
	if s.cli != nil {
		s.cli.Disconnect()
		s.cli = nil
	}
	s.mu.Unlock()
}

// fetchGroups lists joined groups, publishes them, and settles the lifecycle
// into bridging or group selection.
func (s *Session) fetchGroups(ctx context.Context) {
	if can, _ := s.machine.CanFire(ctx, state.TriggerFetchGroups); !can {
		return
	}
	_ = s.machine.Fire(ctx, state.TriggerFetchGroups)

	groups, err := s.ListGroups(ctx)
	if err != nil {
		s.log.Error("failed to fetch groups", "error", err)
		s.notifier.PublishLog("error", "whatsapp", fmt.Sprintf("Failed to fetch groups: %v", err))
		groups = nil
	}
	s.notifier.PublishGroups(groups)

	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	if s.bridges.HasBridgeForGroup(ids) {
		_ = s.machine.Fire(ctx, state.TriggerGroupsBridged)
	} else {
		_ = s.machine.Fire(ctx, state.TriggerGroupsListed)
	}
}

// RefreshGroups republishes the joined group list without touching the
// lifecycle. Used when the front end reconnects to an already-live session.
func (s *Session) RefreshGroups(ctx context.Context) {
	groups, err := s.ListGroups(ctx)
	if err != nil {
		s.log.Error("failed to refresh groups", "error", err)
		return
	}
	s.notifier.PublishGroups(groups)
}

// ListGroups returns all joined groups.
func (s *Session) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	cli := s.client()
	if cli == nil {
		return nil, ErrNotConnected
	}

	joined, err := cli.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	groups := make([]GroupInfo, 0, len(joined))
	for _, g := range joined {
		groups = append(groups, GroupInfo{
			ID:               g.JID.String(),
			Name:             g.Name,
			ParticipantCount: len(g.Participants),
			LastMessageTime:  g.GroupCreated.UnixMilli(),
		})
	}
	return groups, nil
}

func (s *Session) handleMessage(evt *events.Message) {
	if !evt.Info.IsGroup {
		return
	}

	msg := Message{
		ID:          evt.Info.ID,
		GroupJID:    evt.Info.Chat.String(),
		Participant: evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		FromMe:      evt.Info.IsFromMe,
		Timestamp:   evt.Info.Timestamp,
		raw:         evt,
	}

	content := evt.Message
	if content == nil {
		return
	}

	msg.Text = content.GetConversation()
	if ext := content.GetExtendedTextMessage(); ext != nil {
		msg.Text = ext.GetText()
		msg.QuotedID = ext.GetContextInfo().GetStanzaID()
	}
	if img := content.GetImageMessage(); img != nil {
		msg.Media = &Media{Kind: MediaImage, Mime: img.GetMimetype()}
		if msg.Text == "" {
			msg.Text = img.GetCaption()
		}
		msg.QuotedID = img.GetContextInfo().GetStanzaID()
	}
	if vid := content.GetVideoMessage(); vid != nil {
		msg.Media = &Media{Kind: MediaVideo, Mime: vid.GetMimetype()}
		if msg.Text == "" {
			msg.Text = vid.GetCaption()
		}
		msg.QuotedID = vid.GetContextInfo().GetStanzaID()
	}

	s.monitor.RecordMessageReceived()

	select {
	case s.events <- msg:
	default:
		s.log.Warn("message channel full, dropping message", "id", msg.ID)
	}
}

// SendText sends a text message to a group, optionally quoting an earlier
// message.
func (s *Session) SendText(ctx context.Context, groupJID, text string, quote *store.ReplyRef) (SendResult, error) {
	cli := s.client()
	if cli == nil || !s.Ready() {
		return SendResult{}, ErrNotConnected
	}

	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidGroup, err)
	}

	var msg *waE2E.Message
	if quote != nil {
		msg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(text),
				ContextInfo: quoteContext(quote),
			},
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(text)}
	}

	resp, err := cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to send message: %w", err)
	}

	s.monitor.RecordMessageSent()
	return SendResult{MessageID: resp.ID, Sender: s.ownJID()}, nil
}

// SendMedia uploads and sends an image or video to a group.
func (s *Session) SendMedia(ctx context.Context, groupJID string, kind MediaKind, data []byte, mime, caption string, quote *store.ReplyRef) (SendResult, error) {
	cli := s.client()
	if cli == nil || !s.Ready() {
		return SendResult{}, ErrNotConnected
	}

	jid, err := types.ParseJID(groupJID)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidGroup, err)
	}

	var msg *waE2E.Message
	switch kind {
	case MediaVideo:
		uploaded, err := cli.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return SendResult{}, fmt.Errorf("failed to upload video: %w", err)
		}
		msg = &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mime),
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uint64(len(data))),
				ContextInfo:   quoteContext(quote),
			},
		}
	default:
		uploaded, err := cli.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return SendResult{}, fmt.Errorf("failed to upload image: %w", err)
		}
		msg = &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mime),
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uint64(len(data))),
				ContextInfo:   quoteContext(quote),
			},
		}
	}

	resp, err := cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to send media: %w", err)
	}

	s.monitor.RecordMessageSent()
	return SendResult{MessageID: resp.ID, Sender: s.ownJID()}, nil
}

// DownloadMedia fetches the media payload of an inbound message.
func (s *Session) DownloadMedia(ctx context.Context, msg Message) ([]byte, error) {
	cli := s.client()
	if cli == nil {
		return nil, ErrNotConnected
	}
	if msg.raw == nil || msg.raw.Message == nil {
		return nil, ErrNoMediaContent
	}

	if img := msg.raw.Message.GetImageMessage(); img != nil {
		return cli.Download(ctx, img)
	}
	if vid := msg.raw.Message.GetVideoMessage(); vid != nil {
		return cli.Download(ctx, vid)
	}
	return nil, ErrNoMediaContent
}

// Reset tears the session down, deletes the stored device credentials, and
// reconnects from scratch. Single-flight: a reset while one is in progress
// fails fast.
func (s *Session) Reset(ctx context.Context) error {
	if !s.resetting.CompareAndSwap(false, true) {
		return ErrResetInFlight
	}
	defer s.resetting.Store(false)

	s.monitor.CancelReconnect()

	s.mu.Lock()
	cli := s.cli
	device := s.device
	s.cli = nil
	s.device = nil
	s.mu.Unlock()

	if cli != nil {
		cli.Disconnect()
	}
	if device != nil && device.ID != nil {
		if err := s.container.DeleteDevice(ctx, device); err != nil {
			s.log.Error("failed to delete device credentials", "error", err)
		}
	}

	_ = s.machine.Fire(ctx, state.TriggerReset)
	s.notifier.PublishLog("info", "whatsapp", "Session reset, re-authentication required")

	return s.connect(ctx)
}

// Close disconnects and releases the session store.
func (s *Session) Close() error {
	s.monitor.CancelReconnect()
	s.mu.Lock()
	if s.cli != nil {
		s.cli.Disconnect()
		s.cli = nil
	}
	s.mu.Unlock()
	return s.container.Close()
}

func (s *Session) ownJID() string {
	cli := s.client()
	if cli == nil || cli.Store.ID == nil {
		return ""
	}
	return cli.Store.ID.ToNonAD().String()
}

func quoteContext(quote *store.ReplyRef) *waE2E.ContextInfo {
	if quote == nil {
		return nil
	}
	return &waE2E.ContextInfo{
		StanzaID:      proto.String(quote.ID),
		Participant:   proto.String(quote.Participant),
		QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
	}
}

// slogAdapter adapts slog.Logger to whatsmeow's log interface.
type slogAdapter struct {
	log *slog.Logger
}

func (s *slogAdapter) Debugf(msg string, args ...interface{}) {
	s.log.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Infof(msg string, args ...interface{}) {
	s.log.Info(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Warnf(msg string, args ...interface{}) {
	s.log.Warn(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Errorf(msg string, args ...interface{}) {
	s.log.Error(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: s.log.With("module", module)}
}

var _ waLog.Logger = (*slogAdapter)(nil)
