// Package router relays messages between WhatsApp groups and Slack channels
// according to the bridge registry, suppressing duplicates and preserving
// thread correlation.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/enescakir/emoji"

	"github.com/bridgecommand/wa-slack-bridge/internal/slackbridge"
	"github.com/bridgecommand/wa-slack-bridge/internal/store"
	"github.com/bridgecommand/wa-slack-bridge/internal/whatsapp"
)

// GroupSession is the WhatsApp side consumed by the router.
type GroupSession interface {
	Ready() bool
	SendText(ctx context.Context, groupJID, text string, quote *store.ReplyRef) (whatsapp.SendResult, error)
	SendMedia(ctx context.Context, groupJID string, kind whatsapp.MediaKind, data []byte, mime, caption string, quote *store.ReplyRef) (whatsapp.SendResult, error)
	DownloadMedia(ctx context.Context, msg whatsapp.Message) ([]byte, error)
}

// ChannelSession is the Slack side consumed by the router.
type ChannelSession interface {
	PostText(ctx context.Context, channelID, text, threadTS string) (string, error)
	UploadFile(ctx context.Context, channelID string, data []byte, filename, title, threadTS string) error
	UserDisplayName(ctx context.Context, userID string) string
	DownloadFile(ctx context.Context, urlPrivate string) ([]byte, error)
}

// Registry answers bridge lookups by endpoint id.
type Registry interface {
	MatchWhatsAppGroup(groupID string) []store.Bridge
	MatchSlackChannel(channelID string) []store.Bridge
}

// Notifier publishes traffic and log events outward.
type Notifier interface {
	PublishTraffic(platform, sender, content string)
	PublishLog(level, source, message string)
}

// Router relays messages in both directions. Each inbound event is handled in
// its own goroutine; per-bridge and per-file failures are isolated.
type Router struct {
	wa       GroupSession
	slack    ChannelSession
	registry Registry
	notifier Notifier
	threads  *store.ThreadStore
	dedup    *store.DedupCache
	log      *slog.Logger
}

// New creates a router.
func New(wa GroupSession, slack ChannelSession, registry Registry, notifier Notifier, threads *store.ThreadStore, dedup *store.DedupCache, log *slog.Logger) *Router {
	return &Router{
		wa:       wa,
		slack:    slack,
		registry: registry,
		notifier: notifier,
		threads:  threads,
		dedup:    dedup,
		log:      log.With("component", "router"),
	}
}

// Run consumes both message streams until the context is cancelled.
func (r *Router) Run(ctx context.Context, waMsgs <-chan whatsapp.Message, slackMsgs <-chan slackbridge.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-waMsgs:
			go r.HandleWhatsAppMessage(ctx, msg)
		case msg := <-slackMsgs:
			go r.HandleSlackMessage(ctx, msg)
		}
	}
}

// HandleWhatsAppMessage relays one inbound WhatsApp group message to Slack.
func (r *Router) HandleWhatsAppMessage(ctx context.Context, msg whatsapp.Message) {
	if msg.FromMe {
		return
	}
	if msg.Text == "" && msg.Media == nil {
		return
	}

	fp := store.Fingerprint(msg.Participant, r.whatsappContent(msg), msg.Timestamp.Unix())
	if r.dedup.CheckAndInsert(fp) {
		r.log.Debug("duplicate message suppressed", "id", msg.ID)
		return
	}

	matches := r.registry.MatchWhatsAppGroup(msg.GroupJID)
	if len(matches) == 0 {
		return
	}

	sender := msg.SenderName
	if sender == "" {
		sender = msg.Participant
	}

	// One traffic notification per inbound event, regardless of how many
	// bridges relay it or whether any of them is currently enabled.
	r.notifier.PublishTraffic("whatsapp", sender, r.whatsappContent(msg))

	var threadTS string
	if msg.QuotedID != "" {
		threadTS, _ = r.threads.SlackThread(msg.QuotedID)
	}

	for _, bridge := range matches {
		if !bridge.Active {
			continue
		}
		r.relayToSlack(ctx, bridge, msg, sender, threadTS)
	}
}

func (r *Router) relayToSlack(ctx context.Context, bridge store.Bridge, msg whatsapp.Message, sender, threadTS string) {
	if msg.Media != nil {
		data, err := r.wa.DownloadMedia(ctx, msg)
		if err != nil {
			r.relayError(bridge, fmt.Errorf("media download failed: %w", err))
			return
		}

		title := fmt.Sprintf("From %s", sender)
		if msg.Text != "" {
			title += ": " + msg.Text
		}
		err = r.slack.UploadFile(ctx, bridge.SlackChannelID, data, mediaFilename(msg.Media), title, threadTS)
		if err != nil {
			r.relayError(bridge, err)
		}
		// Uploads yield no message timestamp, so no correlation is recorded.
		return
	}

	text := fmt.Sprintf("*%s*: %s", sender, msg.Text)
	ts, err := r.slack.PostText(ctx, bridge.SlackChannelID, text, threadTS)
	if err != nil {
		r.relayError(bridge, err)
		return
	}
	r.threads.AddMapping(msg.ID, ts, msg.Participant)
}

// HandleSlackMessage relays one inbound Slack channel message to WhatsApp.
func (r *Router) HandleSlackMessage(ctx context.Context, msg slackbridge.Message) {
	if msg.UserID == "" {
		return
	}

	matches := r.registry.MatchSlackChannel(msg.ChannelID)
	if len(matches) == 0 {
		return
	}

	sender := r.slack.UserDisplayName(ctx, msg.UserID)
	r.notifier.PublishTraffic("slack", sender, r.slackContent(msg))

	if !r.wa.Ready() {
		r.log.Warn("group session not ready, dropping slack message", "ts", msg.TS)
		r.notifier.PublishLog("warning", "bridge", "WhatsApp session not ready, message not relayed")
		return
	}

	var quote *store.ReplyRef
	if msg.ThreadTS != "" {
		if ref, ok := r.threads.WhatsAppRef(msg.ThreadTS); ok {
			quote = &ref
		}
	}

	for _, bridge := range matches {
		if !bridge.Active {
			continue
		}
		r.relayToWhatsApp(ctx, bridge, msg, sender, quote)
	}
}

func (r *Router) relayToWhatsApp(ctx context.Context, bridge store.Bridge, msg slackbridge.Message, sender string, quote *store.ReplyRef) {
	for _, file := range msg.Files {
		kind, ok := mediaKindForMime(file.Mime)
		if !ok {
			continue
		}

		data, err := r.slack.DownloadFile(ctx, file.URLPrivate)
		if err != nil {
			r.relayError(bridge, fmt.Errorf("file download failed: %w", err))
			continue
		}

		caption := fmt.Sprintf("From %s", sender)
		if file.Title != "" {
			caption += ": " + file.Title
		}
		res, err := r.wa.SendMedia(ctx, bridge.WhatsAppGroupID, kind, data, file.Mime, caption, quote)
		if err != nil {
			r.relayError(bridge, err)
			continue
		}
		r.threads.AddMapping(res.MessageID, msg.TS, res.Sender)
	}

	if msg.Text == "" {
		return
	}

	text := fmt.Sprintf("*%s*: %s", sender, emoji.Parse(msg.Text))
	res, err := r.wa.SendText(ctx, bridge.WhatsAppGroupID, text, quote)
	if err != nil {
		r.relayError(bridge, err)
		return
	}
	r.threads.AddMapping(res.MessageID, msg.TS, res.Sender)
}

func (r *Router) relayError(bridge store.Bridge, err error) {
	r.log.Error("relay failed", "bridge_id", bridge.ID, "bridge", bridge.Name, "error", err)
	r.notifier.PublishLog("error", "bridge", fmt.Sprintf("Relay failed on bridge %s: %v", bridge.Name, err))
}

func (r *Router) whatsappContent(msg whatsapp.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	if msg.Media != nil {
		return fmt.Sprintf("[%s]", msg.Media.Kind)
	}
	return ""
}

func (r *Router) slackContent(msg slackbridge.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	if len(msg.Files) > 0 {
		return "[file]"
	}
	return ""
}

func mediaKindForMime(mime string) (whatsapp.MediaKind, bool) {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsapp.MediaImage, true
	case strings.HasPrefix(mime, "video/"):
		return whatsapp.MediaVideo, true
	default:
		return "", false
	}
}

func mediaFilename(m *whatsapp.Media) string {
	switch m.Kind {
	case whatsapp.MediaVideo:
		return "video.mp4"
	default:
		return "image.jpg"
	}
}
