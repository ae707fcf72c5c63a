// Package slackbridge manages the Slack side of the bridge: Socket Mode event
// intake and Web API message delivery.
package slackbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// ErrNotStarted is returned when an operation runs before Start.
var ErrNotStarted = errors.New("slack session not started")

// File is an attachment carried by an inbound Slack message.
type File struct {
	ID         string
	Name       string
	Title      string
	Mime       string
	URLPrivate string
}

// Message is an inbound channel message normalized for routing.
type Message struct {
	ChannelID string
	UserID    string
	Text      string
	TS        string
	ThreadTS  string
	Files     []File
}

// Session wraps the Slack Web API client and the Socket Mode connection.
type Session struct {
	api    *slack.Client
	socket *socketmode.Client
	log    *slog.Logger

	events chan Message
}

// NewSession builds a session from the bot and app-level tokens.
func NewSession(botToken, appToken string, log *slog.Logger) *Session {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Session{
		api:    api,
		socket: socketmode.New(api),
		log:    log.With("component", "slack"),
		events: make(chan Message, 100),
	}
}

// Messages returns the inbound message stream.
func (s *Session) Messages() <-chan Message {
	return s.events
}

// Run drives the Socket Mode connection until the context is cancelled. Every
// Events API envelope is acknowledged; message events from users are pushed
// onto the message stream.
func (s *Session) Run(ctx context.Context) error {
	go s.dispatchLoop(ctx)
	return s.socket.RunContext(ctx)
}

func (s *Session) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			s.handleSocketEvent(evt)
		}
	}
}

func (s *Session) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		s.log.Info("slack socket connected")
	case socketmode.EventTypeConnectionError:
		s.log.Warn("slack socket connection error")
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			s.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		msgEvent, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok {
			return
		}
		s.handleMessageEvent(msgEvent)
	}
}

func (s *Session) handleMessageEvent(ev *slackevents.MessageEvent) {
	// Bot echoes and channel housekeeping (joins, topic changes, edits) are
	// not relayable traffic.
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	msg := Message{
		ChannelID: ev.Channel,
		UserID:    ev.User,
		Text:      ev.Text,
		TS:        ev.TimeStamp,
		ThreadTS:  ev.ThreadTimeStamp,
	}
	for _, f := range ev.Files {
		msg.Files = append(msg.Files, File{
			ID:         f.ID,
			Name:       f.Name,
			Title:      f.Title,
			Mime:       f.Mimetype,
			URLPrivate: f.URLPrivate,
		})
	}

	select {
	case s.events <- msg:
	default:
		s.log.Warn("slack message channel full, dropping message", "ts", msg.TS)
	}
}

// PostText posts a text message, optionally into a thread, and returns the
// message timestamp.
func (s *Session) PostText(ctx context.Context, channelID, text, threadTS string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, ts, err := s.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to post message: %w", err)
	}
	return ts, nil
}

// UploadFile uploads a file into a channel, optionally into a thread.
func (s *Session) UploadFile(ctx context.Context, channelID string, data []byte, filename, title, threadTS string) error {
	_, err := s.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         channelID,
		Reader:          bytes.NewReader(data),
		FileSize:        len(data),
		Filename:        filename,
		Title:           title,
		ThreadTimestamp: threadTS,
	})
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	return nil
}

// UserDisplayName resolves a user id to a human-readable name, falling back
// to the raw id when the lookup fails.
func (s *Session) UserDisplayName(ctx context.Context, userID string) string {
	user, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		s.log.Warn("user lookup failed", "user", userID, "error", err)
		return userID
	}
	switch {
	case user.Profile.DisplayName != "":
		return user.Profile.DisplayName
	case user.RealName != "":
		return user.RealName
	default:
		return user.Name
	}
}

// DownloadFile fetches a private file attachment with the bot credentials.
func (s *Session) DownloadFile(ctx context.Context, urlPrivate string) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.api.GetFileContext(ctx, urlPrivate, &buf); err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	return buf.Bytes(), nil
}
