package slackbridge

import (
	"log/slog"
	"os"
	"testing"

	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewSession("xoxb-test", "xapp-test", logger)
}

func TestHandleMessageEvent_QueuesUserMessage(t *testing.T) {
	s := newTestSession()

	s.handleMessageEvent(&slackevents.MessageEvent{
		Channel:         "C1",
		User:            "U1",
		Text:            "hello",
		TimeStamp:       "1700.100",
		ThreadTimeStamp: "1699.900",
		Files: []slackevents.File{
			{ID: "F1", Name: "pic.png", Title: "Sunset", Mimetype: "image/png", URLPrivate: "https://files.slack.com/pic"},
		},
	})

	select {
	case msg := <-s.Messages():
		assert.Equal(t, "C1", msg.ChannelID)
		assert.Equal(t, "U1", msg.UserID)
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, "1700.100", msg.TS)
		assert.Equal(t, "1699.900", msg.ThreadTS)
		require.Len(t, msg.Files, 1)
		assert.Equal(t, "image/png", msg.Files[0].Mime)
		assert.Equal(t, "https://files.slack.com/pic", msg.Files[0].URLPrivate)
	default:
		t.Fatal("expected a queued message")
	}
}

func TestHandleMessageEvent_DropsBotsAndSubtypes(t *testing.T) {
	s := newTestSession()

	s.handleMessageEvent(&slackevents.MessageEvent{Channel: "C1", User: "U1", Text: "echo", BotID: "B1"})
	s.handleMessageEvent(&slackevents.MessageEvent{Channel: "C1", User: "U1", Text: "edited", SubType: "message_changed"})

	select {
	case msg := <-s.Messages():
		t.Fatalf("unexpected message queued: %+v", msg)
	default:
	}
}
