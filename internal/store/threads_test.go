package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestThreadStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message-map.json")
	s, err := NewThreadStore(path, newTestLogger())
	require.NoError(t, err)

	s.AddMapping("3EB0ABC123", "1700000000.000100", "12345@s.whatsapp.net")

	ts, ok := s.SlackThread("3EB0ABC123")
	require.True(t, ok)
	assert.Equal(t, "1700000000.000100", ts)

	ref, ok := s.WhatsAppRef("1700000000.000100")
	require.True(t, ok)
	assert.Equal(t, "3EB0ABC123", ref.ID)
	assert.Equal(t, "12345@s.whatsapp.net", ref.Participant)
}

func TestThreadStore_UnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message-map.json")
	s, err := NewThreadStore(path, newTestLogger())
	require.NoError(t, err)

	_, ok := s.SlackThread("missing")
	assert.False(t, ok)
	_, ok = s.WhatsAppRef("missing")
	assert.False(t, ok)
}

func TestThreadStore_FlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message-map.json")
	s, err := NewThreadStore(path, newTestLogger())
	require.NoError(t, err)

	s.AddMapping("WA1", "100.1", "111@s.whatsapp.net")
	s.AddMapping("WA2", "200.2", "222@s.whatsapp.net")
	require.NoError(t, s.Flush())

	reloaded, err := NewThreadStore(path, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.Len())

	ts, ok := reloaded.SlackThread("WA2")
	require.True(t, ok)
	assert.Equal(t, "200.2", ts)

	ref, ok := reloaded.WhatsAppRef("100.1")
	require.True(t, ok)
	assert.Equal(t, "WA1", ref.ID)
	assert.Equal(t, "111@s.whatsapp.net", ref.Participant)
}

func TestThreadStore_FlushSkipsWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message-map.json")
	s, err := NewThreadStore(path, newTestLogger())
	require.NoError(t, err)

	// Nothing recorded yet, so no file should appear
	require.NoError(t, s.Flush())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestThreadStore_AcceptsLegacyStringValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message-map.json")
	legacy := map[string]any{
		"WA1":   "100.1",
		"100.1": "WA1",
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := NewThreadStore(path, newTestLogger())
	require.NoError(t, err)

	ref, ok := s.WhatsAppRef("100.1")
	require.True(t, ok)
	assert.Equal(t, "WA1", ref.ID)
	assert.Empty(t, ref.Participant)
}

func TestThreadStore_IgnoresEmptyIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message-map.json")
	s, err := NewThreadStore(path, newTestLogger())
	require.NoError(t, err)

	s.AddMapping("", "100.1", "x")
	s.AddMapping("WA1", "", "x")
	assert.Equal(t, 0, s.Len())
}
