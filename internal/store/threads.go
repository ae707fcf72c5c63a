package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ReplyRef identifies a WhatsApp message that a relayed reply should quote.
type ReplyRef struct {
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// threadValue is one side of a correlation entry. On disk it is either a bare
// string (WhatsApp id → Slack thread timestamp) or an object carrying the
// message id and sender (Slack timestamp → WhatsApp reply ref). Older map
// files used the string form for both directions, so both are accepted for
// either key.
type threadValue struct {
	ID          string
	Participant string
}

func (v threadValue) MarshalJSON() ([]byte, error) {
	if v.Participant == "" {
		return json.Marshal(v.ID)
	}
	return json.Marshal(struct {
		ID          string `json:"id"`
		Participant string `json:"participant"`
	}{v.ID, v.Participant})
}

func (v *threadValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.ID = s
		v.Participant = ""
		return nil
	}
	var obj struct {
		ID          string `json:"id"`
		Participant string `json:"participant"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("thread map value: %w", err)
	}
	v.ID = obj.ID
	v.Participant = obj.Participant
	return nil
}

// ThreadStore persists the bidirectional message correlation map. Every relay
// writes two keys: the WhatsApp message id pointing at the Slack thread
// timestamp, and the Slack timestamp pointing back at the WhatsApp message.
// Entries are never updated or expired. Writes are checkpointed: mutations
// mark the store dirty and Flush rewrites the file.
type ThreadStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]threadValue
	dirty   bool
}

// NewThreadStore loads the correlation map at path, starting empty when the
// file does not exist yet.
func NewThreadStore(path string, logger *slog.Logger) (*ThreadStore, error) {
	s := &ThreadStore{
		path:    path,
		logger:  logger.With("component", "thread_store"),
		entries: make(map[string]threadValue),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read thread map: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("failed to parse thread map: %w", err)
	}

	s.logger.Info("thread map loaded", "entries", len(s.entries))
	return s, nil
}

// AddMapping records the correlation between a WhatsApp message and the Slack
// message that mirrors it, in both directions.
func (s *ThreadStore) AddMapping(waMessageID, slackTS, participant string) {
	if waMessageID == "" || slackTS == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[waMessageID] = threadValue{ID: slackTS}
	s.entries[slackTS] = threadValue{ID: waMessageID, Participant: participant}
	s.dirty = true
}

// SlackThread returns the Slack thread timestamp mirroring a WhatsApp message.
func (s *ThreadStore) SlackThread(waMessageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[waMessageID]
	if !ok {
		return "", false
	}
	return v.ID, true
}

// WhatsAppRef returns the WhatsApp reply reference mirroring a Slack message.
func (s *ThreadStore) WhatsAppRef(slackTS string) (ReplyRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[slackTS]
	if !ok {
		return ReplyRef{}, false
	}
	return ReplyRef{ID: v.ID, Participant: v.Participant}, true
}

// Len returns the number of stored keys.
func (s *ThreadStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Flush writes the map to disk if it changed since the last flush.
func (s *ThreadStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode thread map: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write thread map: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace thread map: %w", err)
	}

	s.dirty = false
	return nil
}

// Run flushes the map on the given interval until the context is cancelled,
// then performs a final flush.
func (s *ThreadStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.Error("final thread map flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("thread map flush failed", "error", err)
			}
		}
	}
}
